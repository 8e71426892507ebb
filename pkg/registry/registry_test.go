package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const einsteinURL = "https://en.wikipedia.org/wiki/Albert_Einstein"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"AC/DC", "ac_dc"},
		{"Albert Einstein", "albert_einstein"},
		{"  Ulm, Germany ", "ulm_germany"},
		{"Zürich", "zurich"},
		{"Ｅｉｎｓｔｅｉｎ", "einstein"},
		{"E=mc²", "e_mc2"},
		{"--already_normal--", "already_normal"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Normalize(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Normalize(got), "idempotent")
		})
	}
}

func TestRegister_CreateGeneratesIDAndURI(t *testing.T) {
	r := New(einsteinURL)

	id, err := r.Register(Registration{Label: "AC/DC", Type: "Organization"})
	require.NoError(t, err)
	assert.Equal(t, "organization_ac_dc", id)

	e, ok := r.Lookup("AC/DC")
	require.True(t, ok)
	assert.Equal(t, "ac_dc", e.Key)
	assert.Equal(t, einsteinURL+"#organization_ac_dc", e.URI)
	assert.Equal(t, AuthorityGenerated, e.Authority)
}

func TestRegister_EmptyLabel(t *testing.T) {
	_, err := New(einsteinURL).Register(Registration{Label: "???", Type: "Thing"})
	require.ErrorIs(t, err, ErrEmptyLabel)
}

func TestRegister_MergeLaw(t *testing.T) {
	r := New(einsteinURL)

	id1, err := r.Register(Registration{Label: "Albert Einstein", Type: "Person", Description: "physicist", SourceUnit: "chunk 1"})
	require.NoError(t, err)
	id2, err := r.Register(Registration{Label: "Albert Einstein", Type: "Person", Description: "Nobel laureate", SourceUnit: "chunk 2"})
	require.NoError(t, err)
	_, err = r.Register(Registration{Label: "albert einstein", Type: "Person", Description: "physicist", SourceUnit: "chunk 1"})
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, r.Len())

	e, ok := r.Lookup("Albert Einstein")
	require.True(t, ok)
	assert.Equal(t, []string{"physicist", "Nobel laureate"}, e.Descriptions)
	assert.Equal(t, []string{"chunk 1", "chunk 2"}, e.SourceUnits)
	assert.Equal(t, "Albert Einstein", e.Label, "first label wins")
}

func TestRegister_AliasResolution(t *testing.T) {
	r := New(einsteinURL)
	id, err := r.Register(Registration{Label: "Albert Einstein", Type: "Person", Aliases: []string{"Einstein"}})
	require.NoError(t, err)

	for _, label := range []string{"einstein", "Einstein", "Albert Einstein", "ALBERT  EINSTEIN"} {
		e, ok := r.Lookup(label)
		require.True(t, ok, label)
		assert.Equal(t, id, e.ID, label)
	}

	// Registering under the alias merges into the aliased entity.
	id2, err := r.Register(Registration{Label: "Einstein", Type: "Person", Description: "theorist"})
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Equal(t, 1, r.Len())

	_, ok := r.Lookup("Bohr")
	assert.False(t, ok)
}

func TestRegister_AliasAddedOnSecondRegistration(t *testing.T) {
	r := New(einsteinURL)
	id, err := r.Register(Registration{Label: "AC/DC", Type: "Organization"})
	require.NoError(t, err)
	_, err = r.Register(Registration{Label: "AC/DC", Type: "Organization", Aliases: []string{"ACDC"}})
	require.NoError(t, err)

	e, ok := r.Lookup("ACDC")
	require.True(t, ok)
	assert.Equal(t, id, e.ID)
	assert.Equal(t, []string{"ACDC"}, e.Aliases)
}

func TestRegister_AliasNeverRepointed(t *testing.T) {
	r := New(einsteinURL)
	_, err := r.Register(Registration{Label: "Albert Einstein", Type: "Person", Aliases: []string{"Einstein"}})
	require.NoError(t, err)
	_, err = r.Register(Registration{Label: "Einstein Tower", Type: "Building", Aliases: []string{"Einstein", "Einsteinturm"}})
	require.NoError(t, err)

	e, ok := r.Lookup("Einstein")
	require.True(t, ok)
	assert.Equal(t, "person_albert_einstein", e.ID)

	tower, ok := r.Lookup("Einsteinturm")
	require.True(t, ok)
	assert.Equal(t, "building_einstein_tower", tower.ID)
	assert.Equal(t, []string{"Einsteinturm"}, tower.Aliases)
}

func TestRegister_URIAuthority(t *testing.T) {
	r := New(einsteinURL)

	_, err := r.Register(Registration{Label: "Ulm", Type: "Place"})
	require.NoError(t, err)
	e, _ := r.Lookup("Ulm")
	assert.Equal(t, einsteinURL+"#place_ulm", e.URI)

	_, err = r.Register(Registration{Label: "Ulm", Type: "Place", URI: "https://en.wikipedia.org/wiki/Ulm"})
	require.NoError(t, err)
	e, _ = r.Lookup("Ulm")
	assert.Equal(t, "https://en.wikipedia.org/wiki/Ulm", e.URI)
	assert.Equal(t, AuthorityLinked, e.Authority)

	_, err = r.Register(Registration{Label: "Ulm", Type: "Place", ExternalID: "Q3012"})
	require.NoError(t, err)
	e, _ = r.Lookup("Ulm")
	assert.Equal(t, WikidataEntityBase+"Q3012", e.URI)
	assert.Equal(t, AuthorityExternal, e.Authority)
	assert.Equal(t, "Q3012", e.ExternalID)

	// Lower or equal authority never downgrades, and the external id sticks.
	_, err = r.Register(Registration{Label: "Ulm", Type: "Place", URI: "https://example.org/ulm"})
	require.NoError(t, err)
	_, err = r.Register(Registration{Label: "Ulm", Type: "Place", ExternalID: "Q999"})
	require.NoError(t, err)
	e, _ = r.Lookup("Ulm")
	assert.Equal(t, WikidataEntityBase+"Q3012", e.URI)
	assert.Equal(t, "Q3012", e.ExternalID)
}

func TestRegister_ExplicitURIOnCreate(t *testing.T) {
	r := New(einsteinURL)
	_, err := r.Register(Registration{Label: "Princeton", Type: "Place", URI: "https://en.wikipedia.org/wiki/Princeton,_New_Jersey"})
	require.NoError(t, err)

	e, _ := r.Lookup("Princeton")
	assert.Equal(t, "https://en.wikipedia.org/wiki/Princeton,_New_Jersey", e.URI)
	assert.Equal(t, AuthorityLinked, e.Authority)
	assert.Equal(t, "place_princeton", e.ID)
}

func TestFormatting(t *testing.T) {
	r := New(einsteinURL)
	assert.Equal(t, "# No entities registered yet", r.FormatForPrompt())
	assert.Equal(t, "None yet", r.KnownEntitiesText())

	_, _ = r.Register(Registration{Label: "Albert Einstein", Type: "Person"})
	_, _ = r.Register(Registration{Label: "Ulm", Type: "Place"})
	_, _ = r.Register(Registration{Label: "Albert Einstein", Type: "Person", Description: "again"})

	want := "<" + einsteinURL + "#person_albert_einstein> # Albert Einstein (Person)\n" +
		"<" + einsteinURL + "#place_ulm> # Ulm (Place)"
	assert.Equal(t, want, r.FormatForPrompt())
	assert.Equal(t, want, r.FormatForPrompt(), "stable across calls")
	assert.Equal(t, "- Albert Einstein (Person)\n- Ulm (Place)", r.KnownEntitiesText())
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	r := New(einsteinURL)
	for _, label := range []string{"Zurich", "Albert Einstein", "Bern"} {
		_, err := r.Register(Registration{Label: label, Type: "Thing", SourceUnit: "chunk 1"})
		require.NoError(t, err)
	}
	_, err := r.Register(Registration{Label: "Albert Einstein", Type: "Person", Aliases: []string{"Einstein"}, ExternalID: "Q937"})
	require.NoError(t, err)
	require.NoError(t, r.Save(path))

	loaded, err := Load(path, "ignored")
	require.NoError(t, err)
	assert.Equal(t, einsteinURL, loaded.SourceURL())
	assert.Equal(t, r.Entities(), loaded.Entities())
	assert.Equal(t, r.FormatForPrompt(), loaded.FormatForPrompt())

	e, ok := loaded.Lookup("einstein")
	require.True(t, ok)
	assert.Equal(t, AuthorityExternal, e.Authority)
}

func TestLoad_MissingFile(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "nope.json"), einsteinURL)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, einsteinURL, r.SourceURL())
}

func TestLoad_LegacyObjectForm(t *testing.T) {
	legacy := `{
  "source_url": "https://en.wikipedia.org/wiki/Albert_Einstein",
  "entities": {
    "ulm": {"id": "place_ulm", "uri": "https://en.wikipedia.org/wiki/Albert_Einstein#place_ulm",
            "label": "Ulm", "type": "Place", "descriptions": [], "source_chunks": [1], "aliases": []},
    "albert_einstein": {"id": "person_albert_einstein", "uri": "https://en.wikipedia.org/wiki/Albert_Einstein#person_albert_einstein",
            "label": "Albert Einstein", "type": "Person", "descriptions": ["physicist"], "source_chunks": [1, 4], "aliases": ["Einstein"]}
  },
  "aliases": {"einstein": "albert_einstein"}
}`
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	r, err := Load(path, "")
	require.NoError(t, err)

	entities := r.Entities()
	require.Len(t, entities, 2)
	assert.Equal(t, "ulm", entities[0].Key, "file order preserved")
	assert.Equal(t, []string{"chunk 1", "chunk 4"}, entities[1].SourceUnits)

	e, ok := r.Lookup("Einstein")
	require.True(t, ok)
	assert.Equal(t, "person_albert_einstein", e.ID)
}

func TestLoad_DanglingAlias(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"source_url":"x","entities":[],"aliases":{"a":"missing"}}`), 0o644))

	_, err := Load(path, "")
	require.Error(t, err)
}
