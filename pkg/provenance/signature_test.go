package provenance

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/dan-solli/ontograph/pkg/cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsAndKey(t *testing.T) {
	out := cid.ComputeString("chunk content")
	from := cid.ComputeString("source")

	s, err := New(KindChunk, out, from, Position{Chunk: 3})
	require.NoError(t, err)

	assert.Equal(t, StatusOK, s.Status)
	assert.Equal(t, "chunk:3", s.Label)
	assert.Equal(t, "3", s.Key())
	assert.Equal(t, "ipfs://"+out, s.URI())
	assert.True(t, s.OK())
}

func TestSlotKey(t *testing.T) {
	tests := []struct {
		kind Kind
		pos  Position
		want string
	}{
		{KindSource, Position{}, "source"},
		{KindChunk, Position{Chunk: 1}, "1"},
		{KindStatements, Position{Chunk: 12}, "12"},
		{KindRDF, Position{Chunk: 3, Statement: 2}, "3_2"},
		{KindRDFChunk, Position{Chunk: 3}, "chunk_3"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, SlotKey(tt.kind, tt.pos))
		})
	}
}

func TestNew_Validation(t *testing.T) {
	out := cid.ComputeString("x")

	tests := []struct {
		name string
		kind Kind
		out  string
		pos  Position
		opts []Option
	}{
		{"unknown kind", Kind("facts"), out, Position{Chunk: 1}, nil},
		{"empty output", KindChunk, "", Position{Chunk: 1}, nil},
		{"garbage output", KindChunk, "not a cid", Position{Chunk: 1}, nil},
		{"chunk without position", KindChunk, out, Position{}, nil},
		{"chunk with statement", KindStatements, out, Position{Chunk: 1, Statement: 2}, nil},
		{"rdf without statement", KindRDF, out, Position{Chunk: 1}, nil},
		{"source with position", KindSource, out, Position{Chunk: 1}, nil},
		{"payload of wrong kind", KindChunk, out, Position{Chunk: 1}, []Option{WithExtra(&RDFStats{Triples: 1})}},
		{"classification payload on rdf", KindRDF, out, Position{Chunk: 1, Statement: 1}, []Option{WithExtra(&ClassificationData{})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.kind, tt.out, "", tt.pos, tt.opts...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSignature), "got %v", err)
		})
	}
}

func TestEncodeParse_RoundTrip(t *testing.T) {
	from := cid.ComputeString("upstream")
	runID := "5f0c8a52-2f5e-4c57-9a8e-0b9c2f1d6a11"

	cases := map[string]func() (Signature, error){
		"source root": func() (Signature, error) {
			return New(KindSource, cid.ComputeString("article"), "", Position{})
		},
		"statements with list": func() (Signature, error) {
			return New(KindStatements, cid.ComputeString("stmts"), from, Position{Chunk: 2},
				WithRunID(runID),
				WithExtra(&StatementList{Statements: []StatementItem{
					{Index: 1, Text: "Einstein was born in Ulm.", CID: cid.ComputeString("Einstein was born in Ulm.")},
				}}))
		},
		"classifications": func() (Signature, error) {
			return New(KindClassifications, cid.ComputeString("table"), from, Position{Chunk: 2},
				WithLabel("classifications:chunk_2"),
				WithExtra(&ClassificationData{
					Classifications: []Classification{
						{Index: 1, Statement: "A.", Verdict: VerdictGood, Reason: "atomic"},
						{Index: 2, Statement: "B and C.", Verdict: VerdictBad, Reason: "two claims"},
					},
					MissingFacts: "none",
					Score:        0.5,
					JudgeScore:   0.75,
				}))
		},
		"rdf statement": func() (Signature, error) {
			return New(KindRDF, cid.ComputeString("ttl"), from, Position{Chunk: 4, Statement: 7},
				WithExtra(&RDFStats{Triples: 3}))
		},
		"rdf chunk summary": func() (Signature, error) {
			return New(KindRDFChunk, cid.ComputeString("summary"), from, Position{Chunk: 4},
				WithExtra(&RDFStats{Triples: 9, Iterations: 5, Statements: 3}))
		},
		"error unit": func() (Signature, error) {
			return New(KindStatements, cid.ComputeString("# Error: timeout: deadline"), from, Position{Chunk: 1},
				Failed("context deadline exceeded"))
		},
	}

	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			want, err := build()
			require.NoError(t, err)

			raw, err := Encode(want)
			require.NoError(t, err)

			got, ok := Parse(raw)
			require.True(t, ok, "failed to parse %s", raw)
			assert.Equal(t, want, got)

			again, err := Encode(got)
			require.NoError(t, err)
			assert.Equal(t, string(raw), string(again), "encoding must be deterministic")
		})
	}
}

func TestEncode_JSONLDShape(t *testing.T) {
	out := cid.ComputeString("rdf content")
	from := cid.ComputeString("statement")
	s, err := New(KindRDF, out, from, Position{Chunk: 3, Statement: 2})
	require.NoError(t, err)

	raw, err := Encode(s)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))

	assert.Equal(t, "ipfs://"+out, doc["@id"])
	assert.Equal(t, []any{"prov:Entity", "repro:OutputData"}, doc["@type"])
	assert.Equal(t, out, doc["dcterms:identifier"])
	assert.Equal(t, map[string]any{"@id": "ipfs://" + from}, doc["prov:wasDerivedFrom"])
	assert.Equal(t, SchemaV2, doc["_schema"])
	assert.Equal(t, "3_2", doc["_stmt_key"])
	assert.Equal(t, "ok", doc["_status"])
	assert.Contains(t, doc, "@context")
}

func TestParse_RejectsForeignContent(t *testing.T) {
	inputs := []string{
		"",
		"# Chunk 3 Error: Timeout",
		`["not", "an", "object"]`,
		`{"source_url": "https://en.wikipedia.org/wiki/Ulm", "entities": {}}`,
		`{"_schema": "signature/v99", "dcterms:identifier": "x"}`,
		`{"cell": 1, "cid": "", "type": "chunk"}`,
		`{"_schema": "signature/v2", "_type": "chunk", "dcterms:identifier": "garbage", "_chunk_num": 1, "_status": "ok"}`,
		`{not json`,
	}
	for _, in := range inputs {
		_, ok := ParseString(in)
		assert.False(t, ok, "expected %q to be rejected", in)
	}
}

func TestParse_UntaggedRecords(t *testing.T) {
	out := cid.ComputeString("facts")
	from := cid.ComputeString("chunk")

	t.Run("flat record", func(t *testing.T) {
		raw := `{"cell": 4, "type": "facts", "cid": "` + out + `", "from_cid": "` + from + `"}`
		s, ok := ParseString(raw)
		require.True(t, ok)
		assert.Equal(t, KindStatements, s.Kind)
		assert.Equal(t, Position{Chunk: 4}, s.Position)
		assert.Equal(t, out, s.OutputCID)
		assert.Equal(t, from, s.DerivedFrom)
		assert.Equal(t, StatusOK, s.Status)
	})

	t.Run("flat rdf record", func(t *testing.T) {
		raw := `{"cell": 40, "stmt_key": "2_3", "chunk_num": 2, "stmt_idx": 3, "type": "rdf", "cid": "` + out + `", "from_cid": "` + from + `"}`
		s, ok := ParseString(raw)
		require.True(t, ok)
		assert.Equal(t, "2_3", s.Key())
	})

	t.Run("early JSON-LD with classification data", func(t *testing.T) {
		raw := `{
		  "@id": "ipfs://` + out + `",
		  "@type": ["prov:Entity", "repro:Data"],
		  "dcterms:identifier": "` + out + `",
		  "prov:label": "classifications:chunk_5",
		  "prov:wasDerivedFrom": {"@id": "ipfs://` + from + `"},
		  "_cell": 11,
		  "_type": "classifications",
		  "_chunk_num": 5,
		  "_classification_data": {"classifications": [{"index": 1, "statement": "A.", "classification": "GOOD", "reason": "ok"}], "missing_facts": "", "score": 1.0}
		}`
		s, ok := ParseString(raw)
		require.True(t, ok)
		assert.Equal(t, KindClassifications, s.Kind)
		assert.Equal(t, Position{Chunk: 5}, s.Position)
		assert.Equal(t, "classifications:chunk_5", s.Label)

		data, ok := s.Extra.(*ClassificationData)
		require.True(t, ok)
		assert.Len(t, data.Classifications, 1)
		assert.Equal(t, 1.0, data.Score)
	})
}

func TestClassificationData_Rejected(t *testing.T) {
	data := &ClassificationData{Classifications: []Classification{
		{Index: 1, Verdict: VerdictGood},
		{Index: 2, Verdict: VerdictBad},
		{Index: 3, Verdict: VerdictBad},
	}}
	assert.Equal(t, map[int]bool{2: true, 3: true}, data.Rejected())
}
