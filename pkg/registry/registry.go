// Package registry keeps named entities under stable keys and URIs so that
// repeated runs over the same article refer to the same resources.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrEmptyLabel is returned when a label normalizes to an empty key.
var ErrEmptyLabel = errors.New("registry: label has no alphanumeric characters")

// Authority ranks where an entity's URI came from. A URI is only ever
// replaced by one of strictly higher authority.
type Authority int

const (
	// AuthorityGenerated is a URI minted from the source URL and key.
	AuthorityGenerated Authority = iota
	// AuthorityLinked is a URI taken from a link in the source text.
	AuthorityLinked
	// AuthorityExternal is a URI backed by a stable external identifier.
	AuthorityExternal
)

func (a Authority) String() string {
	switch a {
	case AuthorityGenerated:
		return "generated"
	case AuthorityLinked:
		return "linked"
	case AuthorityExternal:
		return "external"
	default:
		return fmt.Sprintf("authority(%d)", int(a))
	}
}

// WikidataEntityBase prefixes Wikidata QIDs to form entity URIs.
const WikidataEntityBase = "http://www.wikidata.org/entity/"

var (
	nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)
	qidRe    = regexp.MustCompile(`^Q[1-9][0-9]*$`)
)

// Normalize folds a label into its registry key: diacritics are stripped,
// the result is lowercased and every run of characters outside [a-z0-9]
// becomes a single underscore. Normalize is idempotent.
func Normalize(label string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, label)
	if err != nil {
		folded = label
	}
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(folded), "_"), "_")
}

// Entity is one registered entity.
type Entity struct {
	Key          string    `json:"key"`
	ID           string    `json:"id"`
	URI          string    `json:"uri"`
	Authority    Authority `json:"authority"`
	Label        string    `json:"label"`
	Type         string    `json:"type"`
	ExternalID   string    `json:"external_id,omitempty"`
	Descriptions []string  `json:"descriptions"`
	Aliases      []string  `json:"aliases"`
	SourceUnits  []string  `json:"source_units"`
}

func (e *Entity) clone() Entity {
	c := *e
	c.Descriptions = slices.Clone(e.Descriptions)
	c.Aliases = slices.Clone(e.Aliases)
	c.SourceUnits = slices.Clone(e.SourceUnits)
	return c
}

// Registration describes one sighting of an entity.
type Registration struct {
	Label       string
	Type        string
	Description string
	Aliases     []string
	// SourceUnit names the unit the entity was seen in, e.g. "chunk 3".
	SourceUnit string
	// URI is an explicit URI. Its authority defaults to AuthorityLinked.
	URI       string
	Authority Authority
	// ExternalID is a stable identifier such as a Wikidata QID. A QID with
	// no URI yields a Wikidata entity URI at AuthorityExternal.
	ExternalID string
}

// Registry maps normalized keys to entities and aliases to keys.
// Entities keep their insertion order.
type Registry struct {
	mu        sync.RWMutex
	sourceURL string
	entities  map[string]*Entity
	order     []string
	aliases   map[string]string
	logger    *slog.Logger
}

// New returns an empty registry minting URIs under sourceURL.
func New(sourceURL string) *Registry {
	return &Registry{
		sourceURL: sourceURL,
		entities:  make(map[string]*Entity),
		aliases:   make(map[string]string),
	}
}

// WithLogger sets the logger used for merge diagnostics.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

func (r *Registry) getLogger() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// SourceURL is the base of generated URIs.
func (r *Registry) SourceURL() string {
	return r.sourceURL
}

// resolveURI returns the URI and authority a registration asks for, or
// ("", AuthorityGenerated) when it carries none.
func resolveURI(reg Registration) (string, Authority) {
	if reg.URI != "" {
		return reg.URI, max(reg.Authority, AuthorityLinked)
	}
	if qidRe.MatchString(reg.ExternalID) {
		return WikidataEntityBase + reg.ExternalID, AuthorityExternal
	}
	return "", AuthorityGenerated
}

// Register creates or merges an entity and returns its id.
//
// A label whose key is already claimed as an alias merges into the entity
// owning that alias. On merge, novel descriptions, source units and aliases
// are appended, the URI is upgraded only by a strictly more authoritative
// one, and the external id is set only if empty.
func (r *Registry) Register(reg Registration) (string, error) {
	key := Normalize(reg.Label)
	if key == "" {
		return "", fmt.Errorf("%w: %q", ErrEmptyLabel, reg.Label)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.aliases[key]; ok {
		key = owner
	}

	uri, authority := resolveURI(reg)
	e, exists := r.entities[key]
	if !exists {
		typeKey := Normalize(reg.Type)
		if typeKey == "" {
			typeKey = "entity"
		}
		id := typeKey + "_" + key
		if uri == "" {
			uri = r.sourceURL + "#" + id
		}
		e = &Entity{
			Key:          key,
			ID:           id,
			URI:          uri,
			Authority:    authority,
			Label:        reg.Label,
			Type:         reg.Type,
			ExternalID:   reg.ExternalID,
			Descriptions: []string{},
			Aliases:      []string{},
			SourceUnits:  []string{},
		}
		r.entities[key] = e
		r.order = append(r.order, key)
		r.aliases[key] = key
	} else {
		if uri != "" && authority > e.Authority {
			r.getLogger().Debug("entity uri upgraded",
				"key", key, "from", e.URI, "to", uri, "authority", authority)
			e.URI = uri
			e.Authority = authority
		}
		if e.ExternalID == "" {
			e.ExternalID = reg.ExternalID
		}
	}

	if reg.Description != "" && !slices.Contains(e.Descriptions, reg.Description) {
		e.Descriptions = append(e.Descriptions, reg.Description)
	}
	if reg.SourceUnit != "" && !slices.Contains(e.SourceUnits, reg.SourceUnit) {
		e.SourceUnits = append(e.SourceUnits, reg.SourceUnit)
	}
	if reg.Label != e.Label {
		r.addAlias(e, reg.Label)
	}
	for _, alias := range reg.Aliases {
		r.addAlias(e, alias)
	}
	return e.ID, nil
}

// addAlias claims alias for e unless another entity already owns it.
func (r *Registry) addAlias(e *Entity, alias string) {
	ak := Normalize(alias)
	if ak == "" {
		return
	}
	if owner, ok := r.aliases[ak]; ok && owner != e.Key {
		r.getLogger().Debug("alias already claimed", "alias", alias, "owner", owner, "entity", e.Key)
		return
	}
	r.aliases[ak] = e.Key
	if ak == e.Key || slices.Contains(e.Aliases, alias) {
		return
	}
	e.Aliases = append(e.Aliases, alias)
}

// Lookup resolves label through the alias index, then by key. Unknown
// labels return false.
func (r *Registry) Lookup(label string) (Entity, bool) {
	key := Normalize(label)
	if key == "" {
		return Entity{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if owner, ok := r.aliases[key]; ok {
		key = owner
	}
	e, ok := r.entities[key]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// Entities returns copies of all entities in insertion order.
func (r *Registry) Entities() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entity, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.entities[k].clone())
	}
	return out
}

// Len is the number of entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// FormatForPrompt lists entities as turtle-style comments for RDF prompts.
func (r *Registry) FormatForPrompt() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return "# No entities registered yet"
	}
	lines := make([]string, len(r.order))
	for i, k := range r.order {
		e := r.entities[k]
		lines[i] = fmt.Sprintf("<%s> # %s (%s)", e.URI, e.Label, e.Type)
	}
	return strings.Join(lines, "\n")
}

// KnownEntitiesText lists entities for statement extraction prompts.
func (r *Registry) KnownEntitiesText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return "None yet"
	}
	lines := make([]string, len(r.order))
	for i, k := range r.order {
		e := r.entities[k]
		lines[i] = fmt.Sprintf("- %s (%s)", e.Label, e.Type)
	}
	return strings.Join(lines, "\n")
}
