package provenance

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dan-solli/ontograph/pkg/cid"
)

// SchemaV2 tags every signature written by this package.
const SchemaV2 = "signature/v2"

// Namespaces used in the JSON-LD context and the Turtle export.
const (
	NamespacePROV    = "http://www.w3.org/ns/prov#"
	NamespaceRepro   = "https://w3id.org/reproduceme#"
	NamespaceDCTerms = "http://purl.org/dc/terms/"
	NamespaceXSD     = "http://www.w3.org/2001/XMLSchema#"
)

// codec decodes one persisted signature schema.
type codec interface {
	decode(raw []byte) (Signature, error)
}

// codecs is keyed by the _schema tag. The empty tag covers records written
// before signatures were versioned.
var codecs = map[string]codec{
	SchemaV2: v2Codec{},
	"":       untaggedCodec{},
}

type typeCoercion struct {
	Type string `json:"@type"`
}

type jsonldContext struct {
	Prov           string       `json:"prov"`
	Repro          string       `json:"repro"`
	DCTerms        string       `json:"dcterms"`
	XSD            string       `json:"xsd"`
	WasDerivedFrom typeCoercion `json:"prov:wasDerivedFrom"`
	WasGeneratedBy typeCoercion `json:"prov:wasGeneratedBy"`
}

var defaultContext = jsonldContext{
	Prov:           NamespacePROV,
	Repro:          NamespaceRepro,
	DCTerms:        NamespaceDCTerms,
	XSD:            NamespaceXSD,
	WasDerivedFrom: typeCoercion{Type: "@id"},
	WasGeneratedBy: typeCoercion{Type: "@id"},
}

type idRef struct {
	ID string `json:"@id"`
}

type wireV2 struct {
	Context        *jsonldContext  `json:"@context,omitempty"`
	ID             string          `json:"@id"`
	Type           []string        `json:"@type"`
	Identifier     string          `json:"dcterms:identifier"`
	Label          string          `json:"prov:label"`
	WasDerivedFrom *idRef          `json:"prov:wasDerivedFrom,omitempty"`
	Schema         string          `json:"_schema"`
	Kind           Kind            `json:"_type"`
	ChunkNum       int             `json:"_chunk_num,omitempty"`
	StmtIdx        int             `json:"_stmt_idx,omitempty"`
	StmtKey        string          `json:"_stmt_key,omitempty"`
	Status         Status          `json:"_status"`
	Error          string          `json:"_error,omitempty"`
	RunID          string          `json:"_run_id,omitempty"`
	Extra          json.RawMessage `json:"_extra,omitempty"`
}

// Encode serialises s as a v2 JSON-LD record. The output is deterministic
// for a given signature.
func Encode(s Signature) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	ctx := defaultContext
	w := wireV2{
		Context:    &ctx,
		ID:         cid.URI(s.OutputCID),
		Type:       []string{"prov:Entity", reproClass(s.Kind)},
		Identifier: s.OutputCID,
		Label:      s.Label,
		Schema:     SchemaV2,
		Kind:       s.Kind,
		ChunkNum:   s.Position.Chunk,
		StmtIdx:    s.Position.Statement,
		Status:     s.Status,
		Error:      s.Error,
		RunID:      s.RunID,
	}
	if s.DerivedFrom != "" {
		w.WasDerivedFrom = &idRef{ID: cid.URI(s.DerivedFrom)}
	}
	if s.Kind == KindRDF {
		w.StmtKey = s.Key()
	}
	if s.Extra != nil {
		extra, err := json.Marshal(s.Extra)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", s.Kind, err)
		}
		w.Extra = extra
	}
	return json.MarshalIndent(w, "", "  ")
}

// Parse decodes a persisted signature. Anything that is not a signature
// (foreign cells, hand-edited junk, unknown schema versions) yields false.
func Parse(raw []byte) (Signature, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return Signature{}, false
	}
	var probe struct {
		Schema string `json:"_schema"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Signature{}, false
	}
	c, ok := codecs[probe.Schema]
	if !ok {
		return Signature{}, false
	}
	s, err := c.decode(raw)
	if err != nil {
		return Signature{}, false
	}
	if err := s.Validate(); err != nil {
		return Signature{}, false
	}
	return s, true
}

// ParseString is Parse for cell text.
func ParseString(raw string) (Signature, bool) {
	return Parse([]byte(raw))
}

type v2Codec struct{}

func (v2Codec) decode(raw []byte) (Signature, error) {
	var w wireV2
	if err := json.Unmarshal(raw, &w); err != nil {
		return Signature{}, err
	}
	s := Signature{
		OutputCID: w.Identifier,
		Kind:      w.Kind,
		Position:  Position{Chunk: w.ChunkNum, Statement: w.StmtIdx},
		Label:     w.Label,
		Status:    w.Status,
		Error:     w.Error,
		RunID:     w.RunID,
	}
	if s.OutputCID == "" {
		s.OutputCID, _ = cid.FromURI(w.ID)
	}
	if w.WasDerivedFrom != nil {
		from, ok := cid.FromURI(w.WasDerivedFrom.ID)
		if !ok {
			return Signature{}, fmt.Errorf("derived-from %q is not an ipfs URI", w.WasDerivedFrom.ID)
		}
		s.DerivedFrom = from
	}
	extra, err := decodeExtra(s.Kind, w.Extra)
	if err != nil {
		return Signature{}, err
	}
	s.Extra = extra
	return s, nil
}

// untaggedCodec reads the two record shapes that predate the _schema tag:
// the first JSON-LD signatures and the flat {cell, cid, type, from_cid}
// records. Both are imported as successful units.
type untaggedCodec struct{}

type wireUntagged struct {
	ID             string          `json:"@id"`
	Identifier     string          `json:"dcterms:identifier"`
	Label          string          `json:"prov:label"`
	WasDerivedFrom json.RawMessage `json:"prov:wasDerivedFrom"`
	Kind           string          `json:"_type"`
	Cell           *int            `json:"_cell"`
	ChunkNum       *int            `json:"_chunk_num"`
	StmtIdx        *int            `json:"_stmt_idx"`
	Classification json.RawMessage `json:"_classification_data"`

	FlatCell     *int   `json:"cell"`
	FlatCID      string `json:"cid"`
	FlatType     string `json:"type"`
	FlatFromCID  string `json:"from_cid"`
	FlatChunkNum *int   `json:"chunk_num"`
	FlatStmtIdx  *int   `json:"stmt_idx"`
	FlatLabel    string `json:"label"`
}

// untaggedKinds maps kind names used by older records.
var untaggedKinds = map[string]Kind{
	"source":          KindSource,
	"chunk":           KindChunk,
	"fact":            KindStatements,
	"facts":           KindStatements,
	"statements":      KindStatements,
	"classifications": KindClassifications,
	"schema":          KindSchema,
	"rdf":             KindRDF,
}

func (untaggedCodec) decode(raw []byte) (Signature, error) {
	var w wireUntagged
	if err := json.Unmarshal(raw, &w); err != nil {
		return Signature{}, err
	}

	kindName := firstNonEmpty(w.Kind, w.FlatType)
	kind, ok := untaggedKinds[kindName]
	if !ok {
		return Signature{}, fmt.Errorf("unknown kind %q", kindName)
	}

	s := Signature{
		OutputCID: firstNonEmpty(w.Identifier, w.FlatCID),
		Kind:      kind,
		Label:     firstNonEmpty(w.Label, w.FlatLabel),
		Status:    StatusOK,
	}
	if s.OutputCID == "" {
		s.OutputCID, _ = cid.FromURI(w.ID)
	}

	from, err := untaggedDerivedFrom(w.WasDerivedFrom, w.FlatFromCID)
	if err != nil {
		return Signature{}, err
	}
	s.DerivedFrom = from

	if kind != KindSource {
		s.Position.Chunk = firstSet(w.ChunkNum, w.FlatChunkNum, w.Cell, w.FlatCell)
	}
	if kind == KindRDF {
		s.Position.Statement = firstSet(w.StmtIdx, w.FlatStmtIdx)
	}
	if s.Label == "" {
		s.Label = string(kind) + ":" + SlotKey(kind, s.Position)
	}

	if kind == KindClassifications && len(w.Classification) > 0 {
		extra, err := decodeExtra(kind, w.Classification)
		if err != nil {
			return Signature{}, err
		}
		s.Extra = extra
	}
	return s, nil
}

func untaggedDerivedFrom(ld json.RawMessage, flat string) (string, error) {
	if len(ld) == 0 || string(ld) == "null" {
		return flat, nil
	}
	var ref idRef
	if err := json.Unmarshal(ld, &ref); err == nil && ref.ID != "" {
		if c, ok := cid.FromURI(ref.ID); ok {
			return c, nil
		}
		return "", fmt.Errorf("derived-from %q is not an ipfs URI", ref.ID)
	}
	var uri string
	if err := json.Unmarshal(ld, &uri); err == nil {
		if c, ok := cid.FromURI(uri); ok {
			return c, nil
		}
	}
	return "", fmt.Errorf("unreadable prov:wasDerivedFrom %s", string(ld))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstSet(values ...*int) int {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}
