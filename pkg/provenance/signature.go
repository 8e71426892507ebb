// Package provenance models the derivation edges recorded next to every
// persisted pipeline unit, and exports them as PROV-O.
package provenance

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dan-solli/ontograph/pkg/cid"
)

// ErrInvalidSignature is returned by New when the fields do not describe a
// valid unit of the given kind.
var ErrInvalidSignature = errors.New("invalid signature")

// Kind tags what sort of content a signature certifies.
type Kind string

const (
	KindSource          Kind = "source"
	KindChunk           Kind = "chunk"
	KindStatements      Kind = "statements"
	KindClassifications Kind = "classifications"
	KindSchema          Kind = "schema"
	KindRDF             Kind = "rdf"
	KindRDFChunk        Kind = "rdf_chunk"
)

var knownKinds = map[Kind]bool{
	KindSource:          true,
	KindChunk:           true,
	KindStatements:      true,
	KindClassifications: true,
	KindSchema:          true,
	KindRDF:             true,
	KindRDFChunk:        true,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return knownKinds[k]
}

// Status separates successful units from error placeholders.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Position identifies where a unit sits in its stage's output sequence.
// Chunk and Statement are 1-based; zero means "not applicable".
type Position struct {
	Chunk     int
	Statement int
}

// SlotKey returns the stage key for a unit of kind at pos:
//
//	source     -> "source"
//	rdf        -> "{chunk}_{statement}"
//	rdf_chunk  -> "chunk_{chunk}"
//	otherwise  -> "{chunk}"
func SlotKey(kind Kind, pos Position) string {
	switch kind {
	case KindSource:
		return "source"
	case KindRDF:
		return strconv.Itoa(pos.Chunk) + "_" + strconv.Itoa(pos.Statement)
	case KindRDFChunk:
		return "chunk_" + strconv.Itoa(pos.Chunk)
	default:
		return strconv.Itoa(pos.Chunk)
	}
}

func validatePosition(kind Kind, pos Position) error {
	switch kind {
	case KindSource:
		if pos.Chunk != 0 || pos.Statement != 0 {
			return fmt.Errorf("%w: source units have no position", ErrInvalidSignature)
		}
	case KindRDF:
		if pos.Chunk < 1 || pos.Statement < 1 {
			return fmt.Errorf("%w: rdf units need chunk and statement >= 1, got %d_%d", ErrInvalidSignature, pos.Chunk, pos.Statement)
		}
	default:
		if pos.Chunk < 1 {
			return fmt.Errorf("%w: %s units need chunk >= 1, got %d", ErrInvalidSignature, kind, pos.Chunk)
		}
		if pos.Statement != 0 {
			return fmt.Errorf("%w: %s units are chunk-level", ErrInvalidSignature, kind)
		}
	}
	return nil
}

// Signature binds the CID of one persisted content unit to the CID of the
// input it was derived from.
//
// Signatures are values. Regenerating a unit replaces its whole
// (content, signature) pair; fields are never edited in place.
type Signature struct {
	OutputCID   string
	DerivedFrom string // empty for root units
	Kind        Kind
	Position    Position
	Label       string
	Status      Status
	Error       string // set when Status is StatusError
	RunID       string // run that wrote the unit; never part of hashed content
	Extra       Extra
}

// Option customises a signature built by New.
type Option func(*Signature)

// WithLabel overrides the default "kind:slot" label.
func WithLabel(label string) Option {
	return func(s *Signature) { s.Label = label }
}

// WithExtra attaches a kind-specific payload.
func WithExtra(extra Extra) Option {
	return func(s *Signature) { s.Extra = extra }
}

// WithRunID records the run that produced the unit.
func WithRunID(runID string) Option {
	return func(s *Signature) { s.RunID = runID }
}

// Failed marks the unit as an error placeholder.
func Failed(message string) Option {
	return func(s *Signature) {
		s.Status = StatusError
		s.Error = message
	}
}

// New builds and validates a signature.
func New(kind Kind, outputCID, derivedFrom string, pos Position, opts ...Option) (Signature, error) {
	s := Signature{
		OutputCID:   outputCID,
		DerivedFrom: derivedFrom,
		Kind:        kind,
		Position:    pos,
		Status:      StatusOK,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.Label == "" {
		s.Label = string(kind) + ":" + SlotKey(kind, pos)
	}
	if err := s.Validate(); err != nil {
		return Signature{}, err
	}
	return s, nil
}

// Validate checks the invariants New enforces. Decoders call it as well so
// that a parsed signature is always a constructible one.
func (s Signature) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSignature, s.Kind)
	}
	if s.OutputCID == "" {
		return fmt.Errorf("%w: empty output CID", ErrInvalidSignature)
	}
	if !cid.Valid(s.OutputCID) {
		return fmt.Errorf("%w: output CID %q does not decode", ErrInvalidSignature, s.OutputCID)
	}
	if s.DerivedFrom != "" && !cid.Valid(s.DerivedFrom) {
		return fmt.Errorf("%w: derived-from CID %q does not decode", ErrInvalidSignature, s.DerivedFrom)
	}
	if err := validatePosition(s.Kind, s.Position); err != nil {
		return err
	}
	switch s.Status {
	case StatusOK:
		if s.Error != "" {
			return fmt.Errorf("%w: error message on a successful unit", ErrInvalidSignature)
		}
	case StatusError:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSignature, s.Status)
	}
	if s.Extra != nil && !s.Extra.allowedFor(s.Kind) {
		return fmt.Errorf("%w: %T payload on a %s unit", ErrInvalidSignature, s.Extra, s.Kind)
	}
	return nil
}

// Key returns the stage slot key of the signature (see SlotKey).
func (s Signature) Key() string {
	return SlotKey(s.Kind, s.Position)
}

// OK reports whether the unit holds real output rather than an error placeholder.
func (s Signature) OK() bool {
	return s.Status == StatusOK
}

// URI is the ipfs:// identifier of the certified content.
func (s Signature) URI() string {
	return cid.URI(s.OutputCID)
}

// reproClass maps a kind to its REPRODUCE-ME class.
func reproClass(kind Kind) string {
	switch kind {
	case KindSource:
		return "repro:InputData"
	case KindRDF:
		return "repro:OutputData"
	default:
		return "repro:Data"
	}
}
