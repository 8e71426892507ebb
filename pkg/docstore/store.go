package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dan-solli/ontograph/pkg/cid"
	"github.com/dan-solli/ontograph/pkg/provenance"
)

// Key addresses a unit within a document.
type Key struct {
	Kind provenance.Kind
	Slot string
}

// KeyOf returns the key a signature is stored under.
func KeyOf(s provenance.Signature) Key {
	return Key{Kind: s.Kind, Slot: s.Key()}
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.Slot
}

// Unit is one entry after the header: a content cell with its signature, or
// a foreign cell (nil Signature) that is kept and written back unchanged.
type Unit struct {
	Content   Cell
	Signature *provenance.Signature

	sigCell  Cell // persisted signature cell, reused until the unit is replaced
	mismatch bool // content no longer hashes to Signature.OutputCID
}

// Certified reports whether the unit carries a signature that matches its
// content. Only certified units are visible to Scan.
func (u Unit) Certified() bool {
	return u.Signature != nil && !u.mismatch
}

// Store is an in-memory view of one document. It is not safe for concurrent
// use; a pipeline run owns its stores exclusively.
type Store struct {
	backend Backend
	exists  bool
	header  []Cell
	units   []Unit

	index map[Key]int // Scan cache, nil when stale
}

// Open loads the document behind backend. A missing document opens as an
// empty store; a corrupt one is an error.
func Open(ctx context.Context, backend Backend) (*Store, error) {
	s := &Store{backend: backend}
	cells, err := backend.Read(ctx)
	if errors.Is(err, ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", backend.Name(), err)
	}
	s.exists = true
	s.load(cells)
	return s, nil
}

// load splits cells into the header and units. The header ends at the first
// content cell that is followed by a signature cell.
func (s *Store) load(cells []Cell) {
	parsed := make([]*provenance.Signature, len(cells))
	for i, c := range cells {
		if sig, ok := provenance.ParseString(c.Source); ok {
			parsed[i] = &sig
		}
	}
	pairAt := func(i int) bool {
		return i+1 < len(cells) && parsed[i] == nil && parsed[i+1] != nil
	}

	i := 0
	for i < len(cells) && !pairAt(i) {
		s.header = append(s.header, cells[i])
		i++
	}
	for i < len(cells) {
		if pairAt(i) {
			sig := parsed[i+1]
			s.units = append(s.units, Unit{
				Content:   cells[i],
				Signature: sig,
				sigCell:   cells[i+1],
				mismatch:  cid.ComputeString(cells[i].Source) != sig.OutputCID,
			})
			i += 2
			continue
		}
		s.units = append(s.units, Unit{Content: cells[i]})
		i++
	}
}

// Exists reports whether the document existed when it was opened or has
// been saved since.
func (s *Store) Exists() bool {
	return s.exists
}

// Name identifies the backing document.
func (s *Store) Name() string {
	return s.backend.Name()
}

// Header returns a copy of the header cells.
func (s *Store) Header() []Cell {
	return append([]Cell(nil), s.header...)
}

// SetHeader replaces the header cells.
func (s *Store) SetHeader(cells ...Cell) {
	s.header = append([]Cell(nil), cells...)
}

func checkCID(content Cell, sig provenance.Signature) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if got := cid.ComputeString(content.Source); got != sig.OutputCID {
		return fmt.Errorf("%w: %s: content hashes to %s, signature says %s", ErrCIDMismatch, KeyOf(sig), got, sig.OutputCID)
	}
	return nil
}

func newUnit(content Cell, sig provenance.Signature) (Unit, error) {
	raw, err := provenance.Encode(sig)
	if err != nil {
		return Unit{}, err
	}
	return Unit{Content: content, Signature: &sig, sigCell: Raw(string(raw))}, nil
}

// Append adds a (content, signature) pair at the end of the document.
func (s *Store) Append(content Cell, sig provenance.Signature) error {
	if err := checkCID(content, sig); err != nil {
		return err
	}
	u, err := newUnit(content, sig)
	if err != nil {
		return err
	}
	s.units = append(s.units, u)
	s.index = nil
	return nil
}

// Replace swaps the pair stored under key for a new one. The new pair takes
// the slot of the first matching pair and any further pairs under key are
// dropped, so the key holds exactly one pair afterwards. Units under other
// keys keep their order. With no match Replace appends.
func (s *Store) Replace(key Key, content Cell, sig provenance.Signature) error {
	if got := KeyOf(sig); got != key {
		return fmt.Errorf("replace %s with a signature for %s", key, got)
	}
	if err := checkCID(content, sig); err != nil {
		return err
	}
	u, err := newUnit(content, sig)
	if err != nil {
		return err
	}

	placed := false
	kept := s.units[:0:0]
	for _, existing := range s.units {
		if existing.Signature == nil || KeyOf(*existing.Signature) != key {
			kept = append(kept, existing)
			continue
		}
		if !placed {
			kept = append(kept, u)
			placed = true
		}
	}
	if !placed {
		kept = append(kept, u)
	}
	s.units = kept
	s.index = nil
	return nil
}

// RemoveWhere drops every signed unit for which pred returns true and
// reports how many were removed. Foreign cells are never removed.
func (s *Store) RemoveWhere(pred func(Key, provenance.Signature) bool) int {
	kept := s.units[:0:0]
	removed := 0
	for _, u := range s.units {
		if u.Signature != nil && pred(KeyOf(*u.Signature), *u.Signature) {
			removed++
			continue
		}
		kept = append(kept, u)
	}
	if removed > 0 {
		s.units = kept
		s.index = nil
	}
	return removed
}

func (s *Store) buildIndex() map[Key]int {
	if s.index != nil {
		return s.index
	}
	idx := make(map[Key]int)
	for i, u := range s.units {
		if !u.Certified() {
			continue
		}
		idx[KeyOf(*u.Signature)] = i
	}
	s.index = idx
	return idx
}

// Scan returns the signature of every certified unit by key. When a key
// occurs more than once the last occurrence wins. The result is cached until
// the next mutation; callers get their own copy.
func (s *Store) Scan() map[Key]provenance.Signature {
	idx := s.buildIndex()
	out := make(map[Key]provenance.Signature, len(idx))
	for k, i := range idx {
		out[k] = *s.units[i].Signature
	}
	return out
}

// Lookup returns the certified unit stored under key.
func (s *Store) Lookup(key Key) (Unit, bool) {
	i, ok := s.buildIndex()[key]
	if !ok {
		return Unit{}, false
	}
	return s.units[i], true
}

// Units returns all units in document order, foreign cells included.
func (s *Store) Units() []Unit {
	return append([]Unit(nil), s.units...)
}

// Signatures returns the signature of every signed unit in document order.
func (s *Store) Signatures() []provenance.Signature {
	var out []provenance.Signature
	for _, u := range s.units {
		if u.Signature != nil {
			out = append(out, *u.Signature)
		}
	}
	return out
}

// Len is the number of signed units.
func (s *Store) Len() int {
	n := 0
	for _, u := range s.units {
		if u.Signature != nil {
			n++
		}
	}
	return n
}

// Cells serialises the store back into a flat cell sequence.
func (s *Store) Cells() []Cell {
	cells := make([]Cell, 0, len(s.header)+2*len(s.units))
	cells = append(cells, s.header...)
	for _, u := range s.units {
		cells = append(cells, u.Content)
		if u.Signature != nil {
			cells = append(cells, u.sigCell)
		}
	}
	return cells
}

// Save writes the store through its backend.
func (s *Store) Save(ctx context.Context) error {
	if err := s.backend.Write(ctx, s.Cells()); err != nil {
		return fmt.Errorf("save %s: %w", s.backend.Name(), err)
	}
	s.exists = true
	return nil
}
