// Package docstore persists pipeline output as an ordered sequence of
// (content, signature) cell pairs behind a header.
package docstore

import (
	"context"
	"errors"
)

// CellType is the kind of a document cell.
type CellType string

const (
	CellMarkdown CellType = "markdown"
	CellRaw      CellType = "raw"
	CellCode     CellType = "code"
)

// Valid reports whether t is a known cell type.
func (t CellType) Valid() bool {
	switch t {
	case CellMarkdown, CellRaw, CellCode:
		return true
	}
	return false
}

// Cell is one entry of a document.
type Cell struct {
	Type   CellType
	Source string
}

// Markdown returns a markdown cell.
func Markdown(source string) Cell {
	return Cell{Type: CellMarkdown, Source: source}
}

// Raw returns a raw cell.
func Raw(source string) Cell {
	return Cell{Type: CellRaw, Source: source}
}

var (
	// ErrNotFound is returned by Backend.Read when no document exists yet.
	ErrNotFound = errors.New("document not found")

	// ErrCorrupt is returned when a document exists but cannot be read.
	ErrCorrupt = errors.New("document corrupt")

	// ErrCIDMismatch is returned when a signature does not certify the
	// content it is stored with.
	ErrCIDMismatch = errors.New("signature does not match content")
)

// Backend reads and writes a whole document as a flat cell sequence.
type Backend interface {
	// Read returns ErrNotFound when the document does not exist, and an error
	// wrapping ErrCorrupt when it exists but cannot be decoded.
	Read(ctx context.Context) ([]Cell, error)

	// Write replaces the document. A failed write must leave the previous
	// document readable.
	Write(ctx context.Context, cells []Cell) error

	// Name identifies the document in logs.
	Name() string
}
