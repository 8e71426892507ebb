package docstore

import (
	"context"
	"sync"
)

// MemoryBackend keeps a document in memory. It is used by tests and by dry
// runs. The zero value is an empty backend with no document.
type MemoryBackend struct {
	mu     sync.RWMutex
	cells  []Cell
	exists bool
	writes int
}

// NewMemoryBackend returns a backend holding cells. With no cells it behaves
// as if the document did not exist.
func NewMemoryBackend(cells ...Cell) *MemoryBackend {
	m := &MemoryBackend{}
	if len(cells) > 0 {
		m.cells = append([]Cell(nil), cells...)
		m.exists = true
	}
	return m
}

// Read returns a copy of the stored cells.
func (m *MemoryBackend) Read(ctx context.Context) ([]Cell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.exists {
		return nil, ErrNotFound
	}
	return append([]Cell(nil), m.cells...), nil
}

// Write replaces the stored cells.
func (m *MemoryBackend) Write(ctx context.Context, cells []Cell) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cells = append([]Cell(nil), cells...)
	m.exists = true
	m.writes++
	return nil
}

// Name implements Backend.
func (m *MemoryBackend) Name() string {
	return "memory"
}

// Writes is the number of successful writes.
func (m *MemoryBackend) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Cells returns a copy of the stored cells.
func (m *MemoryBackend) Cells() []Cell {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Cell(nil), m.cells...)
}
