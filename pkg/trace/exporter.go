//go:build tracing

package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileExporter appends trace records to a JSON Lines file and rotates it by size.
type FileExporter struct {
	filePath string
	opts     FileExporterOptions

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	closed  bool
}

// NewFileExporter opens (or creates) filePath for appending.
func NewFileExporter(filePath string, opts FileExporterOptions) (Exporter, error) {
	if opts.MaxSizeBytes <= 0 {
		opts.MaxSizeBytes = 10 * 1024 * 1024
	}
	if opts.MaxRotatedFiles <= 0 {
		opts.MaxRotatedFiles = 5
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}

	fe := &FileExporter{filePath: filePath, opts: opts}
	if err := fe.open(); err != nil {
		return nil, err
	}
	return fe, nil
}

func (fe *FileExporter) open() error {
	file, err := os.OpenFile(fe.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	fe.file = file
	fe.encoder = json.NewEncoder(file)
	return nil
}

// Export writes record as one JSON line, then rotates if the file is full.
func (fe *FileExporter) Export(ctx context.Context, record *TraceRecord) error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.closed {
		return fmt.Errorf("exporter closed")
	}
	if err := fe.encoder.Encode(record); err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}
	if err := fe.rotateIfNeeded(); err != nil {
		return fmt.Errorf("rotate trace file: %w", err)
	}
	return nil
}

// Close syncs and closes the trace file. Closing twice is a no-op.
func (fe *FileExporter) Close() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.closed {
		return nil
	}
	fe.closed = true

	if err := fe.file.Sync(); err != nil {
		fe.file.Close()
		return fmt.Errorf("sync trace file: %w", err)
	}
	return fe.file.Close()
}

// rotateIfNeeded must be called with the lock held.
func (fe *FileExporter) rotateIfNeeded() error {
	info, err := fe.file.Stat()
	if err != nil {
		return fmt.Errorf("stat trace file: %w", err)
	}
	if info.Size() < fe.opts.MaxSizeBytes {
		return nil
	}

	if err := fe.file.Close(); err != nil {
		return fmt.Errorf("close trace file for rotation: %w", err)
	}
	if err := fe.shiftRotated(); err != nil {
		return err
	}
	return fe.open()
}

// shiftRotated renames path.N-1 -> path.N down to path -> path.1, dropping
// the oldest file once MaxRotatedFiles exist.
func (fe *FileExporter) shiftRotated() error {
	rotated := func(i int) string { return fmt.Sprintf("%s.%d", fe.filePath, i) }

	oldest := rotated(fe.opts.MaxRotatedFiles)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove oldest rotated file: %w", err)
	}
	for i := fe.opts.MaxRotatedFiles - 1; i >= 1; i-- {
		if _, err := os.Stat(rotated(i)); err != nil {
			continue
		}
		if err := os.Rename(rotated(i), rotated(i+1)); err != nil {
			return fmt.Errorf("shift rotated file %d: %w", i, err)
		}
	}
	if err := os.Rename(fe.filePath, rotated(1)); err != nil {
		return fmt.Errorf("rotate current file to .1: %w", err)
	}
	return nil
}
