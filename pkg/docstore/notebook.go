package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// NotebookFile stores a document as an nbformat v4 notebook (.ipynb), so
// stage outputs can be opened and reviewed in Jupyter.
type NotebookFile struct {
	Path string
}

type notebook struct {
	Cells         []notebookCell  `json:"cells"`
	Metadata      json.RawMessage `json:"metadata"`
	NBFormat      int             `json:"nbformat"`
	NBFormatMinor int             `json:"nbformat_minor"`
}

type notebookCell struct {
	CellType       string          `json:"cell_type"`
	ExecutionCount *int            `json:"execution_count,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	Outputs        []any           `json:"outputs,omitempty"`
	Source         json.RawMessage `json:"source"`
}

// writtenCodeCell adds the fields nbformat requires on code cells.
type writtenCodeCell struct {
	CellType       string          `json:"cell_type"`
	ExecutionCount *int            `json:"execution_count"`
	Metadata       json.RawMessage `json:"metadata"`
	Outputs        []any           `json:"outputs"`
	Source         []string        `json:"source"`
}

type writtenCell struct {
	CellType string          `json:"cell_type"`
	Metadata json.RawMessage `json:"metadata"`
	Source   []string        `json:"source"`
}

var emptyObject = json.RawMessage("{}")

// Name implements Backend.
func (n NotebookFile) Name() string {
	return n.Path
}

// Read decodes the notebook. A missing file is ErrNotFound.
func (n NotebookFile) Read(ctx context.Context) ([]Cell, error) {
	data, err := os.ReadFile(n.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", n.Path, err)
	}

	var nb notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, n.Path, err)
	}
	if nb.NBFormat != 4 {
		return nil, fmt.Errorf("%w: %s: unsupported nbformat %d", ErrCorrupt, n.Path, nb.NBFormat)
	}

	cells := make([]Cell, 0, len(nb.Cells))
	for i, c := range nb.Cells {
		typ := CellType(c.CellType)
		if !typ.Valid() {
			return nil, fmt.Errorf("%w: %s: cell %d has type %q", ErrCorrupt, n.Path, i, c.CellType)
		}
		src, err := decodeSource(c.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: cell %d: %v", ErrCorrupt, n.Path, i, err)
		}
		cells = append(cells, Cell{Type: typ, Source: src})
	}
	return cells, nil
}

// Write encodes cells and atomically replaces the file.
func (n NotebookFile) Write(ctx context.Context, cells []Cell) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	out := struct {
		Cells         []any           `json:"cells"`
		Metadata      json.RawMessage `json:"metadata"`
		NBFormat      int             `json:"nbformat"`
		NBFormatMinor int             `json:"nbformat_minor"`
	}{
		Cells:         make([]any, 0, len(cells)),
		Metadata:      emptyObject,
		NBFormat:      4,
		NBFormatMinor: 4,
	}
	for _, c := range cells {
		lines := splitSource(c.Source)
		if c.Type == CellCode {
			out.Cells = append(out.Cells, writtenCodeCell{
				CellType: string(c.Type),
				Metadata: emptyObject,
				Outputs:  []any{},
				Source:   lines,
			})
			continue
		}
		out.Cells = append(out.Cells, writtenCell{
			CellType: string(c.Type),
			Metadata: emptyObject,
			Source:   lines,
		})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", " ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode %s: %w", n.Path, err)
	}
	return writeFileAtomic(n.Path, buf.Bytes())
}

// decodeSource accepts both nbformat source encodings: a single string or a
// list of line strings.
func decodeSource(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err != nil {
		return "", fmt.Errorf("source is neither a string nor a list of strings")
	}
	return strings.Join(lines, ""), nil
}

// splitSource splits text into nbformat lines, each keeping its newline.
func splitSource(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	tmpName = ""
	return nil
}
