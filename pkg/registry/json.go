package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type wireRegistry struct {
	SourceURL string            `json:"source_url"`
	Entities  json.RawMessage   `json:"entities"`
	Aliases   map[string]string `json:"aliases"`
}

// legacyEntity is the shape of registries written before entities carried
// their key and authority: chunk numbers instead of source units.
type legacyEntity struct {
	ID           string   `json:"id"`
	URI          string   `json:"uri"`
	Label        string   `json:"label"`
	Type         string   `json:"type"`
	Descriptions []string `json:"descriptions"`
	SourceChunks []int    `json:"source_chunks"`
	Aliases      []string `json:"aliases"`
}

// MarshalJSON writes entities as an array so insertion order survives.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entities := make([]*Entity, len(r.order))
	for i, k := range r.order {
		entities[i] = r.entities[k]
	}
	raw, err := json.Marshal(entities)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireRegistry{SourceURL: r.sourceURL, Entities: raw, Aliases: r.aliases})
}

// UnmarshalJSON reads both the array form and the older object form keyed
// by normalized label.
func (r *Registry) UnmarshalJSON(data []byte) error {
	var w wireRegistry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	fresh := New(w.SourceURL)
	trimmed := bytes.TrimSpace(w.Entities)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
	case trimmed[0] == '[':
		var entities []*Entity
		if err := json.Unmarshal(trimmed, &entities); err != nil {
			return fmt.Errorf("registry entities: %w", err)
		}
		for _, e := range entities {
			if e.Key == "" {
				e.Key = Normalize(e.Label)
			}
			fresh.add(e)
		}
	case trimmed[0] == '{':
		if err := fresh.decodeLegacy(trimmed); err != nil {
			return err
		}
	default:
		return errors.New("registry entities: expected array or object")
	}

	for alias, key := range w.Aliases {
		if _, ok := fresh.entities[key]; !ok {
			return fmt.Errorf("registry alias %q points at unknown key %q", alias, key)
		}
		if _, claimed := fresh.aliases[alias]; !claimed {
			fresh.aliases[alias] = key
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sourceURL = fresh.sourceURL
	r.entities = fresh.entities
	r.order = fresh.order
	r.aliases = fresh.aliases
	return nil
}

func (r *Registry) add(e *Entity) {
	if e.Descriptions == nil {
		e.Descriptions = []string{}
	}
	if e.Aliases == nil {
		e.Aliases = []string{}
	}
	if e.SourceUnits == nil {
		e.SourceUnits = []string{}
	}
	if _, dup := r.entities[e.Key]; !dup {
		r.order = append(r.order, e.Key)
	}
	r.entities[e.Key] = e
	r.aliases[e.Key] = e.Key
}

// decodeLegacy walks the entities object token by token, since a Go map
// would lose the insertion order the file was written in.
func (r *Registry) decodeLegacy(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("registry entities: %w", err)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("registry entities: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("registry entities: unexpected token %v", tok)
		}
		var le legacyEntity
		if err := dec.Decode(&le); err != nil {
			return fmt.Errorf("registry entity %q: %w", key, err)
		}
		e := &Entity{
			Key:          key,
			ID:           le.ID,
			URI:          le.URI,
			Authority:    AuthorityGenerated,
			Label:        le.Label,
			Type:         le.Type,
			Descriptions: le.Descriptions,
			Aliases:      le.Aliases,
		}
		for _, c := range le.SourceChunks {
			e.SourceUnits = append(e.SourceUnits, "chunk "+strconv.Itoa(c))
		}
		r.add(e)
	}
	return nil
}

// Load reads a registry from path. A missing file yields an empty registry
// for sourceURL.
func Load(path, sourceURL string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(sourceURL), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	r := New(sourceURL)
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	if r.sourceURL == "" {
		r.sourceURL = sourceURL
	}
	return r, nil
}

// Save writes the registry as indented JSON, replacing path atomically.
func (r *Registry) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}
