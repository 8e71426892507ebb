// Package schema holds the vocabulary of RDF classes, properties and
// prefixes that RDF generation may use, and retrieves the terms relevant
// to a set of statements.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Kind distinguishes classes from properties.
type Kind string

const (
	KindClass    Kind = "class"
	KindProperty Kind = "property"
)

// Term is one vocabulary entry.
type Term struct {
	URI         string `json:"uri"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Kind        Kind   `json:"-"`
	Domain      string `json:"domain,omitempty"`
	Range       string `json:"range,omitempty"`
	Parent      string `json:"superclass,omitempty"`
}

// SearchText is the text embedded for similarity search.
func (t Term) SearchText() string {
	parts := []string{t.Label}
	if t.Description != "" {
		parts = append(parts, t.Description)
	}
	if t.Domain != "" {
		parts = append(parts, "applies to "+t.Domain)
	}
	if t.Range != "" {
		parts = append(parts, "value is "+t.Range)
	}
	return strings.Join(parts, " | ")
}

// Library is an ordered vocabulary. Classes and properties keep the order
// they were added or loaded in.
type Library struct {
	classes    []Term
	properties []Term
	byURI      map[string]int // index into classes or properties
	prefixes   map[string]string
	examples   map[string][]string
	patterns   map[string]string

	index *Index
}

// New returns an empty library.
func New() *Library {
	return &Library{
		byURI:    make(map[string]int),
		prefixes: make(map[string]string),
		examples: make(map[string][]string),
		patterns: make(map[string]string),
	}
}

// AddClass adds or replaces a class.
func (l *Library) AddClass(t Term) {
	t.Kind = KindClass
	l.classes = l.add(l.classes, t)
}

// AddProperty adds or replaces a property.
func (l *Library) AddProperty(t Term) {
	t.Kind = KindProperty
	l.properties = l.add(l.properties, t)
}

func (l *Library) add(terms []Term, t Term) []Term {
	if t.Label == "" {
		t.Label = localName(t.URI)
	}
	if i, ok := l.byURI[t.URI]; ok && i < len(terms) && terms[i].URI == t.URI {
		terms[i] = t
		return terms
	}
	l.byURI[t.URI] = len(terms)
	l.index = nil
	return append(terms, t)
}

// AddPrefix maps prefix to namespace.
func (l *Library) AddPrefix(prefix, namespace string) { l.prefixes[prefix] = namespace }

// AddExample records a Turtle usage example for a term.
func (l *Library) AddExample(uri, example string) {
	l.examples[uri] = append(l.examples[uri], example)
}

// AddPattern records a named Turtle pattern.
func (l *Library) AddPattern(name, template string) { l.patterns[name] = template }

// Pattern returns a named pattern.
func (l *Library) Pattern(name string) (string, bool) {
	p, ok := l.patterns[name]
	return p, ok
}

// Classes returns the classes in library order.
func (l *Library) Classes() []Term { return slices.Clone(l.classes) }

// Properties returns the properties in library order.
func (l *Library) Properties() []Term { return slices.Clone(l.properties) }

// Prefixes returns a copy of the prefix map.
func (l *Library) Prefixes() map[string]string {
	out := make(map[string]string, len(l.prefixes))
	for k, v := range l.prefixes {
		out[k] = v
	}
	return out
}

// Term looks up a class or property by URI.
func (l *Library) Term(uri string) (Term, bool) {
	i, ok := l.byURI[uri]
	if !ok {
		return Term{}, false
	}
	if i < len(l.classes) && l.classes[i].URI == uri {
		return l.classes[i], true
	}
	if i < len(l.properties) && l.properties[i].URI == uri {
		return l.properties[i], true
	}
	return Term{}, false
}

// Curie abbreviates uri with the longest matching prefix, or returns it in
// angle brackets.
func (l *Library) Curie(uri string) string {
	best, bestNS := "", ""
	for prefix, ns := range l.prefixes {
		if strings.HasPrefix(uri, ns) && len(ns) > len(bestNS) {
			best, bestNS = prefix, ns
		}
	}
	if bestNS == "" {
		return "<" + uri + ">"
	}
	return best + ":" + strings.TrimPrefix(uri, bestNS)
}

func localName(uri string) string {
	if i := strings.LastIndexAny(uri, "/#"); i >= 0 && i < len(uri)-1 {
		return uri[i+1:]
	}
	return uri
}

// Default returns a small built-in vocabulary: common RDF prefixes, core
// schema.org classes and properties and two reification patterns.
func Default() *Library {
	l := New()
	for _, p := range [][2]string{
		{"rdf", "http://www.w3.org/1999/02/22-rdf-syntax-ns#"},
		{"rdfs", "http://www.w3.org/2000/01/rdf-schema#"},
		{"xsd", "http://www.w3.org/2001/XMLSchema#"},
		{"owl", "http://www.w3.org/2002/07/owl#"},
		{"schema", "https://schema.org/"},
		{"dc", "http://purl.org/dc/elements/1.1/"},
		{"dcterms", "http://purl.org/dc/terms/"},
		{"foaf", "http://xmlns.com/foaf/0.1/"},
		{"skos", "http://www.w3.org/2004/02/skos/core#"},
		{"wiki", "https://en.wikipedia.org/wiki/"},
	} {
		l.AddPrefix(p[0], p[1])
	}

	for _, c := range []Term{
		{URI: "https://schema.org/Person", Label: "Person", Description: "A person"},
		{URI: "https://schema.org/Organization", Label: "Organization", Description: "An organization"},
		{URI: "https://schema.org/Place", Label: "Place", Description: "A physical location"},
		{URI: "https://schema.org/Event", Label: "Event", Description: "An event"},
		{URI: "https://schema.org/CreativeWork", Label: "CreativeWork", Description: "A creative work"},
	} {
		l.AddClass(c)
	}

	for _, p := range []Term{
		{URI: "https://schema.org/name", Label: "name", Description: "The name of the item", Domain: "Thing", Range: "Text"},
		{URI: "https://schema.org/birthDate", Label: "birthDate", Description: "Date of birth", Domain: "Person", Range: "Date"},
		{URI: "https://schema.org/deathDate", Label: "deathDate", Description: "Date of death", Domain: "Person", Range: "Date"},
		{URI: "https://schema.org/birthPlace", Label: "birthPlace", Description: "Place of birth", Domain: "Person", Range: "Place"},
		{URI: "https://schema.org/nationality", Label: "nationality", Description: "Nationality", Domain: "Person", Range: "Country"},
		{URI: "https://schema.org/award", Label: "award", Description: "An award received", Domain: "Person", Range: "Text"},
		{URI: "https://schema.org/worksFor", Label: "worksFor", Description: "Organization worked for", Domain: "Person", Range: "Organization"},
		{URI: "https://schema.org/alumniOf", Label: "alumniOf", Description: "Educational institution attended", Domain: "Person", Range: "Organization"},
		{URI: "https://schema.org/spouse", Label: "spouse", Description: "Spouse", Domain: "Person", Range: "Person"},
		{URI: "https://schema.org/children", Label: "children", Description: "Children", Domain: "Person", Range: "Person"},
	} {
		l.AddProperty(p)
	}

	l.AddPattern("temporal", `# Pattern: Temporal annotation using RDF-Star
<< :subject :predicate :object >> :validFrom "YYYY-MM-DD"^^xsd:date ;
                                   :validUntil "YYYY-MM-DD"^^xsd:date .`)
	l.AddPattern("role", `# Pattern: Role reification (e.g., person in role at organization)
:roleInstance a :RoleType ;
    :agent :person ;
    :organization :org ;
    :startDate "YYYY-MM-DD"^^xsd:date ;
    :endDate "YYYY-MM-DD"^^xsd:date .`)
	return l
}

type libraryFile struct {
	Classes    orderedTerms        `json:"classes"`
	Properties orderedTerms        `json:"properties"`
	Prefixes   map[string]string   `json:"prefixes"`
	Examples   map[string][]string `json:"examples,omitempty"`
	Patterns   map[string]string   `json:"patterns,omitempty"`
}

// orderedTerms is a JSON object of uri -> term that keeps key order.
type orderedTerms []Term

func (o *orderedTerms) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("terms must be a JSON object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var t Term
		if err := dec.Decode(&t); err != nil {
			return fmt.Errorf("term %s: %w", key, err)
		}
		if t.URI == "" {
			t.URI = key
		}
		*o = append(*o, t)
	}
	_, err = dec.Token()
	return err
}

func (o orderedTerms) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, t := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(t.URI)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Read decodes a library from its JSON form:
//
//	{"classes": {uri: term}, "properties": {uri: term}, "prefixes": {p: ns},
//	 "examples": {uri: [turtle]}, "patterns": {name: turtle}}
func Read(r io.Reader) (*Library, error) {
	var f libraryFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode schema library: %w", err)
	}
	l := New()
	for _, t := range f.Classes {
		l.AddClass(t)
	}
	for _, t := range f.Properties {
		l.AddProperty(t)
	}
	for p, ns := range f.Prefixes {
		l.AddPrefix(p, ns)
	}
	for uri, ex := range f.Examples {
		l.examples[uri] = append([]string(nil), ex...)
	}
	for name, p := range f.Patterns {
		l.AddPattern(name, p)
	}
	return l, nil
}

// Load reads a library file.
func Load(path string) (*Library, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schema library: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Save writes the library as indented JSON.
func (l *Library) Save(path string) error {
	data, err := json.MarshalIndent(libraryFile{
		Classes:    l.classes,
		Properties: l.properties,
		Prefixes:   l.prefixes,
		Examples:   l.examples,
		Patterns:   l.patterns,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schema library: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create schema dir: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
