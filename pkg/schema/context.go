package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Candidates are the terms offered to the model for selection.
type Candidates struct {
	Classes    []Term `json:"classes"`
	Properties []Term `json:"properties"`
}

// SearchRelevant returns up to topK candidate terms for statements. With
// an index the joined statements are embedded and the topK nearest terms
// split into classes and properties; without one the first topK classes
// and the first topK properties are returned.
func (l *Library) SearchRelevant(ctx context.Context, statements []string, topK int) (Candidates, error) {
	if l.index == nil || len(statements) == 0 {
		return Candidates{Classes: head(l.classes, topK), Properties: head(l.properties, topK)}, nil
	}

	matches, err := l.index.search(ctx, strings.Join(statements, " "), "", topK)
	if err != nil {
		return Candidates{}, err
	}
	var c Candidates
	for _, m := range matches {
		switch m.Term.Kind {
		case KindClass:
			c.Classes = append(c.Classes, m.Term)
		case KindProperty:
			c.Properties = append(c.Properties, m.Term)
		}
	}
	return c, nil
}

func head(terms []Term, n int) []Term {
	if n <= 0 || n > len(terms) {
		n = len(terms)
	}
	return append([]Term(nil), terms[:n]...)
}

// FindClass returns the classes best matching a description of an entity.
func (l *Library) FindClass(ctx context.Context, description string, topK int) ([]Match, error) {
	return l.find(ctx, description, KindClass, l.classes, topK)
}

// FindProperty returns the properties best matching a description of a
// relationship. Subject and object types, when given, are folded into the
// query the same way term search text carries domain and range.
func (l *Library) FindProperty(ctx context.Context, description, subjectType, objectType string, topK int) ([]Match, error) {
	parts := []string{description}
	if subjectType != "" {
		parts = append(parts, "applies to "+subjectType)
	}
	if objectType != "" {
		parts = append(parts, "value is "+objectType)
	}
	return l.find(ctx, strings.Join(parts, " | "), KindProperty, l.properties, topK)
}

func (l *Library) find(ctx context.Context, query string, kind Kind, terms []Term, topK int) ([]Match, error) {
	var (
		matches []Match
		err     error
	)
	if l.index != nil {
		matches, err = l.index.search(ctx, query, kind, topK)
		if err != nil {
			return nil, err
		}
	} else {
		matches = lexicalSearch(terms, query, topK)
	}
	for i := range matches {
		matches[i].Curie = l.Curie(matches[i].Term.URI)
	}
	return matches, nil
}

// commonPrefixes are always declared in a prefix block.
var commonPrefixes = []string{"rdf", "rdfs", "xsd", "owl"}

// PrefixBlock declares the prefixes needed by the given term URIs plus the
// common RDF prefixes, sorted by prefix.
func (l *Library) PrefixBlock(uris ...string) string {
	needed := make(map[string]bool)
	for _, p := range commonPrefixes {
		needed[p] = true
	}
	for _, uri := range uris {
		best, bestNS := "", ""
		for prefix, ns := range l.prefixes {
			if strings.HasPrefix(uri, ns) && len(ns) > len(bestNS) {
				best, bestNS = prefix, ns
			}
		}
		if best != "" {
			needed[best] = true
		}
	}

	names := make([]string, 0, len(needed))
	for p := range needed {
		if _, ok := l.prefixes[p]; ok {
			names = append(names, p)
		}
	}
	sort.Strings(names)

	lines := make([]string, len(names))
	for i, p := range names {
		lines[i] = fmt.Sprintf("@prefix %s: <%s> .", p, l.prefixes[p])
	}
	return strings.Join(lines, "\n")
}

// FormatClasses describes the given classes for a prompt.
func (l *Library) FormatClasses(uris []string) string {
	var lines []string
	for _, uri := range uris {
		t, ok := l.Term(uri)
		if !ok || t.Kind != KindClass {
			continue
		}
		desc := t.Description
		if desc == "" {
			desc = "No description"
		}
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", t.Label, uri, desc))
	}
	if len(lines) == 0 {
		return "No specific classes needed."
	}
	return strings.Join(lines, "\n")
}

// FormatProperties describes the given properties for a prompt.
func (l *Library) FormatProperties(uris []string) string {
	var lines []string
	for _, uri := range uris {
		t, ok := l.Term(uri)
		if !ok || t.Kind != KindProperty {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s (%s)", t.Label, uri))
		if t.Description != "" {
			lines = append(lines, "  Description: "+t.Description)
		}
		lines = append(lines, fmt.Sprintf("  Domain: %s, Range: %s", orAny(t.Domain), orAny(t.Range)))
	}
	if len(lines) == 0 {
		return "No specific properties needed."
	}
	return strings.Join(lines, "\n")
}

func orAny(s string) string {
	if s == "" {
		return "Any"
	}
	return s
}

const maxExamples = 5

// Examples returns up to five Turtle usage examples for the given terms.
func (l *Library) Examples(uris []string) string {
	var examples []string
	for _, uri := range uris {
		examples = append(examples, l.examples[uri]...)
	}
	if len(examples) == 0 {
		return "Use standard RDF patterns."
	}
	if len(examples) > maxExamples {
		examples = examples[:maxExamples]
	}
	blocks := make([]string, len(examples))
	for i, ex := range examples {
		blocks[i] = "```turtle\n" + ex + "\n```"
	}
	return strings.Join(blocks, "\n")
}

// Context is the schema information handed to RDF generation for one
// chunk.
type Context struct {
	Prefixes   string
	Classes    string
	Properties string
	Examples   string
	Notes      string
}

// BuildContext assembles the context for the selected terms.
func (l *Library) BuildContext(classes, properties []string, notes string) Context {
	all := append(append([]string(nil), classes...), properties...)
	return Context{
		Prefixes:   l.PrefixBlock(all...),
		Classes:    l.FormatClasses(classes),
		Properties: l.FormatProperties(properties),
		Examples:   l.Examples(all),
		Notes:      strings.TrimSpace(notes),
	}
}

// Text renders the context as markdown sections for a prompt.
func (c Context) Text() string {
	var parts []string
	add := func(title, body string) {
		if body != "" {
			parts = append(parts, "## "+title+"\n"+body)
		}
	}
	add("Prefixes", c.Prefixes)
	add("Classes", c.Classes)
	add("Properties", c.Properties)
	add("Examples", c.Examples)
	add("Notes", c.Notes)
	return strings.Join(parts, "\n\n")
}

// ParsePrefixes extracts the "## Prefixes" section of a rendered context.
func ParsePrefixes(text string) string {
	const marker = "## Prefixes\n"
	i := strings.Index(text, marker)
	if i < 0 {
		return ""
	}
	rest := text[i+len(marker):]
	if j := strings.Index(rest, "\n\n## "); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}
