package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dan-solli/ontograph/pkg/incremental"
	"github.com/dan-solli/ontograph/pkg/llm"
	"github.com/dan-solli/ontograph/pkg/provenance"
	"github.com/dan-solli/ontograph/pkg/schema"
)

// DefaultTopK is the number of candidate classes and properties offered to
// the model.
const DefaultTopK = 20

// SelectionReply is the structured answer of the schema selection call.
type SelectionReply struct {
	SelectedClasses       []string `json:"selected_classes" jsonschema:"description=URIs of the classes needed"`
	SelectedProperties    []string `json:"selected_properties" jsonschema:"description=URIs of the properties needed"`
	CustomAnnotationNeeds string   `json:"custom_annotation_needs" jsonschema:"description=Concepts the candidates cannot express or none"`
}

const selectPrompt = `You are choosing vocabulary for converting statements to RDF.

Pick the classes and properties needed to express the statements. Only choose from the candidates. Note any concept the candidates cannot express.

Statements:
%s

Candidate classes:
%s

Candidate properties:
%s

Return ONLY valid JSON:
{"selected_classes": ["uri"], "selected_properties": ["uri"], "custom_annotation_needs": "..."}`

// SchemaSelector picks the schema terms each chunk's statements need.
type SchemaSelector struct {
	LLM     llm.LLMClient
	Library *schema.Library
	TopK    int
	Logger  *slog.Logger
}

// NewSchemaSelector creates a schema selector over lib.
func NewSchemaSelector(client llm.LLMClient, lib *schema.Library) *SchemaSelector {
	return &SchemaSelector{LLM: client, Library: lib, TopK: DefaultTopK}
}

func (s *SchemaSelector) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

func (s *SchemaSelector) topK() int {
	if s.TopK <= 0 {
		return DefaultTopK
	}
	return s.TopK
}

// Select returns the selected terms and the schema context built from them.
// Selections outside the library are dropped; CURIEs are expanded.
func (s *SchemaSelector) Select(ctx context.Context, statements []string) (*provenance.SchemaSelection, schema.Context, error) {
	sel := &provenance.SchemaSelection{Classes: []string{}, Properties: []string{}}
	if len(statements) == 0 {
		return sel, s.Library.BuildContext(nil, nil, ""), nil
	}

	cands, err := s.Library.SearchRelevant(ctx, statements, s.topK())
	if err != nil {
		return nil, schema.Context{}, fmt.Errorf("schema search: %w", err)
	}

	prompt := fmt.Sprintf(selectPrompt,
		bulleted(statements),
		s.Library.FormatClasses(uris(cands.Classes)),
		s.Library.FormatProperties(uris(cands.Properties)))

	var reply SelectionReply
	if err := s.LLM.CompleteWithSchema(ctx, prompt, &reply); err != nil {
		return nil, schema.Context{}, fmt.Errorf("failed to select schema terms: %w", err)
	}

	sel.Classes = s.resolve(reply.SelectedClasses, schema.KindClass)
	sel.Properties = s.resolve(reply.SelectedProperties, schema.KindProperty)

	notes := strings.TrimSpace(reply.CustomAnnotationNeeds)
	if strings.EqualFold(notes, "none") {
		notes = ""
	}
	return sel, s.Library.BuildContext(sel.Classes, sel.Properties, notes), nil
}

// resolve maps the model's picks to library URIs of kind, in order and
// without duplicates.
func (s *SchemaSelector) resolve(picks []string, kind schema.Kind) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, p := range picks {
		uri := s.expand(strings.Trim(strings.TrimSpace(p), "<>"))
		t, ok := s.Library.Term(uri)
		if !ok || t.Kind != kind {
			s.logger().Debug("selected term not in library", "term", p, "kind", kind)
			continue
		}
		if !seen[uri] {
			seen[uri] = true
			out = append(out, uri)
		}
	}
	return out
}

func (s *SchemaSelector) expand(term string) string {
	prefix, local, ok := strings.Cut(term, ":")
	if !ok || strings.HasPrefix(local, "//") {
		return term
	}
	if ns, found := s.Library.Prefixes()[prefix]; found {
		return ns + local
	}
	return term
}

// Work is the incremental.WorkFunc of the schema stage. The unit input is
// rendered statements content.
func (s *SchemaSelector) Work(ctx context.Context, u incremental.Unit) (incremental.Output, error) {
	sel, sctx, err := s.Select(ctx, ParseStatements(u.Input))
	if err != nil {
		return incremental.Output{}, err
	}

	var b strings.Builder
	if h := Header(u.Input); h != "" {
		b.WriteString(h)
		b.WriteString("\n")
	}
	b.WriteString("\n---\n\n")
	b.WriteString(sctx.Text())
	b.WriteString("\n")

	return incremental.Output{
		Content: b.String(),
		Label:   fmt.Sprintf("schema:chunk_%d", u.Position.Chunk),
		Extra:   sel,
	}, nil
}

func uris(terms []schema.Term) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = t.URI
	}
	return out
}
