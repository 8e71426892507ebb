package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/dan-solli/ontograph/pkg/incremental"
	"github.com/dan-solli/ontograph/pkg/llm"
	"github.com/dan-solli/ontograph/pkg/provenance"
	"github.com/dan-solli/ontograph/pkg/registry"
	"github.com/dan-solli/ontograph/pkg/schema"
)

// Triple is one RDF statement in Turtle terms: IRIs, CURIEs or literals.
type Triple struct {
	Subject   string
	Predicate string
	Object    string
}

// String renders the triple as a Turtle statement.
func (t Triple) String() string {
	return t.Subject + " " + t.Predicate + " " + t.Object + " ."
}

// statementID accepts a JSON string or number.
type statementID string

func (id *statementID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = statementID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("statement_id must be a string or number: %s", data)
	}
	*id = statementID(n.String())
	return nil
}

type findClassArgs struct {
	Description string `json:"description" jsonschema:"description=Natural language description of the entity type"`
}

type findPropertyArgs struct {
	Description string `json:"description" jsonschema:"description=Natural language description of the relationship"`
	SubjectType string `json:"subject_type,omitempty" jsonschema:"description=Type of the subject such as Person"`
	ObjectType  string `json:"object_type,omitempty" jsonschema:"description=Type of the object or value such as Date or Place"`
}

type tripleArgs struct {
	StatementID statementID `json:"statement_id" jsonschema:"description=Number of the statement the triple expresses"`
	Subject     string      `json:"subject" jsonschema:"description=Subject IRI or prefixed name"`
	Predicate   string      `json:"predicate" jsonschema:"description=Predicate IRI or prefixed name"`
	Object      string      `json:"object" jsonschema:"description=Object IRI or prefixed name or typed literal"`
	// Older prompts named the object parameter object_value.
	ObjectValue string `json:"object_value,omitempty" jsonschema:"-"`
}

type triplesArgs struct {
	Triples []tripleArgs `json:"triples" jsonschema:"description=Triples to emit"`
}

const rdfPrompt = `You are an expert at converting factual statements to RDF triples.

Convert each numbered statement into RDF using the schema context. Work with the tools:
- find_rdf_class: look up the class for an entity
- find_rdf_property: look up the property for a relationship
- emit_triple / emit_triples: record triples; every triple carries the statement_id of the statement it expresses

Rules:
- Use the entity registry URIs for known entities, written as <uri>
- Use the Wikipedia URL of a markdown link as the entity URI
- Literals carry a datatype or language tag, e.g. "1879-03-14"^^xsd:date or "Albert Einstein"@en
- Use only prefixes declared in the schema context
- Emit every triple through the tools; reply with a one line summary when done

Source: %s
Section: %s

Entity registry:
%s

Schema context:
%s

Statements:
%s`

// ChunkContext is what RDF generation needs to know about a chunk beyond
// its statements.
type ChunkContext struct {
	Breadcrumb string
	// Schema is the rendered schema context selected for the chunk.
	Schema string
}

// Generation is the result of one RDF generation call.
type Generation struct {
	// Triples maps a statement number to its deduplicated triples, in
	// emission order.
	Triples map[int][]Triple
	Run     *llm.ToolRun
}

// RDFGenerator converts statements to triples through a tool-calling
// conversation.
type RDFGenerator struct {
	LLM      llm.ToolClient
	Library  *schema.Library
	Registry *registry.Registry
	// MaxIterations bounds each conversation. Zero means
	// llm.DefaultMaxIterations.
	MaxIterations int
	// SearchTopK is the number of matches the find tools return.
	SearchTopK int
	Logger     *slog.Logger
}

// NewRDFGenerator creates an RDF generator.
func NewRDFGenerator(client llm.ToolClient, lib *schema.Library, reg *registry.Registry) *RDFGenerator {
	return &RDFGenerator{LLM: client, Library: lib, Registry: reg, MaxIterations: llm.DefaultMaxIterations, SearchTopK: 5}
}

func (g *RDFGenerator) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return g.Logger
}

// emitter collects the triples of one conversation.
type emitter struct {
	allowed map[string]int
	triples map[int][]Triple
	seen    map[int]map[Triple]bool
}

func newEmitter(statements map[int]string) *emitter {
	e := &emitter{
		allowed: make(map[string]int, len(statements)),
		triples: make(map[int][]Triple),
		seen:    make(map[int]map[Triple]bool),
	}
	for n := range statements {
		e.allowed[strconv.Itoa(n)] = n
	}
	return e
}

var errEmptyTerm = errors.New("subject, predicate and object are required")

func (e *emitter) emit(a tripleArgs) error {
	n, ok := e.allowed[strings.Trim(string(a.StatementID), "[] ")]
	if !ok {
		return fmt.Errorf("unknown statement_id %q", a.StatementID)
	}
	obj := a.Object
	if obj == "" {
		obj = a.ObjectValue
	}
	t := Triple{
		Subject:   oneLine(a.Subject),
		Predicate: oneLine(a.Predicate),
		Object:    oneLine(obj),
	}
	if t.Subject == "" || t.Predicate == "" || t.Object == "" {
		return errEmptyTerm
	}
	if e.seen[n] == nil {
		e.seen[n] = make(map[Triple]bool)
	}
	if !e.seen[n][t] {
		e.seen[n][t] = true
		e.triples[n] = append(e.triples[n], t)
	}
	return nil
}

func oneLine(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	return strings.TrimSuffix(strings.TrimSpace(strings.TrimSuffix(s, " .")), " ;")
}

// tools builds the tool set of one conversation around e.
func (g *RDFGenerator) tools(e *emitter) []llm.Tool {
	topK := g.SearchTopK
	if topK <= 0 {
		topK = 5
	}
	return []llm.Tool{
		{
			Name:        "find_rdf_class",
			Description: "Find the best class for an entity from a natural language description, e.g. \"a person who does scientific research\".",
			Parameters:  llm.SchemaFor(findClassArgs{}),
			Handler: func(ctx context.Context, raw string) (string, error) {
				var a findClassArgs
				if err := llm.DecodeJSON(raw, &a, g.Logger); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
				matches, err := g.Library.FindClass(ctx, a.Description, topK)
				if err != nil {
					return "", err
				}
				return formatMatches("classes", matches, "No matches found. Use a generic type like schema:Thing"), nil
			},
		},
		{
			Name:        "find_rdf_property",
			Description: "Find the best property for a relationship, e.g. \"the date when someone was born\" with subject_type Person.",
			Parameters:  llm.SchemaFor(findPropertyArgs{}),
			Handler: func(ctx context.Context, raw string) (string, error) {
				var a findPropertyArgs
				if err := llm.DecodeJSON(raw, &a, g.Logger); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
				matches, err := g.Library.FindProperty(ctx, a.Description, a.SubjectType, a.ObjectType, topK)
				if err != nil {
					return "", err
				}
				return formatMatches("properties", matches, "No matches found. Consider using rdfs:label or a descriptive URI fragment."), nil
			},
		},
		{
			Name:        "emit_triple",
			Description: "Record one RDF triple for a statement.",
			Parameters:  llm.SchemaFor(tripleArgs{}),
			Handler: func(_ context.Context, raw string) (string, error) {
				var a tripleArgs
				if err := llm.DecodeJSON(raw, &a, g.Logger); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
				if err := e.emit(a); err != nil {
					return "", err
				}
				return fmt.Sprintf("Triple recorded: %s %s %s", a.Subject, a.Predicate, firstNonEmpty(a.Object, a.ObjectValue)), nil
			},
		},
		{
			Name:        "emit_triples",
			Description: "Record several RDF triples at once. More efficient than repeated emit_triple calls.",
			Parameters:  llm.SchemaFor(triplesArgs{}),
			Handler: func(_ context.Context, raw string) (string, error) {
				var a triplesArgs
				if err := llm.DecodeJSON(raw, &a, g.Logger); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
				recorded := 0
				var problems []string
				for i, t := range a.Triples {
					if err := e.emit(t); err != nil {
						problems = append(problems, fmt.Sprintf("triple %d: %v", i+1, err))
						continue
					}
					recorded++
				}
				msg := fmt.Sprintf("Recorded %d triples", recorded)
				if len(problems) > 0 {
					msg += "; rejected " + strings.Join(problems, "; ")
				}
				return msg, nil
			},
		},
	}
}

func formatMatches(what string, matches []schema.Match, none string) string {
	if len(matches) == 0 {
		return none
	}
	var b strings.Builder
	b.WriteString("Top matching " + what + ":")
	for _, m := range matches {
		fmt.Fprintf(&b, "\n  %s (%.2f)\n    URI: %s", m.Curie, m.Score, m.Term.URI)
		if m.Term.Description != "" {
			b.WriteString("\n    Description: " + m.Term.Description)
		}
		if m.Term.Kind == schema.KindProperty && (m.Term.Domain != "" || m.Term.Range != "") {
			fmt.Fprintf(&b, "\n    Domain: %s, Range: %s", orAny(m.Term.Domain), orAny(m.Term.Range))
		}
	}
	return b.String()
}

func orAny(s string) string {
	if s == "" {
		return "Any"
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Generate runs one conversation over statements, keyed by statement
// number. Reaching the iteration limit is not an error; the triples emitted
// so far are returned with Run.HitLimit set.
func (g *RDFGenerator) Generate(ctx context.Context, cc ChunkContext, statements map[int]string) (*Generation, error) {
	e := newEmitter(statements)

	numbers := make([]int, 0, len(statements))
	for n := range statements {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	var list strings.Builder
	for i, n := range numbers {
		if i > 0 {
			list.WriteString("\n")
		}
		fmt.Fprintf(&list, "[%d] %s", n, statements[n])
	}

	sourceURL, entities := "", "# No entities registered yet"
	if g.Registry != nil {
		sourceURL = g.Registry.SourceURL()
		entities = g.Registry.FormatForPrompt()
	}
	prompt := fmt.Sprintf(rdfPrompt, sourceURL, cc.Breadcrumb, entities, cc.Schema, list.String())

	run, err := llm.RunTools(ctx, g.LLM, prompt, g.tools(e), g.MaxIterations)
	if err != nil {
		return nil, fmt.Errorf("rdf generation: %w", err)
	}

	emits := 0
	for _, c := range run.Calls {
		if strings.HasPrefix(c.Name, "emit_triple") {
			emits++
		}
	}
	if len(e.triples) == 0 && emits > 0 {
		g.logger().Warn("emit calls produced no triples", "section", cc.Breadcrumb, "emit_calls", emits)
	}
	g.logger().Debug("rdf conversation finished",
		"section", cc.Breadcrumb, "iterations", run.Iterations, "hit_limit", run.HitLimit, "summary", run.Final)

	return &Generation{Triples: e.triples, Run: run}, nil
}

// GroupFunc returns the incremental.GroupFunc of the RDF stage. Member
// inputs are statement texts; contexts maps a chunk number to its context.
func (g *RDFGenerator) GroupFunc(contexts map[int]ChunkContext) incremental.GroupFunc {
	return func(ctx context.Context, grp incremental.Group, stale []incremental.Unit) (incremental.GroupOutput, error) {
		statements := make(map[int]string, len(stale))
		for _, u := range stale {
			statements[u.Position.Statement] = u.Input
		}

		gen, err := g.Generate(ctx, contexts[grp.Chunk], statements)
		if err != nil {
			return incremental.GroupOutput{}, err
		}

		out := incremental.GroupOutput{
			Outputs:    make(map[int]incremental.Output, len(stale)),
			Iterations: gen.Run.Iterations,
			HitLimit:   gen.Run.HitLimit,
		}
		for _, u := range stale {
			n := u.Position.Statement
			triples := gen.Triples[n]
			out.Outputs[n] = incremental.Output{
				Content: RenderRDF(grp.Chunk, n, u.Input, triples),
				Label:   fmt.Sprintf("rdf:%d_%d", grp.Chunk, n),
				Extra:   &provenance.RDFStats{Triples: len(triples)},
			}
		}
		return out, nil
	}
}

// RenderRDF renders the Turtle content of one statement's rdf unit.
func RenderRDF(chunk, statement int, text string, triples []Triple) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Statement [%d.%d]: %s\n", chunk, statement, strings.ReplaceAll(text, "\n", " "))
	if len(triples) == 0 {
		b.WriteString("# No triples emitted for this statement\n")
		return b.String()
	}
	for _, t := range triples {
		b.WriteString(t.String())
		b.WriteString("\n")
	}
	return b.String()
}

// ParseTriples reads the triple lines of rendered rdf content. Comment and
// blank lines are skipped; the object is everything after the predicate.
func ParseTriples(content string) []Triple {
	var out []Triple
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "@") {
			continue
		}
		line = strings.TrimSpace(strings.TrimSuffix(line, "."))
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 3 {
			continue
		}
		out = append(out, Triple{Subject: fields[0], Predicate: fields[1], Object: strings.TrimSpace(fields[2])})
	}
	return out
}
