// Package extraction holds the LLM-backed work functions of each pipeline
// stage: statement extraction, classification, schema selection, RDF
// generation and the quality judges.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/dan-solli/ontograph/pkg/chunker"
	"github.com/dan-solli/ontograph/pkg/cid"
	"github.com/dan-solli/ontograph/pkg/incremental"
	"github.com/dan-solli/ontograph/pkg/ingest"
	"github.com/dan-solli/ontograph/pkg/llm"
	"github.com/dan-solli/ontograph/pkg/provenance"
	"github.com/dan-solli/ontograph/pkg/registry"
)

// Entity is a named entity the model found in a chunk.
type Entity struct {
	Name        string `json:"name" jsonschema:"description=Entity name as written in the text"`
	Type        string `json:"type" jsonschema:"description=Entity type such as Person or Place or Organization or Event or Concept"`
	Description string `json:"description" jsonschema:"description=One sentence description"`
}

// StatementsReply is the structured answer of the statement extraction call.
type StatementsReply struct {
	Statements []string `json:"statements" jsonschema:"description=Self-contained factual statements preserving markdown links"`
	Entities   []Entity `json:"entities" jsonschema:"description=Named entities mentioned in the statements"`
}

const statementsPrompt = `You are an expert at extracting factual information from text while preserving entity references.

Given text from a Wikipedia article (with markdown links to entity pages), extract standalone factual statements. Each statement must be fully interpretable in isolation: it will be converted to RDF on its own.

Preserve all markdown links from the source text. Links like [Albert Einstein](/wiki/Albert_Einstein) carry the entity's Wikipedia URI, which RDF generation needs.

Requirements for every statement:
- Copy [link text](url) exactly as it appears in the source
- Name every entity (people, organizations, events, objects, times, places) explicitly in the statement
- No pronouns, no demonstratives, no references to earlier text or other statements
- One claim per statement, verifiable from the source text
- No opinions, interpretations or hedged language

Also list the named entities the statements mention, each with a type and a one sentence description.

Example input:
"[Albert Einstein](/wiki/Albert_Einstein) was born in [Ulm](/wiki/Ulm) in the [German Empire](/wiki/German_Empire) on 14 March 1879."

Example statements:
- [Albert Einstein](/wiki/Albert_Einstein) was born on 14 March 1879.
- [Albert Einstein](/wiki/Albert_Einstein) was born in [Ulm](/wiki/Ulm).
- [Ulm](/wiki/Ulm) was part of the [German Empire](/wiki/German_Empire) in 1879.

Source URL: %s
Section context: %s

Known entities (use these exact names for consistency):
%s

%s

---
%s
---

Return ONLY valid JSON:
{"statements": ["..."], "entities": [{"name": "...", "type": "...", "description": "..."}]}`

// StatementExtractor turns chunks into statements and feeds the entity
// registry.
type StatementExtractor struct {
	LLM      llm.LLMClient
	Registry *registry.Registry
	// BaseURL resolves relative wiki links. Defaults to ingest.DefaultBaseURL.
	BaseURL string
	Logger  *slog.Logger
}

// NewStatementExtractor creates a statement extractor registering entities
// into reg.
func NewStatementExtractor(client llm.LLMClient, reg *registry.Registry) *StatementExtractor {
	return &StatementExtractor{LLM: client, Registry: reg, BaseURL: ingest.DefaultBaseURL}
}

func (e *StatementExtractor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

func (e *StatementExtractor) baseURL() string {
	if e.BaseURL == "" {
		return ingest.DefaultBaseURL
	}
	return e.BaseURL
}

// Extract asks the model for the statements and entities of one chunk.
// Blank statements and entities without a name are dropped.
func (e *StatementExtractor) Extract(ctx context.Context, breadcrumb, text string) (*StatementsReply, error) {
	if strings.TrimSpace(text) == "" {
		return &StatementsReply{Statements: []string{}, Entities: []Entity{}}, nil
	}

	known := "None yet"
	sourceURL := ""
	if e.Registry != nil {
		known = e.Registry.KnownEntitiesText()
		sourceURL = e.Registry.SourceURL()
	}
	links := ingest.LinksIn(text, e.baseURL())
	prompt := fmt.Sprintf(statementsPrompt, sourceURL, breadcrumb, known, ingest.FormatLinkContext(links), text)

	var reply StatementsReply
	if err := e.LLM.CompleteWithSchema(ctx, prompt, &reply); err != nil {
		return nil, fmt.Errorf("failed to extract statements: %w", err)
	}

	statements := reply.Statements[:0]
	for _, s := range reply.Statements {
		if s = strings.TrimSpace(s); s != "" {
			statements = append(statements, s)
		}
	}
	reply.Statements = statements

	entities := reply.Entities[:0]
	for _, ent := range reply.Entities {
		if strings.TrimSpace(ent.Name) == "" {
			continue
		}
		entities = append(entities, ent)
	}
	reply.Entities = entities
	return &reply, nil
}

// Work is the incremental.WorkFunc of the statements stage. The unit input
// is rendered chunk content.
func (e *StatementExtractor) Work(ctx context.Context, u incremental.Unit) (incremental.Output, error) {
	breadcrumb, text, ok := chunker.ParseChunkContent(u.Input)
	if !ok {
		return incremental.Output{}, fmt.Errorf("validation: chunk %d has no context header", u.Position.Chunk)
	}

	reply, err := e.Extract(ctx, breadcrumb, text)
	if err != nil {
		return incremental.Output{}, err
	}

	sourceUnit := fmt.Sprintf("chunk %d", u.Position.Chunk)
	e.register(reply.Entities, ingest.LinksIn(text, e.baseURL()), sourceUnit)

	return incremental.Output{
		Content: RenderStatements(Header(u.Input), reply.Statements),
		Label:   fmt.Sprintf("statements:chunk_%d", u.Position.Chunk),
		Extra:   NewStatementList(reply.Statements),
	}, nil
}

// register records entities at generated authority and wiki links at linked
// authority. Links come second so a linked URI upgrades a generated one.
func (e *StatementExtractor) register(entities []Entity, links []ingest.Link, sourceUnit string) {
	if e.Registry == nil {
		return
	}
	for _, ent := range entities {
		_, err := e.Registry.Register(registry.Registration{
			Label:       ent.Name,
			Type:        ent.Type,
			Description: ent.Description,
			SourceUnit:  sourceUnit,
		})
		if err != nil && !errors.Is(err, registry.ErrEmptyLabel) {
			e.logger().Warn("entity not registered", "label", ent.Name, "error", err)
		}
	}
	for _, l := range links {
		reg := registry.Registration{
			Label:      l.Label,
			URI:        l.URL,
			Authority:  registry.AuthorityLinked,
			SourceUnit: sourceUnit,
		}
		if existing, ok := e.Registry.Lookup(l.Label); ok {
			reg.Type = existing.Type
		} else {
			reg.Type = "Thing"
		}
		if title := l.Title(); title != "" && title != l.Label {
			reg.Aliases = []string{title}
		}
		if _, err := e.Registry.Register(reg); err != nil && !errors.Is(err, registry.ErrEmptyLabel) {
			e.logger().Warn("link not registered", "label", l.Label, "error", err)
		}
	}
}

// NewStatementList builds the signature payload of a statements unit.
// Statements are numbered from 1.
func NewStatementList(statements []string) *provenance.StatementList {
	items := make([]provenance.StatementItem, len(statements))
	for i, s := range statements {
		items[i] = provenance.StatementItem{Index: i + 1, Text: s, CID: cid.ComputeString(s)}
	}
	return &provenance.StatementList{Statements: items}
}

const separator = "\n---\n"

// Header returns the lines of rendered content before the --- separator,
// i.e. the **Context:** and **Chunk:** lines.
func Header(content string) string {
	head, _, found := strings.Cut(content, separator)
	if !found {
		return ""
	}
	return strings.TrimSpace(head)
}

// Body returns the content after the --- separator, or all of it when there
// is none.
func Body(content string) string {
	_, body, found := strings.Cut(content, separator)
	if !found {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(body)
}

// RenderStatements renders statements as a bulleted list under header.
func RenderStatements(header string, statements []string) string {
	var b strings.Builder
	if header != "" {
		b.WriteString(header)
		b.WriteString("\n")
	}
	b.WriteString("\n---\n\n")
	if len(statements) == 0 {
		b.WriteString("_No statements extracted._\n")
		return b.String()
	}
	for _, s := range statements {
		b.WriteString("- ")
		b.WriteString(strings.ReplaceAll(s, "\n", " "))
		b.WriteString("\n")
	}
	return b.String()
}

// ParseStatements reads a bulleted or numbered list. Bullets may be "-",
// "*" or "•"; numbers may end in ".", ")" or ":". When text holds a ---
// separator only the part after it is read, so header lines never parse
// as statements.
func ParseStatements(text string) []string {
	var out []string
	for _, line := range strings.Split(Body(text), "\n") {
		if s, ok := listItem(strings.TrimSpace(line)); ok {
			out = append(out, s)
		}
	}
	return out
}

func listItem(line string) (string, bool) {
	for _, bullet := range []string{"- ", "* ", "• "} {
		if rest, ok := strings.CutPrefix(line, bullet); ok {
			rest = strings.TrimSpace(rest)
			return rest, rest != ""
		}
	}

	digits := strings.IndexFunc(line, func(r rune) bool { return !unicode.IsDigit(r) })
	if digits <= 0 || digits >= len(line) || !strings.ContainsRune(".):", rune(line[digits])) {
		return "", false
	}
	rest := strings.TrimSpace(line[digits+1:])
	return rest, rest != ""
}
