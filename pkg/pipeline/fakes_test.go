package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dan-solli/ontograph/pkg/ingest"
	"github.com/dan-solli/ontograph/pkg/llm"
	"github.com/dan-solli/ontograph/pkg/trace"
)

const (
	einsteinURI = "<https://en.wikipedia.org/wiki/Albert_Einstein>"
	ulmLink     = "[Ulm](https://en.wikipedia.org/wiki/Ulm)"
)

// einsteinMarkdown has an introduction and one section. With the default
// chunk size each section is one chunk.
const einsteinMarkdown = `Albert Einstein was a German-born theoretical physicist.

## Early life

Albert Einstein was born in ` + ulmLink + ` in 1879. His family moved to Munich.
`

// fakeModel answers every stage prompt of the pipeline. It routes on the
// opening line of the prompt, the way each stage phrases its request.
type fakeModel struct {
	mu sync.Mutex
	// failOn makes statement extraction fail for chunks containing it.
	failOn string
	// onStatements sees each chunk text before statement extraction answers.
	onStatements func(text string)
	calls        map[string]int
}

func (f *fakeModel) record(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[kind]++
}

func (f *fakeModel) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeModel) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeModel) setFailOn(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn = s
}

func (f *fakeModel) Complete(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("unexpected free-form completion")
}

func (f *fakeModel) CompleteWithSchema(ctx context.Context, prompt string, out any) error {
	raw, err := f.reply(prompt)
	if err != nil {
		return err
	}
	return llm.DecodeJSON(raw, out, nil)
}

func (f *fakeModel) reply(prompt string) (string, error) {
	switch {
	case strings.HasPrefix(prompt, "You are an expert at extracting factual information"):
		f.record("statements")
		return f.statements(chunkText(prompt))
	case strings.HasPrefix(prompt, "You are reviewing statements extracted"):
		f.record("classify")
		return classifications(prompt), nil
	case strings.HasPrefix(prompt, "You are choosing vocabulary"):
		f.record("select")
		return `{"selected_classes": ["schema:Person"], "selected_properties": ["schema:birthPlace"], "custom_annotation_needs": "none"}`, nil
	case strings.HasPrefix(prompt, "You are judging RDF triples"):
		f.record("judge")
		return `{"syntax_valid": true, "uris_correct": true, "schema_conformance": 1, "completeness": 0.5, "reasoning": "ok"}`, nil
	case strings.HasPrefix(prompt, "You are judging statements"):
		f.record("judge_statements")
		return `{"completeness": 1, "atomicity": 1, "link_preservation": 1, "self_containment": 1, "reasoning": "ok"}`, nil
	}
	return "", fmt.Errorf("unexpected prompt: %.40q", prompt)
}

// chunkText returns the text between the last pair of --- lines before the
// reply instructions.
func chunkText(prompt string) string {
	end := strings.LastIndex(prompt, "\n---\n\nReturn ONLY")
	if end < 0 {
		return ""
	}
	start := strings.LastIndex(prompt[:end], "---\n")
	return prompt[start+len("---\n") : end]
}

func (f *fakeModel) statements(text string) (string, error) {
	f.mu.Lock()
	failOn, hook := f.failOn, f.onStatements
	f.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	if failOn != "" && strings.Contains(text, failOn) {
		return "", errors.New("dial tcp: connection refused")
	}

	reply := map[string]any{"entities": []any{}}
	if strings.Contains(text, "Ulm") {
		reply["statements"] = []string{
			"Albert Einstein was born in " + ulmLink + ".",
			"Albert Einstein was born in 1879.",
		}
		reply["entities"] = []map[string]string{
			{"name": "Albert Einstein", "type": "Person", "description": "A theoretical physicist."},
		}
	} else {
		reply["statements"] = []string{"Albert Einstein was a theoretical physicist."}
	}
	data, err := json.Marshal(reply)
	return string(data), err
}

var numberedLine = regexp.MustCompile(`(?m)^(\d+)\. (.+)$`)

// classifications rejects statements about 1879 and accepts the rest.
func classifications(prompt string) string {
	_, list, _ := strings.Cut(prompt, "\nStatements:\n")
	list, _, _ = strings.Cut(list, "\n\nReturn ONLY")

	var verdicts []string
	for _, m := range numberedLine.FindAllStringSubmatch(list, -1) {
		verdict := "GOOD"
		if strings.Contains(m[2], "1879") {
			verdict = "BAD"
		}
		verdicts = append(verdicts, fmt.Sprintf(`{"index": %s, "classification": %q, "reason": "checked"}`, m[1], verdict))
	}
	return `{"classifications": [` + strings.Join(verdicts, ", ") + `], "missing_facts": "none"}`
}

func (f *fakeModel) StartTools(prompt string, tools []llm.Tool) llm.ToolSession {
	f.record("rdf")
	_, list, _ := strings.Cut(prompt, "\nStatements:\n")
	return &fakeSession{statements: list}
}

var statementLine = regexp.MustCompile(`(?m)^\[(\d+)\] (.+)$`)

// fakeSession emits one triple per statement, then finishes.
type fakeSession struct {
	statements string
	done       bool
}

func (s *fakeSession) Next(ctx context.Context) ([]llm.ToolCall, string, error) {
	if s.done {
		return nil, "done", nil
	}
	s.done = true

	var calls []llm.ToolCall
	for i, m := range statementLine.FindAllStringSubmatch(s.statements, -1) {
		predicate, object := "schema:jobTitle", `"theoretical physicist"@en`
		switch {
		case strings.Contains(m[2], "Ulm"):
			predicate, object = "schema:birthPlace", "<https://en.wikipedia.org/wiki/Ulm>"
		case strings.Contains(m[2], "1879"):
			predicate, object = "schema:birthDate", `"1879"^^xsd:gYear`
		}
		args, _ := json.Marshal(map[string]string{
			"statement_id": m[1],
			"subject":      einsteinURI,
			"predicate":    predicate,
			"object":       object,
		})
		calls = append(calls, llm.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: "emit_triple", Arguments: string(args)})
	}
	if len(calls) == 0 {
		return nil, "nothing to convert", nil
	}
	return calls, "", nil
}

func (s *fakeSession) Respond(call llm.ToolCall, result string) {}

// fakeFetcher serves one article body for any title.
type fakeFetcher struct {
	markdown string
	fetches  int
}

func (f *fakeFetcher) article(title string) *ingest.Article {
	md := f.markdown
	if md == "" {
		md = einsteinMarkdown
	}
	url := ingest.ArticleURL(ingest.DefaultBaseURL, title)
	return &ingest.Article{
		Title:    title,
		URL:      url,
		Markdown: md,
		Provenance: ingest.Provenance{
			SourceURL:     url,
			ArticleTitle:  title,
			WikidataID:    "Q937",
			FetchedAt:     time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
			ContentLength: len(md),
			License:       "CC BY-SA 4.0",
			LicenseURL:    "https://creativecommons.org/licenses/by-sa/4.0/",
			Attribution:   "Wikipedia contributors",
		},
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, title string) (*ingest.Article, error) {
	f.fetches++
	return f.article(title), nil
}

func (f *fakeFetcher) LoadFile(path, title string) (*ingest.Article, error) {
	if title == "" {
		title = "Imported"
	}
	return f.article(title), nil
}

// recordingTracer keeps every exported record.
type recordingTracer struct {
	mu      sync.Mutex
	records []*trace.TraceRecord
}

func (r *recordingTracer) Export(ctx context.Context, record *trace.TraceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *recordingTracer) Close() error { return nil }

func (r *recordingTracer) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Stage
	}
	return out
}
