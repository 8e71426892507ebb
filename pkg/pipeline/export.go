package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dan-solli/ontograph/pkg/chunker"
	"github.com/dan-solli/ontograph/pkg/cid"
	"github.com/dan-solli/ontograph/pkg/extraction"
	"github.com/dan-solli/ontograph/pkg/provenance"
	"github.com/dan-solli/ontograph/pkg/schema"
	"github.com/dan-solli/ontograph/pkg/store"
)

const (
	provenanceFile = "provenance.ttl"
	graphFile      = "article.ttl"
)

// signatures returns the certified units of every stage document of a,
// with their content keyed by output CID.
func (p *Pipeline) signatures(ctx context.Context, a Article) ([]provenance.Signature, map[string]string, error) {
	var sigs []provenance.Signature
	contents := make(map[string]string)
	for _, stage := range Stages {
		st, err := p.open(ctx, a, stage)
		if err != nil {
			return nil, nil, err
		}
		for _, u := range st.Units() {
			if !u.Certified() {
				continue
			}
			sigs = append(sigs, *u.Signature)
			contents[u.Signature.OutputCID] = u.Content.Source
		}
	}
	return sigs, contents, nil
}

// ExportProvenance writes the PROV-O provenance of every successful unit of
// title to provenance.ttl in the article directory and returns its path.
func (p *Pipeline) ExportProvenance(ctx context.Context, title string) (string, error) {
	a, err := p.Article(title)
	if err != nil {
		return "", err
	}
	sigs, _, err := p.signatures(ctx, a)
	if err != nil {
		return "", err
	}
	if len(sigs) == 0 {
		return "", fmt.Errorf("%s: %w: nothing to export", a.Title, ErrMissingUpstream)
	}

	var buf bytes.Buffer
	if err := provenance.WriteTurtle(&buf, sigs, provenance.TurtleOptions{Title: "Provenance: " + a.Title}); err != nil {
		return "", err
	}
	return writeExport(a, provenanceFile, buf.Bytes())
}

// ExportTurtle writes the knowledge graph of title, every successful rdf
// unit under one prefix block, to article.ttl and returns its path.
func (p *Pipeline) ExportTurtle(ctx context.Context, title string) (string, error) {
	a, err := p.Article(title)
	if err != nil {
		return "", err
	}
	src, err := p.loadSource(ctx, a)
	if err != nil {
		return "", err
	}
	rdf, err := p.upstream(ctx, a, StageRDF, provenance.KindRDF)
	if err != nil {
		return "", err
	}
	schemaStore, err := p.open(ctx, a, StageSchema)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Knowledge graph: %s\n", firstNonEmpty(src.prov.ArticleTitle, a.Title))
	fmt.Fprintf(&b, "# Source: %s\n", src.prov.SourceURL)
	if src.prov.License != "" {
		fmt.Fprintf(&b, "# License: %s (%s)\n", src.prov.License, src.prov.LicenseURL)
	}
	fmt.Fprintf(&b, "# Source CID: %s\n\n", src.cid())
	b.WriteString(p.prefixes(entries(schemaStore, provenance.KindSchema, true)))
	b.WriteString("\n")
	for _, e := range rdf {
		b.WriteString("\n")
		b.WriteString(e.content)
	}
	return writeExport(a, graphFile, []byte(b.String()))
}

// prefixes declares every library prefix plus any other prefix a schema
// context introduced.
func (p *Pipeline) prefixes(schemas []entry) string {
	declared := p.library.Prefixes()
	seen := make(map[string]bool)
	var lines []string
	add := func(line string) {
		if line != "" && !seen[line] {
			seen[line] = true
			lines = append(lines, line)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(declared)) {
		add(fmt.Sprintf("@prefix %s: <%s> .", name, declared[name]))
	}
	for _, e := range schemas {
		for _, line := range strings.Split(schema.ParsePrefixes(extraction.Body(e.content)), "\n") {
			add(strings.TrimSpace(line))
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

func writeExport(a Article, name string, data []byte) (string, error) {
	if err := os.MkdirAll(a.Dir, 0755); err != nil {
		return "", fmt.Errorf("export %s: %w", name, err)
	}
	path := filepath.Join(a.Dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("export %s: %w", name, err)
	}
	return path, nil
}

// LineageStep is one unit on a derivation chain.
type LineageStep struct {
	Signature provenance.Signature
	Content   string
}

// Lineage is the derivation chain of one output, newest unit first. Triple
// is set when the chain was found through the triple index.
type Lineage struct {
	Triple *store.IndexedTriple
	Steps  []LineageStep
}

// Lineage traces query back to the source text. query is either a CID (or
// ipfs:// URI) of a unit or a statement, or a term matched against indexed
// triples of title.
func (p *Pipeline) Lineage(ctx context.Context, title, query string) ([]Lineage, error) {
	a, err := p.Article(title)
	if err != nil {
		return nil, err
	}
	sigs, contents, err := p.signatures(ctx, a)
	if err != nil {
		return nil, err
	}
	g := provenance.NewGraph()
	g.Add(sigs...)

	chain := func(c string) []LineageStep {
		var steps []LineageStep
		for _, s := range g.Chain(c) {
			steps = append(steps, LineageStep{Signature: s, Content: contents[s.OutputCID]})
		}
		return steps
	}

	query = strings.TrimSpace(query)
	if c, ok := cid.FromURI(query); ok {
		query = c
	}
	if cid.Valid(query) {
		steps := chain(query)
		if len(steps) == 0 {
			return nil, nil
		}
		return []Lineage{{Steps: steps}}, nil
	}

	triples, err := p.db.FindTriples(ctx, a.Slug, query)
	if err != nil {
		return nil, err
	}
	out := make([]Lineage, 0, len(triples))
	for i := range triples {
		out = append(out, Lineage{Triple: &triples[i], Steps: chain(triples[i].UnitCID)})
	}
	return out, nil
}

// ChunkJudgement is the triple judge's verdict on one chunk.
type ChunkJudgement struct {
	Chunk      int
	Breadcrumb string
	Triples    int
	Scores     extraction.TripleScores
	Weighted   float64
	// Error is set when the judge could not score the chunk.
	Error string
}

// Judge scores the triples of every chunk of title against its statements
// and schema context. A chunk the judge fails on is reported, not fatal.
func (p *Pipeline) Judge(ctx context.Context, title string) ([]ChunkJudgement, error) {
	a, err := p.Article(title)
	if err != nil {
		return nil, err
	}
	client, err := p.client()
	if err != nil {
		return nil, err
	}
	statements, err := p.upstream(ctx, a, StageStatements, provenance.KindStatements)
	if err != nil {
		return nil, err
	}
	rdf, err := p.upstream(ctx, a, StageRDF, provenance.KindRDF)
	if err != nil {
		return nil, err
	}
	schemaStore, err := p.open(ctx, a, StageSchema)
	if err != nil {
		return nil, err
	}
	schemas := make(map[int]string)
	for _, e := range entries(schemaStore, provenance.KindSchema, true) {
		schemas[e.signature.Position.Chunk] = extraction.Body(e.content)
	}
	turtle := make(map[int][]string)
	for _, e := range rdf {
		c := e.signature.Position.Chunk
		turtle[c] = append(turtle[c], e.content)
	}

	judge := extraction.NewTripleJudge(client)
	var out []ChunkJudgement
	for _, e := range statements {
		c := e.signature.Position.Chunk
		if len(turtle[c]) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		content := strings.Join(turtle[c], "\n")
		j := ChunkJudgement{Chunk: c, Triples: len(extraction.ParseTriples(content))}
		j.Breadcrumb, _, _ = chunker.ParseChunkContent(e.content)

		scores, err := judge.Judge(ctx, schemas[c], extraction.ParseStatements(e.content), content)
		if err != nil {
			j.Error = err.Error()
			p.getLogger().Warn("chunk not judged", "article", a.Title, "chunk", c, "error", err)
		} else {
			j.Scores = scores
			j.Weighted = scores.Weighted()
		}
		out = append(out, j)
	}
	return out, nil
}

// Status is an overview of the database.
type Status struct {
	Runs             []store.RunRecord
	ProcessedSources int64
	Triples          int64
}

// Status returns up to limit recent stage runs with database totals.
func (p *Pipeline) Status(ctx context.Context, limit int) (*Status, error) {
	runs, err := p.db.RecentRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	sources, err := p.db.ProcessedSourceCount(ctx)
	if err != nil {
		return nil, err
	}
	triples, err := p.db.TripleCount(ctx, "")
	if err != nil {
		return nil, err
	}
	return &Status{Runs: runs, ProcessedSources: sources, Triples: triples}, nil
}

// Reset forgets which sources completed the pipeline. Stage documents are
// kept, so the next run still skips current units.
func (p *Pipeline) Reset(ctx context.Context) error {
	return p.db.ClearProcessedSources(ctx)
}
