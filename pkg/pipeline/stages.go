package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dan-solli/ontograph/pkg/chunker"
	"github.com/dan-solli/ontograph/pkg/cid"
	"github.com/dan-solli/ontograph/pkg/docstore"
	"github.com/dan-solli/ontograph/pkg/extraction"
	"github.com/dan-solli/ontograph/pkg/incremental"
	"github.com/dan-solli/ontograph/pkg/ingest"
	"github.com/dan-solli/ontograph/pkg/provenance"
	"github.com/dan-solli/ontograph/pkg/registry"
	"github.com/dan-solli/ontograph/pkg/store"
)

const registryFile = "registry.json"

// Fetch downloads title and stores it as the article's source unit. An
// unchanged article is skipped.
func (p *Pipeline) Fetch(ctx context.Context, title string) (*incremental.Summary, error) {
	a, err := p.Article(title)
	if err != nil {
		return nil, err
	}
	article, err := p.fetcher.Fetch(ctx, a.Title)
	if err != nil {
		return nil, err
	}
	return p.storeSource(ctx, a, article)
}

// Import stores a local HTML or markdown file as the source of title. With
// an empty title the file's own title is used.
func (p *Pipeline) Import(ctx context.Context, path, title string) (*incremental.Summary, error) {
	article, err := p.fetcher.LoadFile(path, title)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = article.Title
	}
	a, err := p.Article(title)
	if err != nil {
		return nil, err
	}
	return p.storeSource(ctx, a, article)
}

// storeSource writes the root unit of an article. The source has no input,
// so it is current when its content hashes to the stored output CID.
func (p *Pipeline) storeSource(ctx context.Context, a Article, article *ingest.Article) (*incremental.Summary, error) {
	summary := &incremental.Summary{Stage: string(StageSource), StartedAt: time.Now()}
	st, err := p.open(ctx, a, StageSource)
	if err != nil {
		return nil, err
	}

	outCID := cid.ComputeString(article.Markdown)
	decision := incremental.Create
	if existing, ok := st.Lookup(sourceKey); ok {
		decision = incremental.Regenerate
		if existing.Signature.OK() && existing.Signature.OutputCID == outCID && !p.cfg.Stages.Force {
			decision = incremental.Skip
		}
	}

	result := incremental.UnitResult{Key: sourceKey.Slot, Decision: decision}
	switch decision {
	case incremental.Skip:
		summary.Skipped++
		p.getLogger().Debug("unit current", "stage", StageSource, "key", sourceKey.Slot)
	default:
		header, err := p.header(StageSource, a, article.Provenance)
		if err != nil {
			return nil, err
		}
		sig, err := provenance.New(provenance.KindSource, outCID, "", provenance.Position{},
			provenance.WithLabel("source:"+article.Title), provenance.WithRunID(p.runID))
		if err != nil {
			return nil, err
		}
		st.SetHeader(header)
		if err := st.Replace(sourceKey, docstore.Markdown(article.Markdown), sig); err != nil {
			return nil, err
		}
		if err := st.Save(ctx); err != nil {
			return nil, err
		}
		summary.Processed++
		if decision == incremental.Create {
			summary.Created++
		} else {
			summary.Regenerated++
		}
		p.getLogger().Info("unit written",
			"stage", StageSource, "key", sourceKey.Slot, "decision", decision, "output_cid", outCID)
	}
	summary.Units = append(summary.Units, result)
	summary.Duration = time.Since(summary.StartedAt)
	p.metrics.RecordUnit(ctx, string(StageSource), string(decision), summary.Duration.Milliseconds())
	p.metrics.SetStoreUnits(ctx, string(StageSource), int64(st.Len()))

	return p.finish(ctx, a, summary, nil)
}

// Chunk splits the source into section-bounded chunks. Every chunk unit is
// derived from the source CID.
func (p *Pipeline) Chunk(ctx context.Context, title string) (*incremental.Summary, error) {
	a, err := p.Article(title)
	if err != nil {
		return nil, err
	}
	src, err := p.loadSource(ctx, a)
	if err != nil {
		return nil, err
	}
	st, err := p.openStage(ctx, a, StageChunks, src)
	if err != nil {
		return nil, err
	}

	chunks := p.chunker.SplitArticle(firstNonEmpty(src.prov.ArticleTitle, a.Title), src.unit.Content.Source, p.cfg.Chunking.MinTokens)
	units := make([]incremental.Unit, len(chunks))
	want := make(map[string]string, len(chunks))
	for i, c := range chunks {
		pos := provenance.Position{Chunk: c.Number}
		units[i] = incremental.Unit{
			Position: pos,
			Input:    c.Content(),
			InputCID: src.cid(),
			Label:    fmt.Sprintf("chunk %d: %s", c.Number, c.Breadcrumb),
		}
		want[provenance.SlotKey(provenance.KindChunk, pos)] = cid.ComputeString(units[i].Input)
	}

	// Chunks of an unchanged source still change when the chunking settings
	// do; those are dropped so they are created again.
	stale := st.RemoveWhere(func(k docstore.Key, s provenance.Signature) bool {
		c, ok := want[k.Slot]
		return k.Kind == provenance.KindChunk && ok && s.OutputCID != c
	})
	if stale > 0 {
		p.getLogger().Info("chunk text changed", "article", a.Title, "count", stale)
	}

	proc := p.processor(StageChunks, provenance.KindChunk, docstore.CellMarkdown, st)
	summary, err := proc.Run(ctx, units, func(ctx context.Context, u incremental.Unit) (incremental.Output, error) {
		return incremental.Output{Content: u.Input, Label: u.Label}, nil
	})
	return p.finish(ctx, a, summary, err)
}

// Extract asks the model for the statements of every chunk and records the
// entities they mention in the article's registry.
func (p *Pipeline) Extract(ctx context.Context, title string) (*incremental.Summary, error) {
	a, err := p.Article(title)
	if err != nil {
		return nil, err
	}
	src, err := p.loadSource(ctx, a)
	if err != nil {
		return nil, err
	}
	client, err := p.client()
	if err != nil {
		return nil, err
	}
	chunks, err := p.upstream(ctx, a, StageChunks, provenance.KindChunk)
	if err != nil {
		return nil, err
	}
	st, err := p.openStage(ctx, a, StageStatements, src)
	if err != nil {
		return nil, err
	}

	reg, err := p.loadRegistry(a, src)
	if err != nil {
		return nil, err
	}
	if p.cfg.Ingest.Wikidata && src.prov.WikidataID != "" {
		_, err := reg.Register(registry.Registration{
			Label:      firstNonEmpty(src.prov.ArticleTitle, a.Title),
			Type:       "Thing",
			ExternalID: src.prov.WikidataID,
			SourceUnit: sourceKey.Slot,
		})
		if err != nil {
			p.getLogger().Warn("article entity not registered", "article", a.Title, "error", err)
		}
	}

	extractor := extraction.NewStatementExtractor(client, reg)
	extractor.BaseURL = p.cfg.Ingest.BaseURL
	extractor.Logger = p.getLogger()

	// The registry is saved before each statements unit is, so a unit that
	// is current on disk never has entities missing from the registry.
	work := func(ctx context.Context, u incremental.Unit) (incremental.Output, error) {
		out, err := extractor.Work(ctx, u)
		if err != nil {
			return out, err
		}
		if err := p.saveRegistry(a, reg); err != nil {
			return incremental.Output{}, err
		}
		return out, nil
	}

	proc := p.processor(StageStatements, provenance.KindStatements, docstore.CellMarkdown, st)
	summary, err := proc.Run(ctx, unitsOf(chunks), work)

	if saveErr := p.saveRegistry(a, reg); saveErr != nil {
		err = errors.Join(err, saveErr)
	}
	return p.finish(ctx, a, summary, err)
}

// Classify labels every statement GOOD or BAD against its chunk text.
func (p *Pipeline) Classify(ctx context.Context, title string) (*incremental.Summary, error) {
	a, err := p.Article(title)
	if err != nil {
		return nil, err
	}
	src, err := p.loadSource(ctx, a)
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
	chunks, err := p.upstream(ctx, a, StageChunks, provenance.KindChunk)
	if err != nil {
		return nil, err
	}
	st, err := p.openStage(ctx, a, StageClassifications, src)
	if err != nil {
		return nil, err
	}

	sources := make(map[int]string, len(chunks))
	for _, e := range chunks {
		if _, text, ok := chunker.ParseChunkContent(e.content); ok {
			sources[e.signature.Position.Chunk] = text
		}
	}

	classifier := extraction.NewClassifier(client)
	classifier.Logger = p.getLogger()
	if p.cfg.Stages.Judge {
		classifier.Judge = extraction.NewStatementJudge(client)
	}

	proc := p.processor(StageClassifications, provenance.KindClassifications, docstore.CellMarkdown, st)
	summary, err := proc.Run(ctx, unitsOf(statements), classifier.Work(sources))
	return p.finish(ctx, a, summary, err)
}

// SelectSchema picks the schema terms each chunk's statements need.
func (p *Pipeline) SelectSchema(ctx context.Context, title string) (*incremental.Summary, error) {
	a, err := p.Article(title)
	if err != nil {
		return nil, err
	}
	src, err := p.loadSource(ctx, a)
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
	st, err := p.openStage(ctx, a, StageSchema, src)
	if err != nil {
		return nil, err
	}

	selector := extraction.NewSchemaSelector(client, p.schemaLibrary(ctx))
	selector.TopK = p.cfg.Schema.TopK
	selector.Logger = p.getLogger()

	proc := p.processor(StageSchema, provenance.KindSchema, docstore.CellMarkdown, st)
	summary, err := proc.Run(ctx, unitsOf(statements), selector.Work)
	return p.finish(ctx, a, summary, err)
}

// GenerateRDF fans each chunk out into one rdf unit per statement and
// indexes the triples for lineage queries. With rdf.skip_rejected,
// statements the current classification rejected get no unit.
func (p *Pipeline) GenerateRDF(ctx context.Context, title string) (*incremental.Summary, error) {
	a, err := p.Article(title)
	if err != nil {
		return nil, err
	}
	src, err := p.loadSource(ctx, a)
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
	schemaStore, err := p.open(ctx, a, StageSchema)
	if err != nil {
		return nil, err
	}
	classStore, err := p.open(ctx, a, StageClassifications)
	if err != nil {
		return nil, err
	}
	st, err := p.openStage(ctx, a, StageRDF, src)
	if err != nil {
		return nil, err
	}
	reg, err := p.loadRegistry(a, src)
	if err != nil {
		return nil, err
	}

	schemas := make(map[int]string)
	for _, e := range entries(schemaStore, provenance.KindSchema, true) {
		schemas[e.signature.Position.Chunk] = extraction.Body(e.content)
	}
	var rejected map[int]map[int]bool
	if p.cfg.RDF.SkipRejected {
		rejected = rejectedStatements(classStore, statements)
	}

	fallback := p.library.BuildContext(nil, nil, "").Text()
	contexts := make(map[int]extraction.ChunkContext, len(statements))
	groups := make([]incremental.Group, 0, len(statements))
	for _, e := range statements {
		c := e.signature.Position.Chunk
		breadcrumb, _, _ := chunker.ParseChunkContent(e.content)
		contexts[c] = extraction.ChunkContext{Breadcrumb: breadcrumb, Schema: firstNonEmpty(schemas[c], fallback)}

		g := incremental.Group{Chunk: c, Label: breadcrumb}
		for i, text := range extraction.ParseStatements(e.content) {
			n := i + 1
			if rejected[c][n] {
				continue
			}
			g.Members = append(g.Members, incremental.Unit{
				Position: provenance.Position{Chunk: c, Statement: n},
				Input:    text,
			})
		}
		groups = append(groups, g)
	}

	generator := extraction.NewRDFGenerator(client, p.library, reg)
	generator.MaxIterations = p.cfg.RDF.MaxIterations
	generator.SearchTopK = p.cfg.RDF.SearchTopK
	generator.Logger = p.getLogger()

	proc := p.processor(StageRDF, provenance.KindRDF, docstore.CellRaw, st)
	summary, err := proc.RunFanOut(ctx, groups, generator.GroupFunc(contexts))
	if err == nil {
		err = p.indexTriples(ctx, a, st)
	}
	return p.finish(ctx, a, summary, err)
}

// rejectedStatements maps chunk to the statement numbers its classification
// rejected. Classifications of earlier statement lists are ignored, since
// their numbering no longer applies.
func rejectedStatements(classStore *docstore.Store, statements []entry) map[int]map[int]bool {
	current := make(map[int]string, len(statements))
	for _, e := range statements {
		current[e.signature.Position.Chunk] = e.signature.OutputCID
	}
	out := make(map[int]map[int]bool)
	for _, e := range entries(classStore, provenance.KindClassifications, true) {
		c := e.signature.Position.Chunk
		if e.signature.DerivedFrom != current[c] {
			continue
		}
		if data, ok := e.signature.Extra.(*provenance.ClassificationData); ok {
			out[c] = data.Rejected()
		}
	}
	return out
}

// indexTriples mirrors the successful rdf units of an article into the
// triple index.
func (p *Pipeline) indexTriples(ctx context.Context, a Article, st *docstore.Store) error {
	keep := make(map[string]bool)
	for _, e := range entries(st, provenance.KindRDF, true) {
		parsed := extraction.ParseTriples(e.content)
		triples := make([]store.Triple, len(parsed))
		for i, t := range parsed {
			triples[i] = store.Triple{Subject: t.Subject, Predicate: t.Predicate, Object: t.Object}
		}
		if err := p.db.ReplaceUnitTriples(ctx, a.Slug, e.key.Slot, e.signature.OutputCID, triples); err != nil {
			return err
		}
		keep[e.key.Slot] = true
	}
	removed, err := p.db.RemoveUnits(ctx, a.Slug, keep)
	if err != nil {
		return err
	}
	if removed > 0 {
		p.getLogger().Debug("triples unindexed", "article", a.Title, "count", removed)
	}
	return nil
}

// processor returns the incremental processor for one stage document.
func (p *Pipeline) processor(stage Stage, kind provenance.Kind, cellType docstore.CellType, st *docstore.Store) *incremental.Processor {
	return &incremental.Processor{
		Stage:    string(stage),
		Kind:     kind,
		CellType: cellType,
		Store:    st,
		Timeout:  p.cfg.Stages.Timeout,
		Force:    p.cfg.Stages.Force,
		RunID:    p.runID,
		Logger:   p.getLogger(),
		Metrics:  p.metrics,
	}
}

// openStage opens a stage document and refreshes its provenance header.
// The header is persisted with the first unit written.
func (p *Pipeline) openStage(ctx context.Context, a Article, stage Stage, src *source) (*docstore.Store, error) {
	st, err := p.open(ctx, a, stage)
	if err != nil {
		return nil, err
	}
	header, err := p.header(stage, a, src.prov)
	if err != nil {
		return nil, err
	}
	st.SetHeader(header)
	return st, nil
}

// upstream returns the successful units of an earlier stage.
func (p *Pipeline) upstream(ctx context.Context, a Article, stage Stage, kind provenance.Kind) ([]entry, error) {
	st, err := p.open(ctx, a, stage)
	if err != nil {
		return nil, err
	}
	if !st.Exists() {
		return nil, fmt.Errorf("%s: %w: run the %s stage first", a.Title, ErrMissingUpstream, stage)
	}
	return entries(st, kind, true), nil
}

// unitsOf turns upstream units into work units at the same positions. The
// input CID is the upstream output CID.
func unitsOf(es []entry) []incremental.Unit {
	units := make([]incremental.Unit, len(es))
	for i, e := range es {
		units[i] = incremental.Unit{
			Position: provenance.Position{Chunk: e.signature.Position.Chunk},
			Input:    e.content,
		}
	}
	return units
}

func (p *Pipeline) registryPath(a Article) string {
	return filepath.Join(a.Dir, registryFile)
}

func (p *Pipeline) loadRegistry(a Article, src *source) (*registry.Registry, error) {
	reg, err := registry.Load(p.registryPath(a), src.prov.SourceURL)
	if err != nil {
		return nil, err
	}
	return reg.WithLogger(p.getLogger()), nil
}

func (p *Pipeline) saveRegistry(a Article, reg *registry.Registry) error {
	if err := os.MkdirAll(a.Dir, 0755); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return reg.Save(p.registryPath(a))
}

// finish logs a stage summary, records it in the run ledger and exports its
// trace. A failed ledger write is returned; a failed trace export is not.
func (p *Pipeline) finish(ctx context.Context, a Article, summary *incremental.Summary, runErr error) (*incremental.Summary, error) {
	if summary == nil {
		return nil, runErr
	}
	logger := p.getLogger()
	if runErr != nil {
		logger.Error("stage aborted", "article", a.Title, "summary", summary, "error", runErr)
	} else {
		logger.Info("stage finished", "article", a.Title, "summary", summary)
	}

	// The ledger still records runs cut short by cancellation.
	bg := context.WithoutCancel(ctx)
	err := p.db.RecordRun(bg, store.RunRecord{
		ID:          p.runID,
		Article:     a.Title,
		Stage:       summary.Stage,
		Processed:   summary.Processed,
		Skipped:     summary.Skipped,
		Errors:      summary.Errors,
		Created:     summary.Created,
		Regenerated: summary.Regenerated,
		StartedAt:   summary.StartedAt,
		Duration:    summary.Duration,
	})
	if err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("record run: %w", err))
	}
	// A failed unit must be retried by the next Run.
	if summary.Failed() {
		if _, err := p.db.UnmarkArticle(bg, a.Title); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("unmark processed source: %w", err))
		}
	}
	if err := p.tracer.Export(bg, summary.TraceRecord(p.runID, a.Title)); err != nil {
		logger.Warn("trace export failed", "stage", summary.Stage, "error", err)
	}
	return summary, runErr
}
