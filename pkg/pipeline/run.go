package pipeline

import (
	"context"
	"fmt"

	"github.com/dan-solli/ontograph/pkg/cid"
	"github.com/dan-solli/ontograph/pkg/incremental"
)

// RunResult is the outcome of Run for one article.
type RunResult struct {
	Article   Article
	Summaries []*incremental.Summary
	// UpToDate is set when the source revision had already completed every
	// stage and nothing was run after fetching.
	UpToDate bool
	// Exports lists the files written after the last stage.
	Exports []string
}

// Failed reports whether any stage left a failed unit.
func (r *RunResult) Failed() bool {
	for _, s := range r.Summaries {
		if s.Failed() {
			return true
		}
	}
	return false
}

type stageFunc func(context.Context, string) (*incremental.Summary, error)

// Run fetches title and carries it through every stage, then writes the
// provenance and knowledge graph exports. Stages continue past failed
// units; a stage error (store, ledger, cancellation) stops the run.
//
// A source revision that already completed every stage under the current
// chunking and rdf settings, with its rdf document still present, is not
// run again unless stages.force is set. Any stage run that leaves a failed
// unit clears that mark.
func (p *Pipeline) Run(ctx context.Context, title string) (*RunResult, error) {
	a, err := p.Article(title)
	if err != nil {
		return nil, err
	}
	result := &RunResult{Article: a}
	rt := newRunTrace(p.runID, a.Title)
	defer func() {
		if err := p.tracer.Export(context.WithoutCancel(ctx), rt.finish()); err != nil {
			p.getLogger().Warn("trace export failed", "stage", "run", "error", err)
		}
	}()

	timer := rt.stage(StageSource)
	summary, err := p.Fetch(ctx, title)
	timer.finish(summary, err)
	if err != nil {
		return result, err
	}
	result.Summaries = append(result.Summaries, summary)

	src, err := p.loadSource(ctx, a)
	if err != nil {
		return result, err
	}
	if done, err := p.upToDate(ctx, a, src, summary); err != nil {
		return result, err
	} else if done {
		p.getLogger().Info("article up to date", "article", a.Title, "source_cid", src.cid())
		result.UpToDate = true
		return result, nil
	}

	stages := []struct {
		stage Stage
		run   stageFunc
	}{
		{StageChunks, p.Chunk},
		{StageStatements, p.Extract},
		{StageClassifications, p.Classify},
		{StageSchema, p.SelectSchema},
		{StageRDF, p.GenerateRDF},
	}
	chunkCount := 0
	for _, s := range stages {
		timer := rt.stage(s.stage)
		summary, err := s.run(ctx, title)
		timer.finish(summary, err)
		if summary != nil {
			result.Summaries = append(result.Summaries, summary)
			if s.stage == StageChunks {
				chunkCount = len(summary.Units)
			}
		}
		if err != nil {
			return result, fmt.Errorf("%s: %w", s.stage, err)
		}
	}

	for _, export := range []func(context.Context, string) (string, error){p.ExportProvenance, p.ExportTurtle} {
		path, err := export(ctx, title)
		if err != nil {
			return result, err
		}
		result.Exports = append(result.Exports, path)
	}

	if !result.Failed() {
		if err := p.db.MarkSourceProcessed(ctx, p.revisionKey(src), a.Title, chunkCount); err != nil {
			return result, fmt.Errorf("mark source processed: %w", err)
		}
	}
	return result, nil
}

// revisionKey identifies a completed run of a source revision under the
// settings that shape unit inputs downstream of it. Changing any of them
// makes the next Run visit every stage again.
func (p *Pipeline) revisionKey(src *source) string {
	c := p.cfg
	settings := fmt.Sprintf("chunking=%s/%s/%d/%d/%d skip_rejected=%t",
		c.Chunking.Counter, c.Chunking.Encoding, c.Chunking.MaxTokens, c.Chunking.Overlap, c.Chunking.MinTokens,
		c.RDF.SkipRejected)
	return cid.Combine([]string{src.cid(), cid.ComputeString(settings)})
}

// upToDate reports whether the fetched source was unchanged and already
// carried through every stage.
func (p *Pipeline) upToDate(ctx context.Context, a Article, src *source, fetch *incremental.Summary) (bool, error) {
	if p.cfg.Stages.Force || fetch.Skipped == 0 {
		return false, nil
	}
	done, err := p.db.IsSourceProcessed(ctx, p.revisionKey(src))
	if err != nil || !done {
		return false, err
	}
	rdf, err := p.open(ctx, a, StageRDF)
	if err != nil {
		return false, err
	}
	return rdf.Exists(), nil
}
