// Package incremental decides, unit by unit, whether persisted stage output
// is still current and regenerates only what is not.
package incremental

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dan-solli/ontograph/pkg/cid"
	"github.com/dan-solli/ontograph/pkg/docstore"
	"github.com/dan-solli/ontograph/pkg/metrics"
	"github.com/dan-solli/ontograph/pkg/provenance"
)

// Decision is the outcome of comparing a unit's input with its stored signature.
type Decision string

const (
	Skip       Decision = "skip"
	Create     Decision = "create"
	Regenerate Decision = "regenerate"
)

// Decide returns Skip only when a successful unit derived from exactly
// inputCID is stored. Error placeholders are never current.
func Decide(existing provenance.Signature, found bool, inputCID string) Decision {
	if !found {
		return Create
	}
	if existing.OK() && existing.DerivedFrom == inputCID {
		return Skip
	}
	return Regenerate
}

// Unit is one piece of pending work.
type Unit struct {
	Position provenance.Position
	// Input is the canonical input content. Its CID is what the stored
	// signature must have been derived from.
	Input string
	// InputCID overrides the CID of Input, for units derived from an
	// upstream unit rather than from their own input text.
	InputCID string
	Label    string
}

func (u Unit) inputCID() string {
	if u.InputCID != "" {
		return u.InputCID
	}
	return cid.ComputeString(u.Input)
}

// Output is what a work function produced for one unit.
type Output struct {
	// Content is persisted verbatim; the unit's output CID is computed from it.
	Content    string
	Label      string
	Extra      provenance.Extra
	Iterations int
	HitLimit   bool
}

// WorkFunc produces the output for one unit. ctx carries the per-unit timeout.
type WorkFunc func(ctx context.Context, u Unit) (Output, error)

// Processor runs a stage over its units against one document.
type Processor struct {
	Stage    string
	Kind     provenance.Kind
	CellType docstore.CellType
	Store    *docstore.Store

	// Timeout bounds each work function call. Zero means no timeout.
	Timeout time.Duration
	// Force regenerates every unit regardless of its signature.
	Force bool
	RunID string

	Logger  *slog.Logger
	Metrics metrics.Collector
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.Logger
}

func (p *Processor) metrics() metrics.Collector {
	if p.Metrics == nil {
		return metrics.NewNoopCollector()
	}
	return p.Metrics
}

func (p *Processor) cellType() docstore.CellType {
	if p.CellType == "" {
		return docstore.CellMarkdown
	}
	return p.CellType
}

func (p *Processor) key(pos provenance.Position) docstore.Key {
	return docstore.Key{Kind: p.Kind, Slot: provenance.SlotKey(p.Kind, pos)}
}

// decide looks up the stored unit for pos.
func (p *Processor) decide(pos provenance.Position, inputCID string) (docstore.Key, Decision) {
	key := p.key(pos)
	var existing provenance.Signature
	u, found := p.Store.Lookup(key)
	if found {
		existing = *u.Signature
	}
	d := Decide(existing, found, inputCID)
	if p.Force && d == Skip {
		d = Regenerate
	}
	return key, d
}

// Run processes units strictly in order. A failing work function produces an
// error placeholder and the run continues; the store is saved after every
// unit that was written. Run returns an error only when the store cannot be
// written or ctx is cancelled, and the summary covers the units done so far.
//
// Units of the processor's kind whose key is not among units are removed.
func (p *Processor) Run(ctx context.Context, units []Unit, work WorkFunc) (*Summary, error) {
	summary := newSummary(p.Stage)
	defer func() { summary.Duration = time.Since(summary.StartedAt) }()

	live := make(map[docstore.Key]bool, len(units))
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		inputCID := u.inputCID()
		key, decision := p.decide(u.Position, inputCID)
		live[key] = true

		if decision == Skip {
			p.logger().Debug("unit current", "stage", p.Stage, "key", key.Slot)
			p.metrics().RecordUnit(ctx, p.Stage, string(decision), 0)
			summary.record(UnitResult{Key: key.Slot, Decision: Skip})
			continue
		}

		result, err := p.process(ctx, key, decision, u, inputCID, work)
		if err != nil {
			return summary, err
		}
		summary.record(result)
		if result.Iterations > 0 {
			summary.Iterations.Add(result.Iterations, result.HitLimit)
		}

		if err := p.Store.Save(ctx); err != nil {
			return summary, err
		}
	}

	removed := p.Store.RemoveWhere(func(k docstore.Key, s provenance.Signature) bool {
		return k.Kind == p.Kind && !live[k]
	})
	if removed > 0 {
		summary.Removed = removed
		p.logger().Info("removed units with no input", "stage", p.Stage, "count", removed)
		if err := p.Store.Save(ctx); err != nil {
			return summary, err
		}
	}

	p.metrics().SetStoreUnits(ctx, p.Stage, int64(p.Store.Len()))
	return summary, nil
}

// process runs the work function for one unit and writes the result, or an
// error placeholder, into the store.
func (p *Processor) process(ctx context.Context, key docstore.Key, decision Decision, u Unit, inputCID string, work WorkFunc) (UnitResult, error) {
	result := UnitResult{Key: key.Slot, Decision: decision}

	workCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	start := time.Now()
	out, workErr := work(workCtx, u)
	result.Duration = time.Since(start)

	// An interrupted run leaves the unit as it was, to be redone on resume.
	if err := ctx.Err(); err != nil {
		return result, err
	}

	var (
		content string
		opts    []provenance.Option
	)
	if p.RunID != "" {
		opts = append(opts, provenance.WithRunID(p.RunID))
	}
	label := firstNonEmpty(out.Label, u.Label)
	if label != "" {
		opts = append(opts, provenance.WithLabel(label))
	}

	if workErr != nil {
		result.ErrorType = ClassifyError(workErr)
		result.Error = workErr.Error()
		content = ErrorContent(result.ErrorType, workErr)
		opts = append(opts, provenance.Failed(workErr.Error()))
		p.metrics().RecordError(ctx, p.Stage, result.ErrorType)
	} else {
		content = out.Content
		result.Iterations = out.Iterations
		result.HitLimit = out.HitLimit
		if out.Extra != nil {
			opts = append(opts, provenance.WithExtra(out.Extra))
		}
		if out.Iterations > 0 {
			p.metrics().RecordIterations(ctx, p.Stage, out.Iterations)
		}
	}

	sig, err := provenance.New(p.Kind, cid.ComputeString(content), inputCID, u.Position, opts...)
	if err != nil {
		return result, fmt.Errorf("%s %s: %w", p.Stage, key.Slot, err)
	}
	if err := p.Store.Replace(key, docstore.Cell{Type: p.cellType(), Source: content}, sig); err != nil {
		return result, fmt.Errorf("%s %s: %w", p.Stage, key.Slot, err)
	}

	p.metrics().RecordUnit(ctx, p.Stage, string(decision), result.Duration.Milliseconds())
	if workErr != nil {
		p.logger().Warn("unit failed",
			"stage", p.Stage, "key", key.Slot, "decision", decision,
			"duration", result.Duration, "error_type", result.ErrorType, "error", workErr)
	} else {
		p.logger().Info("unit written",
			"stage", p.Stage, "key", key.Slot, "decision", decision,
			"duration", result.Duration, "output_cid", sig.OutputCID)
	}
	return result, nil
}

// ErrorContent is the placeholder persisted for a failed unit.
func ErrorContent(errorType string, err error) string {
	return fmt.Sprintf("# Error: %s: %s\n", errorType, err)
}

// IsErrorContent reports whether content is an error placeholder.
func IsErrorContent(content string) bool {
	return len(content) >= 9 && content[:9] == "# Error: "
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
