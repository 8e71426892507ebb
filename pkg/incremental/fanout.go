package incremental

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dan-solli/ontograph/pkg/cid"
	"github.com/dan-solli/ontograph/pkg/docstore"
	"github.com/dan-solli/ontograph/pkg/provenance"
)

// Group is one upstream unit fanned out into member units, e.g. a chunk and
// its statements. Member positions must all carry Group.Chunk.
type Group struct {
	Chunk   int
	Label   string
	Members []Unit
}

// GroupOutput is the result of one GroupFunc call. Outputs is keyed by the
// member's Position.Statement; a stale member with no entry is recorded as
// failed. Iteration counts belong to the group, not to member outputs.
type GroupOutput struct {
	Outputs    map[int]Output
	Iterations int
	HitLimit   bool
}

// GroupFunc produces outputs for the stale members of a group in one call.
type GroupFunc func(ctx context.Context, g Group, stale []Unit) (GroupOutput, error)

// ErrNoMemberOutput is recorded for a stale member the GroupFunc did not answer.
var ErrNoMemberOutput = errors.New("invalid response: no output for statement")

// RunFanOut processes groups in order. Each group has a summary unit of kind
// rdf_chunk, keyed "chunk_{n}", derived from the combined CID of its members'
// input CIDs. When that summary is current the whole group is skipped with a
// single lookup. Otherwise members are decided one by one and the GroupFunc
// is called once with only the stale ones.
//
// The processor's Kind is the member kind. Members that no longer exist in a
// group, and groups that no longer exist, are removed.
func (p *Processor) RunFanOut(ctx context.Context, groups []Group, work GroupFunc) (*Summary, error) {
	summary := newSummary(p.Stage)
	defer func() { summary.Duration = time.Since(summary.StartedAt) }()

	live := make(map[docstore.Key]bool)
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := p.runGroup(ctx, g, work, summary, live); err != nil {
			return summary, err
		}
	}

	removed := p.Store.RemoveWhere(func(k docstore.Key, s provenance.Signature) bool {
		return (k.Kind == p.Kind || k.Kind == provenance.KindRDFChunk) && !live[k]
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

// CombinedCID is the fingerprint of a group: the CID of its members' input
// CIDs joined in order.
func CombinedCID(members []Unit) string {
	cids := make([]string, len(members))
	for i, m := range members {
		cids[i] = m.inputCID()
	}
	return cid.Combine(cids)
}

func (p *Processor) runGroup(ctx context.Context, g Group, work GroupFunc, summary *Summary, live map[docstore.Key]bool) error {
	pos := provenance.Position{Chunk: g.Chunk}
	summaryKey := docstore.Key{Kind: provenance.KindRDFChunk, Slot: provenance.SlotKey(provenance.KindRDFChunk, pos)}
	combined := CombinedCID(g.Members)

	live[summaryKey] = true
	memberKeys := make([]docstore.Key, len(g.Members))
	for i, m := range g.Members {
		memberKeys[i] = p.key(m.Position)
		live[memberKeys[i]] = true
	}

	existing, found := p.Store.Lookup(summaryKey)
	var existingSig provenance.Signature
	if found {
		existingSig = *existing.Signature
	}
	if Decide(existingSig, found, combined) == Skip && !p.Force {
		p.logger().Debug("group current", "stage", p.Stage, "key", summaryKey.Slot, "members", len(g.Members))
		for _, k := range memberKeys {
			p.metrics().RecordUnit(ctx, p.Stage, string(Skip), 0)
			summary.record(UnitResult{Key: k.Slot, Decision: Skip})
		}
		return nil
	}

	var (
		stale     []Unit
		decisions = make(map[int]Decision, len(g.Members))
	)
	for i, m := range g.Members {
		if m.Position.Chunk != g.Chunk {
			return fmt.Errorf("%s: member %s is not in chunk %d", p.Stage, memberKeys[i].Slot, g.Chunk)
		}
		_, d := p.decide(m.Position, m.inputCID())
		decisions[m.Position.Statement] = d
		if d == Skip {
			p.metrics().RecordUnit(ctx, p.Stage, string(Skip), 0)
			summary.record(UnitResult{Key: memberKeys[i].Slot, Decision: Skip})
			continue
		}
		stale = append(stale, m)
	}

	var (
		out      GroupOutput
		groupErr error
		elapsed  time.Duration
	)
	if len(stale) > 0 {
		workCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			workCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		start := time.Now()
		out, groupErr = work(workCtx, g, stale)
		elapsed = time.Since(start)
		if err := ctx.Err(); err != nil {
			return err
		}
		if groupErr == nil && out.Iterations > 0 {
			summary.Iterations.Add(out.Iterations, out.HitLimit)
			p.metrics().RecordIterations(ctx, p.Stage, out.Iterations)
		}
	}

	// Members are written through process with a work function that replays
	// the group result, so placeholders and signatures match Run exactly.
	perMember := elapsed
	if len(stale) > 0 {
		perMember = elapsed / time.Duration(len(stale))
	}
	for _, m := range stale {
		replay := func(context.Context, Unit) (Output, error) {
			if groupErr != nil {
				return Output{}, groupErr
			}
			o, ok := out.Outputs[m.Position.Statement]
			if !ok {
				return Output{}, ErrNoMemberOutput
			}
			return o, nil
		}
		key := p.key(m.Position)
		result, err := p.process(ctx, key, decisions[m.Position.Statement], m, m.inputCID(), replay)
		if err != nil {
			return err
		}
		result.Duration = perMember
		summary.record(result)
	}

	if err := p.writeGroupSummary(ctx, g, summaryKey, combined, memberKeys, out); err != nil {
		return err
	}
	return p.Store.Save(ctx)
}

// writeGroupSummary persists the rdf_chunk unit listing every member unit.
// It is marked failed when any member holds an error placeholder, so the
// group is revisited on the next run.
func (p *Processor) writeGroupSummary(ctx context.Context, g Group, key docstore.Key, combined string, memberKeys []docstore.Key, out GroupOutput) error {
	var (
		b       strings.Builder
		stats   = &provenance.RDFStats{Statements: len(g.Members), Iterations: out.Iterations, HitLimit: out.HitLimit}
		failed  []string
		heading = g.Label
	)
	if heading == "" {
		heading = fmt.Sprintf("Chunk %d", g.Chunk)
	}
	fmt.Fprintf(&b, "# %s: %d statements\n\n", heading, len(g.Members))

	for _, k := range memberKeys {
		u, ok := p.Store.Lookup(k)
		if !ok {
			failed = append(failed, k.Slot)
			fmt.Fprintf(&b, "- %s missing\n", k.Slot)
			continue
		}
		if !u.Signature.OK() {
			failed = append(failed, k.Slot)
		}
		if rs, ok := u.Signature.Extra.(*provenance.RDFStats); ok {
			stats.Triples += rs.Triples
		}
		fmt.Fprintf(&b, "- %s %s %s\n", k.Slot, u.Signature.Status, u.Signature.OutputCID)
	}

	content := b.String()
	opts := []provenance.Option{provenance.WithExtra(stats)}
	if p.RunID != "" {
		opts = append(opts, provenance.WithRunID(p.RunID))
	}
	if len(failed) > 0 {
		opts = append(opts, provenance.Failed(fmt.Sprintf("%d of %d statements failed: %s", len(failed), len(g.Members), strings.Join(failed, ", "))))
	}

	sig, err := provenance.New(provenance.KindRDFChunk, cid.ComputeString(content), combined, provenance.Position{Chunk: g.Chunk}, opts...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", p.Stage, key.Slot, err)
	}
	if err := p.Store.Replace(key, docstore.Markdown(content), sig); err != nil {
		return fmt.Errorf("%s %s: %w", p.Stage, key.Slot, err)
	}
	return nil
}
