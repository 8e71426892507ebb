package incremental

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dan-solli/ontograph/pkg/cid"
	"github.com/dan-solli/ontograph/pkg/docstore"
	"github.com/dan-solli/ontograph/pkg/provenance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	input := cid.ComputeString("chunk text")
	other := cid.ComputeString("edited chunk text")

	ok, err := provenance.New(provenance.KindStatements, cid.ComputeString("out"), input, provenance.Position{Chunk: 1})
	require.NoError(t, err)
	failed, err := provenance.New(provenance.KindStatements, cid.ComputeString("# Error"), input, provenance.Position{Chunk: 1}, provenance.Failed("boom"))
	require.NoError(t, err)

	assert.Equal(t, Create, Decide(provenance.Signature{}, false, input))
	assert.Equal(t, Skip, Decide(ok, true, input))
	assert.Equal(t, Regenerate, Decide(ok, true, other))
	assert.Equal(t, Regenerate, Decide(failed, true, input), "error placeholders are never current")
}

// countingWork extracts "statements" from a chunk by upper-casing it.
type countingWork struct {
	calls []string
	fail  map[string]error
}

func (w *countingWork) work(ctx context.Context, u Unit) (Output, error) {
	key := provenance.SlotKey(provenance.KindStatements, u.Position)
	w.calls = append(w.calls, key)
	if err := w.fail[key]; err != nil {
		return Output{}, err
	}
	text := "- " + strings.ToUpper(u.Input) + "\n"
	return Output{
		Content: text,
		Extra: &provenance.StatementList{Statements: []provenance.StatementItem{
			{Index: 1, Text: strings.ToUpper(u.Input), CID: cid.ComputeString(strings.ToUpper(u.Input))},
		}},
	}, nil
}

func chunkUnits(texts ...string) []Unit {
	units := make([]Unit, len(texts))
	for i, text := range texts {
		units[i] = Unit{Position: provenance.Position{Chunk: i + 1}, Input: text}
	}
	return units
}

func newProcessor(t *testing.T, backend docstore.Backend) *Processor {
	t.Helper()
	st, err := docstore.Open(context.Background(), backend)
	require.NoError(t, err)
	return &Processor{
		Stage: "statements",
		Kind:  provenance.KindStatements,
		Store: st,
		RunID: "run-test",
	}
}

func statementsKey(n int) docstore.Key {
	return docstore.Key{Kind: provenance.KindStatements, Slot: fmt.Sprint(n)}
}

func TestRun_CreateThenSkip(t *testing.T) {
	ctx := context.Background()
	backend := docstore.NewMemoryBackend()
	units := chunkUnits("Einstein was born in Ulm.", "He studied in Zurich.", "He moved to Berlin.")

	w := &countingWork{}
	summary, err := newProcessor(t, backend).Run(ctx, units, w.work)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Created)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, []string{"1", "2", "3"}, w.calls)
	assert.Equal(t, 3, backend.Writes(), "saved after every unit")
	first := backend.Cells()

	// Second run over the same input: everything current, nothing written.
	w2 := &countingWork{}
	summary, err = newProcessor(t, backend).Run(ctx, units, w2.work)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, 0, summary.Processed)
	assert.Empty(t, w2.calls)
	assert.Equal(t, 3, backend.Writes())
	assert.Equal(t, first, backend.Cells())
}

func TestRun_RegeneratesOnlyChangedUnit(t *testing.T) {
	ctx := context.Background()
	backend := docstore.NewMemoryBackend()
	units := chunkUnits("one", "two", "three")

	_, err := newProcessor(t, backend).Run(ctx, units, (&countingWork{}).work)
	require.NoError(t, err)

	units[1].Input = "two, edited"
	w := &countingWork{}
	p := newProcessor(t, backend)
	summary, err := p.Run(ctx, units, w.work)
	require.NoError(t, err)

	assert.Equal(t, []string{"2"}, w.calls)
	assert.Equal(t, 1, summary.Regenerated)
	assert.Equal(t, 2, summary.Skipped)

	reloaded, err := docstore.Open(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.Len(), "replaced, not duplicated")

	u, ok := reloaded.Lookup(statementsKey(2))
	require.True(t, ok)
	assert.Equal(t, "- TWO, EDITED\n", u.Content.Source)
	assert.Equal(t, cid.ComputeString("two, edited"), u.Signature.DerivedFrom)

	var order []string
	for _, unit := range reloaded.Units() {
		order = append(order, unit.Signature.Key())
	}
	assert.Equal(t, []string{"1", "2", "3"}, order, "slot order preserved")
}

func TestRun_ErrorPlaceholderIsRetried(t *testing.T) {
	ctx := context.Background()
	backend := docstore.NewMemoryBackend()
	units := chunkUnits("one", "two")

	w := &countingWork{fail: map[string]error{"2": errors.New("malformed model output")}}
	summary, err := newProcessor(t, backend).Run(ctx, units, w.work)
	require.NoError(t, err, "unit failures do not abort the run")

	assert.Equal(t, 1, summary.Errors)
	assert.True(t, summary.Failed())
	assert.Equal(t, ErrTypeLLM, summary.FirstErrorType())

	st, err := docstore.Open(ctx, backend)
	require.NoError(t, err)
	u, ok := st.Lookup(statementsKey(2))
	require.True(t, ok)
	assert.True(t, IsErrorContent(u.Content.Source))
	assert.Equal(t, "# Error: llm: malformed model output\n", u.Content.Source)
	assert.Equal(t, provenance.StatusError, u.Signature.Status)
	assert.Equal(t, cid.ComputeString("two"), u.Signature.DerivedFrom)

	// Same input, work now succeeds: the failed unit is retried, not skipped.
	w2 := &countingWork{}
	summary, err = newProcessor(t, backend).Run(ctx, units, w2.work)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, w2.calls)
	assert.Equal(t, 1, summary.Regenerated)
	assert.False(t, summary.Failed())
}

func TestRun_TimeoutIsAUnitFailure(t *testing.T) {
	ctx := context.Background()
	p := newProcessor(t, docstore.NewMemoryBackend())
	p.Timeout = 10 * time.Millisecond

	slow := func(ctx context.Context, u Unit) (Output, error) {
		<-ctx.Done()
		return Output{}, ctx.Err()
	}
	summary, err := p.Run(ctx, chunkUnits("one"), slow)
	require.NoError(t, err)
	require.Len(t, summary.Units, 1)
	assert.Equal(t, ErrTypeTimeout, summary.Units[0].ErrorType)
}

// failingBackend accepts reads but fails every write after the first n.
type failingBackend struct {
	*docstore.MemoryBackend
	allowed int
}

func (f *failingBackend) Write(ctx context.Context, cells []docstore.Cell) error {
	if f.allowed == 0 {
		return errors.New("disk full")
	}
	f.allowed--
	return f.MemoryBackend.Write(ctx, cells)
}

func TestRun_SaveFailureAborts(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{MemoryBackend: docstore.NewMemoryBackend(), allowed: 1}

	w := &countingWork{}
	summary, err := newProcessor(t, backend).Run(ctx, chunkUnits("one", "two", "three"), w.work)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []string{"1", "2"}, w.calls, "stops at the first failed save")
	assert.Equal(t, 2, summary.Processed)

	st, err := docstore.Open(ctx, backend.MemoryBackend)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Len(), "the durable store holds the units saved before the failure")
}

func TestRun_InterruptedRunResumes(t *testing.T) {
	backend := docstore.NewMemoryBackend()
	units := chunkUnits("one", "two", "three", "four")

	ctx, cancel := context.WithCancel(context.Background())
	interrupting := func(c context.Context, u Unit) (Output, error) {
		if u.Position.Chunk == 3 {
			cancel()
			return Output{}, c.Err()
		}
		return Output{Content: "done " + u.Input}, nil
	}

	_, err := newProcessor(t, backend).Run(ctx, units, interrupting)
	require.ErrorIs(t, err, context.Canceled)

	st, err := docstore.Open(context.Background(), backend)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Len(), "units 1 and 2 are durable, the interrupted unit is not written")

	w := &countingWork{}
	summary, err := newProcessor(t, backend).Run(context.Background(), units, w.work)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4"}, w.calls)
	assert.Equal(t, 2, summary.Skipped)
}

func TestRun_RemovesUnitsWithoutInput(t *testing.T) {
	ctx := context.Background()
	backend := docstore.NewMemoryBackend()

	_, err := newProcessor(t, backend).Run(ctx, chunkUnits("one", "two", "three"), (&countingWork{}).work)
	require.NoError(t, err)

	summary, err := newProcessor(t, backend).Run(ctx, chunkUnits("one", "two"), (&countingWork{}).work)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Removed)

	st, err := docstore.Open(ctx, backend)
	require.NoError(t, err)
	_, ok := st.Lookup(statementsKey(3))
	assert.False(t, ok)
}

func TestRun_ForceRegenerates(t *testing.T) {
	ctx := context.Background()
	backend := docstore.NewMemoryBackend()
	units := chunkUnits("one", "two")

	_, err := newProcessor(t, backend).Run(ctx, units, (&countingWork{}).work)
	require.NoError(t, err)

	p := newProcessor(t, backend)
	p.Force = true
	w := &countingWork{}
	summary, err := p.Run(ctx, units, w.work)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Regenerated)
	assert.Len(t, w.calls, 2)
}

func TestRun_InputCIDOverride(t *testing.T) {
	ctx := context.Background()
	backend := docstore.NewMemoryBackend()
	source := cid.ComputeString("whole article")

	units := []Unit{{Position: provenance.Position{Chunk: 1}, Input: "chunk one", InputCID: source}}
	p := newProcessor(t, backend)
	p.Kind = provenance.KindChunk
	p.Stage = "chunks"
	identity := func(ctx context.Context, u Unit) (Output, error) {
		return Output{Content: u.Input}, nil
	}

	_, err := p.Run(ctx, units, identity)
	require.NoError(t, err)

	sig := p.Store.Scan()[docstore.Key{Kind: provenance.KindChunk, Slot: "1"}]
	assert.Equal(t, source, sig.DerivedFrom)
	assert.Equal(t, cid.ComputeString("chunk one"), sig.OutputCID)
	assert.Equal(t, "run-test", sig.RunID)
}
