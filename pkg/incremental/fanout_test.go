package incremental

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/dan-solli/ontograph/pkg/cid"
	"github.com/dan-solli/ontograph/pkg/docstore"
	"github.com/dan-solli/ontograph/pkg/provenance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGenerator turns each statement into one turtle line and records the
// stale members it was asked about on every call.
type fakeGenerator struct {
	calls [][]int
	err   error
	skip  map[int]bool // statements to leave unanswered
}

func (f *fakeGenerator) generate(ctx context.Context, g Group, stale []Unit) (GroupOutput, error) {
	var idx []int
	for _, u := range stale {
		idx = append(idx, u.Position.Statement)
	}
	f.calls = append(f.calls, idx)
	if f.err != nil {
		return GroupOutput{}, f.err
	}

	out := GroupOutput{Outputs: make(map[int]Output), Iterations: len(stale) + 1}
	for _, u := range stale {
		if f.skip[u.Position.Statement] {
			continue
		}
		subject := strings.ReplaceAll(strings.ToLower(u.Input), " ", "_")
		out.Outputs[u.Position.Statement] = Output{
			Content: fmt.Sprintf("```turtle\n:%s a :Statement .\n```\n", subject),
			Extra:   &provenance.RDFStats{Triples: 1},
		}
	}
	return out, nil
}

func statementGroup(chunk int, label string, statements ...string) Group {
	g := Group{Chunk: chunk, Label: label}
	for i, s := range statements {
		g.Members = append(g.Members, Unit{
			Position: provenance.Position{Chunk: chunk, Statement: i + 1},
			Input:    s,
		})
	}
	return g
}

func newRDFProcessor(t *testing.T, backend docstore.Backend) *Processor {
	t.Helper()
	p := newProcessor(t, backend)
	p.Stage = "rdf"
	p.Kind = provenance.KindRDF
	p.CellType = docstore.CellRaw
	return p
}

func rdfKey(chunk, stmt int) docstore.Key {
	return docstore.Key{Kind: provenance.KindRDF, Slot: fmt.Sprintf("%d_%d", chunk, stmt)}
}

func chunkSummaryKey(chunk int) docstore.Key {
	return docstore.Key{Kind: provenance.KindRDFChunk, Slot: fmt.Sprintf("chunk_%d", chunk)}
}

func TestRunFanOut_OneCallPerGroupThenSkip(t *testing.T) {
	ctx := context.Background()
	backend := docstore.NewMemoryBackend()
	groups := []Group{
		statementGroup(1, "Early life", "Einstein was born in Ulm", "Ulm is in Germany"),
		statementGroup(2, "Career", "Einstein worked in Bern"),
	}

	gen := &fakeGenerator{}
	summary, err := newRDFProcessor(t, backend).RunFanOut(ctx, groups, gen.generate)
	require.NoError(t, err)

	assert.Equal(t, [][]int{{1, 2}, {1}}, gen.calls)
	assert.Equal(t, 3, summary.Created)
	assert.Equal(t, 2, summary.Iterations.Count, "iterations are counted per group")
	assert.Equal(t, 3, summary.Iterations.Max)

	st, err := docstore.Open(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Len(), "three members and two chunk summaries")

	u, ok := st.Lookup(chunkSummaryKey(1))
	require.True(t, ok)
	assert.True(t, u.Signature.OK())
	assert.Equal(t, CombinedCID(groups[0].Members), u.Signature.DerivedFrom)
	assert.True(t, strings.HasPrefix(u.Content.Source, "# Early life: 2 statements\n\n- 1_1 ok "))
	stats, ok := u.Signature.Extra.(*provenance.RDFStats)
	require.True(t, ok)
	assert.Equal(t, 2, stats.Triples)
	assert.Equal(t, 2, stats.Statements)

	member, ok := st.Lookup(rdfKey(1, 2))
	require.True(t, ok)
	assert.Equal(t, docstore.CellRaw, member.Content.Type)
	assert.Contains(t, member.Content.Source, ":ulm_is_in_germany a :Statement .")

	// Second run: one lookup per group, no generator calls, no writes.
	writes := backend.Writes()
	gen2 := &fakeGenerator{}
	summary, err = newRDFProcessor(t, backend).RunFanOut(ctx, groups, gen2.generate)
	require.NoError(t, err)
	assert.Empty(t, gen2.calls)
	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, writes, backend.Writes())
}

func TestRunFanOut_OnlyStaleMembersRegenerated(t *testing.T) {
	ctx := context.Background()
	backend := docstore.NewMemoryBackend()
	groups := []Group{statementGroup(1, "", "A is B", "C is D", "E is F")}

	_, err := newRDFProcessor(t, backend).RunFanOut(ctx, groups, (&fakeGenerator{}).generate)
	require.NoError(t, err)

	groups[0].Members[1].Input = "C is G"
	gen := &fakeGenerator{}
	summary, err := newRDFProcessor(t, backend).RunFanOut(ctx, groups, gen.generate)
	require.NoError(t, err)

	assert.Equal(t, [][]int{{2}}, gen.calls)
	assert.Equal(t, 1, summary.Regenerated)
	assert.Equal(t, 2, summary.Skipped)

	st, err := docstore.Open(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Len())
	u, ok := st.Lookup(chunkSummaryKey(1))
	require.True(t, ok)
	assert.Equal(t, CombinedCID(groups[0].Members), u.Signature.DerivedFrom)
	assert.True(t, strings.HasPrefix(u.Content.Source, "# Chunk 1: 3 statements\n"))
}

func TestRunFanOut_RemovedStatementIsPruned(t *testing.T) {
	ctx := context.Background()
	backend := docstore.NewMemoryBackend()

	_, err := newRDFProcessor(t, backend).RunFanOut(ctx,
		[]Group{statementGroup(1, "", "A is B", "C is D"), statementGroup(2, "", "E is F")},
		(&fakeGenerator{}).generate)
	require.NoError(t, err)

	summary, err := newRDFProcessor(t, backend).RunFanOut(ctx,
		[]Group{statementGroup(1, "", "A is B")},
		(&fakeGenerator{}).generate)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Removed, "1_2, 2_1 and chunk_2")

	st, err := docstore.Open(ctx, backend)
	require.NoError(t, err)
	for _, k := range []docstore.Key{rdfKey(1, 2), rdfKey(2, 1), chunkSummaryKey(2)} {
		_, ok := st.Lookup(k)
		assert.False(t, ok, k.String())
	}
	_, ok := st.Lookup(chunkSummaryKey(1))
	assert.True(t, ok)
}

func TestRunFanOut_GroupErrorMarksSummaryFailed(t *testing.T) {
	ctx := context.Background()
	backend := docstore.NewMemoryBackend()
	groups := []Group{statementGroup(1, "", "A is B", "C is D")}

	gen := &fakeGenerator{err: errors.New("API error (500): upstream unavailable")}
	summary, err := newRDFProcessor(t, backend).RunFanOut(ctx, groups, gen.generate)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Errors)

	st, err := docstore.Open(ctx, backend)
	require.NoError(t, err)
	u, ok := st.Lookup(chunkSummaryKey(1))
	require.True(t, ok)
	assert.Equal(t, provenance.StatusError, u.Signature.Status)

	member, ok := st.Lookup(rdfKey(1, 1))
	require.True(t, ok)
	assert.True(t, IsErrorContent(member.Content.Source))

	// The failed summary forces the group to be revisited.
	gen2 := &fakeGenerator{}
	summary, err = newRDFProcessor(t, backend).RunFanOut(ctx, groups, gen2.generate)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2}}, gen2.calls)
	assert.False(t, summary.Failed())
}

func TestRunFanOut_UnansweredMemberFails(t *testing.T) {
	ctx := context.Background()
	backend := docstore.NewMemoryBackend()
	groups := []Group{statementGroup(1, "", "A is B", "C is D")}

	gen := &fakeGenerator{skip: map[int]bool{2: true}}
	summary, err := newRDFProcessor(t, backend).RunFanOut(ctx, groups, gen.generate)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)

	st, err := docstore.Open(ctx, backend)
	require.NoError(t, err)
	u, ok := st.Lookup(rdfKey(1, 2))
	require.True(t, ok)
	assert.Contains(t, u.Content.Source, ErrNoMemberOutput.Error())

	// Next run asks only about the unanswered statement.
	gen2 := &fakeGenerator{}
	_, err = newRDFProcessor(t, backend).RunFanOut(ctx, groups, gen2.generate)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{2}}, gen2.calls)
}

func TestRunFanOut_RejectsMemberFromOtherChunk(t *testing.T) {
	g := statementGroup(1, "", "A is B")
	g.Members[0].Position.Chunk = 2

	_, err := newRDFProcessor(t, docstore.NewMemoryBackend()).RunFanOut(context.Background(), []Group{g}, (&fakeGenerator{}).generate)
	require.Error(t, err)
}

func TestCombinedCID(t *testing.T) {
	members := statementGroup(1, "", "A is B", "C is D").Members
	want := cid.Combine([]string{cid.ComputeString("A is B"), cid.ComputeString("C is D")})
	assert.Equal(t, want, CombinedCID(members))

	members[0], members[1] = members[1], members[0]
	assert.NotEqual(t, want, CombinedCID(members), "order matters")
}
