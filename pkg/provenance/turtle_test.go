package provenance

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	cidA = strings.Repeat("a", 64)
	cidB = strings.Repeat("b", 64)
	cidC = strings.Repeat("c", 64)
	cidD = strings.Repeat("d", 64)
)

func mustNew(t *testing.T, kind Kind, out, from string, pos Position, opts ...Option) Signature {
	t.Helper()
	s, err := New(kind, out, from, pos, opts...)
	require.NoError(t, err)
	return s
}

func TestWriteTurtle_Golden(t *testing.T) {
	sigs := []Signature{
		mustNew(t, KindSource, cidA, "", Position{}),
		mustNew(t, KindChunk, cidB, cidA, Position{Chunk: 1}),
		mustNew(t, KindRDF, cidC, cidB, Position{Chunk: 1, Statement: 2}, WithLabel(`Statement "quoted"`)),
		mustNew(t, KindStatements, cidD, cidB, Position{Chunk: 1}, Failed("timeout")),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTurtle(&buf, sigs, TurtleOptions{Title: "Albert Einstein"}))

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "provenance", buf.Bytes())
}

func TestWriteTurtle_IncludeErrors(t *testing.T) {
	sigs := []Signature{
		mustNew(t, KindStatements, cidD, cidB, Position{Chunk: 1}, Failed("timeout")),
	}

	var without, with bytes.Buffer
	require.NoError(t, WriteTurtle(&without, sigs, TurtleOptions{}))
	require.NoError(t, WriteTurtle(&with, sigs, TurtleOptions{IncludeErrors: true}))

	assert.NotContains(t, without.String(), cidD)
	assert.Contains(t, with.String(), "<ipfs://"+cidD+">")
	assert.True(t, strings.HasPrefix(without.String(), "# Provenance metadata"))
}

func TestTurtleString_Escapes(t *testing.T) {
	assert.Equal(t, `"a\\b \"c\" \nd"`, turtleString("a\\b \"c\" \nd"))
}
