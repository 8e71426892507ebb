package schema

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/dan-solli/ontograph/pkg/embeddings"
)

// Match is a term with its similarity to a query.
type Match struct {
	Term  Term
	Curie string
	Score float64
}

// Index is an in-memory embedding index over a library's terms.
type Index struct {
	embedder embeddings.EmbeddingClient
	terms    []Term
	vectors  [][]float32
}

// BuildIndex embeds every term of the library. Until an index is built,
// searches fall back to library order and word overlap.
func (l *Library) BuildIndex(ctx context.Context, embedder embeddings.EmbeddingClient) error {
	terms := append(l.Classes(), l.properties...)
	texts := make([]string, len(terms))
	for i, t := range terms {
		texts[i] = t.SearchText()
	}

	vectors, err := embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed schema terms: %w", err)
	}
	if len(vectors) != len(terms) {
		return fmt.Errorf("embed schema terms: got %d vectors for %d terms", len(vectors), len(terms))
	}
	l.index = &Index{embedder: embedder, terms: terms, vectors: vectors}
	return nil
}

// Indexed reports whether BuildIndex has run since the last change.
func (l *Library) Indexed() bool { return l.index != nil }

// search ranks the indexed terms of kind against query. Terms scoring 0 or
// less are dropped.
func (ix *Index) search(ctx context.Context, query string, kind Kind, topK int) ([]Match, error) {
	q, err := ix.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var results []Match
	for i, t := range ix.terms {
		if kind != "" && t.Kind != kind {
			continue
		}
		if score := CosineSimilarity(q, ix.vectors[i]); score > 0 {
			results = append(results, Match{Term: t, Score: score})
		}
	}
	return topMatches(results, topK), nil
}

func topMatches(results []Match, topK int) []Match {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// words splits text into lowercase alphanumeric words. camelCase labels
// are split at case changes so "birthDate" matches "birth date".
func words(text string) []string {
	var (
		out []string
		cur []rune
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	var prev rune
	for _, r := range text {
		switch {
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			flush()
			cur = append(cur, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur = append(cur, r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return out
}

// overlapScore is the fraction of query words found in text.
func overlapScore(query, text string) float64 {
	q := words(query)
	if len(q) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, w := range words(text) {
		have[w] = true
	}
	hits := 0
	for _, w := range q {
		if have[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(q))
}

func lexicalSearch(terms []Term, query string, topK int) []Match {
	var results []Match
	for _, t := range terms {
		if score := overlapScore(query, t.SearchText()); score > 0 {
			results = append(results, Match{Term: t, Score: score})
		}
	}
	return topMatches(results, topK)
}
