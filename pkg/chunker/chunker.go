// Package chunker splits article sections into sentence-aligned,
// token-bounded chunks.
package chunker

import (
	"slices"
	"strings"
	"unicode"

	"github.com/dan-solli/ontograph/pkg/cid"
)

// Chunk represents a single chunk of text with metadata
type Chunk struct {
	ID         string // CID of Text
	Text       string
	Index      int
	TokenCount int
}

// Chunker splits text into chunks with sentence boundary awareness.
// Paragraph breaks inside a chunk are kept.
type Chunker struct {
	MaxTokens int // Maximum tokens per chunk (default: 512)
	Overlap   int // Token overlap between chunks (default: none)
	Counter   TokenCounter
}

type sentence struct {
	text      string
	paraStart bool
}

func (c *Chunker) counter() TokenCounter {
	if c.Counter == nil {
		return WordCounter{}
	}
	return c.Counter
}

// Chunk splits the input text into chunks
func (c *Chunker) Chunk(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return []Chunk{}
	}

	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	counter := c.counter()

	sentences := splitParagraphs(text)
	if len(sentences) == 0 {
		return []Chunk{}
	}

	var (
		chunks            []Chunk
		current           []sentence
		currentTokenCount int
	)
	flush := func() {
		chunkText := joinSentences(current)
		chunks = append(chunks, Chunk{
			ID:         cid.ComputeString(chunkText),
			Text:       chunkText,
			Index:      len(chunks),
			TokenCount: currentTokenCount,
		})
	}

	for _, s := range sentences {
		sentenceTokens := counter.Count(s.text)

		// If adding this sentence would exceed max tokens, finalize current chunk
		if currentTokenCount+sentenceTokens > maxTokens && len(current) > 0 {
			flush()

			current = overlapSentences(current, c.Overlap, counter)
			currentTokenCount = 0
			for _, o := range current {
				currentTokenCount += counter.Count(o.text)
			}
		}

		current = append(current, s)
		currentTokenCount += sentenceTokens
	}

	if len(current) > 0 {
		flush()
	}
	return chunks
}

// splitParagraphs splits text on blank lines, then each paragraph into
// sentences. Lines inside a paragraph are joined with spaces unless the
// paragraph is a list or table, which is kept as one unit.
func splitParagraphs(text string) []sentence {
	var out []sentence
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if isBlock(para) {
			out = append(out, sentence{text: para, paraStart: true})
			continue
		}
		for i, s := range splitSentences(strings.Join(strings.Fields(para), " ")) {
			out = append(out, sentence{text: s, paraStart: i == 0})
		}
	}
	return out
}

// isBlock reports whether a paragraph is a markdown list or table.
func isBlock(para string) bool {
	first := para
	if i := strings.IndexByte(para, '\n'); i >= 0 {
		first = para[:i]
	}
	first = strings.TrimSpace(first)
	return strings.HasPrefix(first, "|") || strings.HasPrefix(first, "- ") || strings.HasPrefix(first, "* ")
}

func joinSentences(ss []sentence) string {
	var b strings.Builder
	for i, s := range ss {
		switch {
		case i == 0:
		case s.paraStart:
			b.WriteString("\n\n")
		default:
			b.WriteByte(' ')
		}
		b.WriteString(s.text)
	}
	return b.String()
}

// splitSentences splits text into sentences based on common terminators
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])

		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				sentence := strings.TrimSpace(current.String())
				if sentence != "" {
					sentences = append(sentences, sentence)
				}
				current.Reset()
			}
		}
	}

	if current.Len() > 0 {
		sentence := strings.TrimSpace(current.String())
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
	}

	// Fallback: if no sentences detected, treat whole text as one sentence
	if len(sentences) == 0 && strings.TrimSpace(text) != "" {
		sentences = append(sentences, strings.TrimSpace(text))
	}

	return sentences
}

// overlapSentences returns the last overlapTokens worth of sentences.
func overlapSentences(sentences []sentence, overlapTokens int, counter TokenCounter) []sentence {
	if overlapTokens <= 0 || len(sentences) == 0 {
		return nil
	}

	totalTokens := 0
	startIdx := len(sentences)

	for i := len(sentences) - 1; i >= 0; i-- {
		tokens := counter.Count(sentences[i].text)
		if totalTokens+tokens > overlapTokens && startIdx != len(sentences) {
			break
		}
		totalTokens += tokens
		startIdx = i
	}

	return slices.Clone(sentences[startIdx:])
}
