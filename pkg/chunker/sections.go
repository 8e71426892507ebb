package chunker

import (
	"fmt"
	"regexp"
	"strings"
)

// Introduction names the text before an article's first heading.
const Introduction = "Introduction"

var (
	wikiHeading = regexp.MustCompile(`^(={2,6})\s*(.+?)\s*(={2,6})\s*$`)
	atxHeading  = regexp.MustCompile(`^(#{1,6})\s+(.+?)(?:\s+#+)?\s*$`)
)

// Section is a run of article text under one heading.
type Section struct {
	Level int
	Title string
	// Breadcrumb is the article title followed by the heading path, e.g.
	// "Albert Einstein > Life and career > Early life".
	Breadcrumb string
	Text       string
}

type crumb struct {
	level int
	title string
}

func parseHeading(line string) (int, string, bool) {
	// RE2 has no backreferences; the closing run must match the opening one.
	if m := wikiHeading.FindStringSubmatch(line); m != nil && len(m[1]) == len(m[3]) {
		return len(m[1]), m[2], true
	}
	if m := atxHeading.FindStringSubmatch(line); m != nil {
		return len(m[1]), m[2], true
	}
	return 0, "", false
}

// ParseSections splits content on markdown (## h) and wikitext (== h ==)
// headings. Text before the first heading is the Introduction section.
// Headings inside fenced code blocks are ignored, as is a level-one
// heading repeating the article title.
func ParseSections(title, content string) []Section {
	var (
		sections []Section
		path     []crumb
		body     strings.Builder
		inFence  bool
		current  = Section{Level: 1, Title: Introduction, Breadcrumb: title + " > " + Introduction}
	)

	flush := func() {
		current.Text = strings.TrimSpace(body.String())
		if current.Text != "" {
			sections = append(sections, current)
		}
		body.Reset()
	}

	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}
		if !inFence {
			if level, heading, ok := parseHeading(line); ok {
				if level == 1 && strings.EqualFold(heading, title) {
					continue
				}
				flush()
				for len(path) > 0 && path[len(path)-1].level >= level {
					path = path[:len(path)-1]
				}
				path = append(path, crumb{level: level, title: heading})
				current = Section{Level: level, Title: heading, Breadcrumb: breadcrumb(title, path)}
				continue
			}
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return sections
}

func breadcrumb(title string, path []crumb) string {
	parts := make([]string, 0, len(path)+1)
	parts = append(parts, title)
	for _, c := range path {
		parts = append(parts, c.title)
	}
	return strings.Join(parts, " > ")
}

// ArticleChunk is one chunk of an article, numbered from 1.
type ArticleChunk struct {
	Number     int
	Total      int
	Section    string
	Breadcrumb string
	Text       string
	TokenCount int
}

// Content renders the chunk as persisted in the chunks document.
func (c ArticleChunk) Content() string {
	return fmt.Sprintf("**Context:** %s\n**Chunk:** %d of %d\n\n---\n\n%s\n", c.Breadcrumb, c.Number, c.Total, c.Text)
}

// SplitArticle chunks every section of an article independently, so no
// chunk spans two sections. Chunks with fewer than minTokens tokens are
// dropped.
func (c *Chunker) SplitArticle(title, content string, minTokens int) []ArticleChunk {
	var out []ArticleChunk
	for _, s := range ParseSections(title, content) {
		for _, ch := range c.Chunk(s.Text) {
			if ch.TokenCount < minTokens {
				continue
			}
			out = append(out, ArticleChunk{
				Section:    s.Title,
				Breadcrumb: s.Breadcrumb,
				Text:       ch.Text,
				TokenCount: ch.TokenCount,
			})
		}
	}
	for i := range out {
		out[i].Number = i + 1
		out[i].Total = len(out)
	}
	return out
}

var contextLine = regexp.MustCompile(`(?m)^\*\*Context:\*\*\s*(.+?)\s*$`)

// ParseChunkContent recovers the breadcrumb and body text from rendered
// chunk content. ok is false when content is not a rendered chunk.
func ParseChunkContent(content string) (breadcrumb, text string, ok bool) {
	m := contextLine.FindStringSubmatch(content)
	if m == nil {
		return "", "", false
	}
	_, body, found := strings.Cut(content, "\n---\n")
	if !found {
		return m[1], "", false
	}
	return m[1], strings.TrimSpace(body), true
}
