package ingest

import (
	"net/url"
	"regexp"
	"strings"
)

// Link is a markdown link to a wiki article.
type Link struct {
	Label string
	URL   string
}

// Title returns the article title the link points at.
func (l Link) Title() string {
	i := strings.LastIndex(l.URL, "/wiki/")
	if i < 0 {
		return ""
	}
	page := l.URL[i+len("/wiki/"):]
	if unescaped, err := url.PathUnescape(page); err == nil {
		page = unescaped
	}
	return strings.ReplaceAll(page, "_", " ")
}

var wikiLinkRe = regexp.MustCompile(`\[([^\[\]]+)\]\(((?:https?://[^/\s)]+)?/wiki/[^\s)]+)(?:\s+"[^"]*")?\)`)

// LinksIn returns the wiki links in markdown text, first occurrence of
// each label only. Relative /wiki/ links are resolved against baseURL.
func LinksIn(text, baseURL string) []Link {
	baseURL = strings.TrimRight(baseURL, "/")
	var (
		links []Link
		seen  = make(map[string]bool)
	)
	for _, m := range wikiLinkRe.FindAllStringSubmatch(text, -1) {
		label := strings.TrimSpace(m[1])
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true
		href := m[2]
		if strings.HasPrefix(href, "/wiki/") {
			href = baseURL + href
		}
		links = append(links, Link{Label: label, URL: href})
	}
	return links
}

// FormatLinkContext lists links for a prompt.
func FormatLinkContext(links []Link) string {
	if len(links) == 0 {
		return "No linked entities in this chunk."
	}
	var b strings.Builder
	b.WriteString("Linked entities (use these Wikipedia URLs as entity URIs):")
	for _, l := range links {
		b.WriteString("\n  - [")
		b.WriteString(l.Label)
		b.WriteString("](")
		b.WriteString(l.URL)
		b.WriteString(")")
	}
	return b.String()
}
