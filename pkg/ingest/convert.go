// Package ingest fetches Wikipedia articles and converts them to markdown
// with entity links kept as absolute wiki URLs.
package ingest

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

// Elements that carry no article prose.
var removeSelectors = []string{
	"script", "style", "link", "meta", "noscript",
	"sup.reference", "sup.mw-ref", "span.mw-editsection",
	"div.mw-references-wrap", "ol.references", "div.reflist",
	"div.navbox", "table.navbox", "div.hatnote", "div.shortdescription",
	"table.infobox", "table.sidebar", "div.thumb", "figure", "span.mw-empty-elt",
	"table.metadata", "div.toc", "#toc",
}

// Trailing sections dropped with everything under them.
var dropSections = map[string]bool{
	"references":      true,
	"notes":           true,
	"citations":       true,
	"sources":         true,
	"external links":  true,
	"further reading": true,
	"bibliography":    true,
}

// Namespaced link targets that are not articles.
var skipNamespaces = map[string]bool{
	"file": true, "image": true, "category": true, "wikipedia": true, "template": true,
	"help": true, "portal": true, "special": true, "talk": true, "user": true,
}

// Document is converted article content.
type Document struct {
	Title    string
	Markdown string
}

// Converter turns Wikipedia HTML into markdown.
type Converter struct {
	baseURL string
	conv    *md.Converter
}

// NewConverter creates a converter that rewrites wiki links under baseURL.
func NewConverter(baseURL string) *Converter {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &Converter{baseURL: strings.TrimRight(baseURL, "/"), conv: conv}
}

// Convert parses HTML from r and returns its title and markdown body.
func (c *Converter) Convert(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	title := extractHTMLTitle(root)

	doc := goquery.NewDocumentFromNode(root)
	c.clean(doc)

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	markdown := cleanMarkdown(c.conv.Convert(body))
	if title == "" {
		title = extractMarkdownTitle(markdown)
	}
	return &Document{Title: title, Markdown: markdown}, nil
}

func (c *Converter) clean(doc *goquery.Document) {
	doc.Find(strings.Join(removeSelectors, ", ")).Remove()

	doc.Find("section").Each(func(_ int, s *goquery.Selection) {
		heading := s.ChildrenFiltered("h2, h3").First()
		if dropSections[strings.ToLower(strings.TrimSpace(heading.Text()))] {
			s.Remove()
		}
	})

	doc.Find("a").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		target, ok := c.rewriteLink(href)
		if !ok {
			unwrap(a)
			return
		}
		a.SetAttr("href", target)
		a.RemoveAttr("title")
	})
}

// rewriteLink maps article links to absolute wiki URLs. ok is false for
// links that should become plain text: same-page anchors, namespaced pages
// and missing hrefs. External links are kept as they are.
func (c *Converter) rewriteLink(href string) (string, bool) {
	var page string
	switch {
	case href == "" || strings.HasPrefix(href, "#"):
		return "", false
	case strings.HasPrefix(href, "./"):
		page = strings.TrimPrefix(href, "./")
	case strings.HasPrefix(href, "/wiki/"):
		page = strings.TrimPrefix(href, "/wiki/")
	case strings.HasPrefix(href, c.baseURL+"/wiki/"):
		page = strings.TrimPrefix(href, c.baseURL+"/wiki/")
	case strings.HasPrefix(href, "http://"), strings.HasPrefix(href, "https://"):
		return href, true
	default:
		return "", false
	}

	page, _, _ = strings.Cut(page, "#")
	page, _, _ = strings.Cut(page, "?")
	if page == "" {
		return "", false
	}
	if ns, _, found := strings.Cut(page, ":"); found && skipNamespaces[strings.ToLower(ns)] {
		return "", false
	}
	return c.baseURL + "/wiki/" + page, true
}

func unwrap(s *goquery.Selection) {
	if s.Contents().Length() == 0 {
		s.Remove()
		return
	}
	s.Contents().Unwrap()
}

// extractHTMLTitle returns the text of the first <title> element.
func extractHTMLTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if title := extractHTMLTitle(c); title != "" {
			return title
		}
	}
	return ""
}

// extractMarkdownTitle extracts the first H1 heading from markdown.
func extractMarkdownTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

// cleanMarkdown trims trailing blanks from lines and collapses runs of
// blank lines.
func cleanMarkdown(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	content = strings.Join(lines, "\n")
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

// truncate cuts s to at most maxChars runes. Zero means no limit.
func truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i]
		}
		n++
	}
	return s
}
