package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultBaseURL is English Wikipedia.
	DefaultBaseURL   = "https://en.wikipedia.org"
	DefaultUserAgent = "ontograph/0.1 (knowledge graph pipeline)"
	DefaultMaxChars  = 100000

	License    = "CC BY-SA 4.0"
	LicenseURL = "https://creativecommons.org/licenses/by-sa/4.0/"

	maxBodyBytes = 32 << 20
)

// ErrArticleNotFound is returned when Wikipedia has no page for a title.
var ErrArticleNotFound = errors.New("article not found")

// Provenance describes where an article's text came from. It is written
// as YAML into the header of every stage document.
type Provenance struct {
	SourceURL     string    `yaml:"source_url"`
	ArticleTitle  string    `yaml:"article_title"`
	WikidataID    string    `yaml:"wikidata_id,omitempty"`
	FetchedAt     time.Time `yaml:"fetched_at"`
	ContentLength int       `yaml:"content_length"`
	Truncated     bool      `yaml:"truncated,omitempty"`
	License       string    `yaml:"license"`
	LicenseURL    string    `yaml:"license_url"`
	Attribution   string    `yaml:"attribution"`
}

// YAML renders p as a YAML document.
func (p Provenance) YAML() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return "", fmt.Errorf("encode provenance: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode provenance: %w", err)
	}
	return buf.String(), nil
}

// ParseProvenance reads a provenance YAML block.
func ParseProvenance(raw string) (Provenance, error) {
	var p Provenance
	if err := yaml.Unmarshal([]byte(raw), &p); err != nil {
		return Provenance{}, fmt.Errorf("parse provenance: %w", err)
	}
	return p, nil
}

// Article is one ingested article.
type Article struct {
	Title      string
	URL        string
	Markdown   string
	Provenance Provenance
}

// Client fetches articles from a MediaWiki site.
type Client struct {
	BaseURL    string
	UserAgent  string
	MaxChars   int
	HTTPClient *http.Client

	logger    *slog.Logger
	converter *Converter
	now       func() time.Time
}

// NewClient creates a client for baseURL, DefaultBaseURL when empty.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		BaseURL:    baseURL,
		UserAgent:  DefaultUserAgent,
		MaxChars:   DefaultMaxChars,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		converter:  NewConverter(baseURL),
		now:        time.Now,
	}
}

// WithLogger sets the logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

func (c *Client) getLogger() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// ArticleURL returns the canonical page URL for title.
func ArticleURL(baseURL, title string) string {
	u := url.URL{Path: "/wiki/" + strings.ReplaceAll(title, " ", "_")}
	return strings.TrimRight(baseURL, "/") + u.EscapedPath()
}

// Fetch downloads the rendered HTML of title through the REST API,
// converts it to markdown and looks up its Wikidata item. A failed
// Wikidata lookup is logged and leaves WikidataID empty.
func (c *Client) Fetch(ctx context.Context, title string) (*Article, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("fetch: title cannot be empty")
	}

	endpoint := c.BaseURL + "/api/rest_v1/page/html/" + url.PathEscape(strings.ReplaceAll(title, " ", "_"))
	body, err := c.get(ctx, endpoint, "text/html")
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", title, err)
	}

	doc, err := c.converter.Convert(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", title, err)
	}
	if doc.Title != "" {
		title = doc.Title
	}

	qid, err := c.WikidataID(ctx, title)
	if err != nil {
		c.getLogger().Warn("wikidata lookup failed", "title", title, "error", err)
	}

	article := c.newArticle(title, ArticleURL(c.BaseURL, title), doc.Markdown)
	article.Provenance.WikidataID = qid
	c.getLogger().Info("article fetched",
		"title", title, "chars", article.Provenance.ContentLength,
		"truncated", article.Provenance.Truncated, "wikidata_id", qid)
	return article, nil
}

func (c *Client) newArticle(title, sourceURL, markdown string) *Article {
	length := utf8.RuneCountInString(markdown)
	text := truncate(markdown, c.MaxChars)
	return &Article{
		Title:    title,
		URL:      sourceURL,
		Markdown: text,
		Provenance: Provenance{
			SourceURL:     sourceURL,
			ArticleTitle:  title,
			FetchedAt:     c.now().UTC().Truncate(time.Second),
			ContentLength: length,
			Truncated:     len(text) < len(markdown),
			License:       License,
			LicenseURL:    LicenseURL,
			Attribution:   fmt.Sprintf("Wikipedia contributors, %q, %s", title, sourceURL),
		},
	}
}

type pagePropsResponse struct {
	Query struct {
		Pages map[string]struct {
			PageProps struct {
				WikibaseItem string `json:"wikibase_item"`
			} `json:"pageprops"`
		} `json:"pages"`
	} `json:"query"`
}

// WikidataID returns the Wikidata QID of title, or "" when it has none.
func (c *Client) WikidataID(ctx context.Context, title string) (string, error) {
	q := url.Values{
		"action":    {"query"},
		"prop":      {"pageprops"},
		"ppprop":    {"wikibase_item"},
		"redirects": {"1"},
		"format":    {"json"},
		"titles":    {title},
	}
	body, err := c.get(ctx, c.BaseURL+"/w/api.php?"+q.Encode(), "application/json")
	if err != nil {
		return "", err
	}

	var resp pagePropsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode pageprops: %w", err)
	}
	for _, page := range resp.Query.Pages {
		if page.PageProps.WikibaseItem != "" {
			return page.PageProps.WikibaseItem, nil
		}
	}
	return "", nil
}

func (c *Client) get(ctx context.Context, endpoint, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", accept)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrArticleNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("content too large (exceeds %d bytes)", maxBodyBytes)
	}
	return body, nil
}

// LoadFile ingests a local HTML or markdown file as an article. HTML is
// recognised by its extension.
func (c *Client) LoadFile(path, title string) (*Article, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	markdown := string(data)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		doc, err := c.converter.Convert(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		markdown = doc.Markdown
		if title == "" {
			title = doc.Title
		}
	default:
		if title == "" {
			title = extractMarkdownTitle(markdown)
		}
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return c.newArticle(title, (&url.URL{Scheme: "file", Path: abs}).String(), strings.TrimSpace(markdown)), nil
}
