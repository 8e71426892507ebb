// Package pipeline runs the stages that turn a Wikipedia article into a
// knowledge graph, one stage document per article and stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/dan-solli/ontograph/pkg/chunker"
	"github.com/dan-solli/ontograph/pkg/config"
	"github.com/dan-solli/ontograph/pkg/embeddings"
	"github.com/dan-solli/ontograph/pkg/ingest"
	"github.com/dan-solli/ontograph/pkg/llm"
	"github.com/dan-solli/ontograph/pkg/metrics"
	"github.com/dan-solli/ontograph/pkg/registry"
	"github.com/dan-solli/ontograph/pkg/schema"
	"github.com/dan-solli/ontograph/pkg/store"
	"github.com/dan-solli/ontograph/pkg/trace"
)

const defaultOllamaURL = "http://localhost:11434"

// ErrMissingUpstream is returned when a stage runs before the stage it
// reads from has produced anything.
var ErrMissingUpstream = errors.New("upstream stage has no output")

// Fetcher supplies article text. *ingest.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, title string) (*ingest.Article, error)
	LoadFile(path, title string) (*ingest.Article, error)
}

// Options overrides the collaborators New would otherwise build from the
// configuration. Zero fields are built on demand.
type Options struct {
	LLM      llm.ToolClient
	Embedder embeddings.EmbeddingClient
	Fetcher  Fetcher
	Library  *schema.Library
	Metrics  metrics.Collector
	Tracer   trace.Exporter
	Logger   *slog.Logger
}

// Pipeline runs stages for articles under one configuration. All stage runs
// of a Pipeline share one run ID.
type Pipeline struct {
	cfg     *config.Config
	runID   string
	chunker *chunker.Chunker
	library *schema.Library
	db      *store.SQLiteStore

	llm      llm.ToolClient
	embedder embeddings.EmbeddingClient
	fetcher  Fetcher
	metrics  metrics.Collector
	tracer   trace.Exporter
	logger   *slog.Logger

	indexTried bool
}

// New creates a pipeline and opens its database. The LLM client is only
// built when a stage first needs it, so commands that never call a model
// work without credentials.
func New(cfg *config.Config, opts Options) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	counter, err := chunker.NewCounter(cfg.Chunking.Counter, cfg.Chunking.Encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to create token counter: %w", err)
	}

	lib := opts.Library
	if lib == nil {
		lib = schema.Default()
		if cfg.Schema.Library != "" {
			if lib, err = schema.Load(cfg.Schema.Library); err != nil {
				return nil, fmt.Errorf("failed to load schema library: %w", err)
			}
		}
	}

	dbPath := cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:   cfg,
		runID: uuid.NewString(),
		chunker: &chunker.Chunker{
			MaxTokens: cfg.Chunking.MaxTokens,
			Overlap:   cfg.Chunking.Overlap,
			Counter:   counter,
		},
		library:  lib,
		db:       db,
		llm:      opts.LLM,
		embedder: opts.Embedder,
		fetcher:  opts.Fetcher,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   opts.Logger,
	}
	if p.metrics == nil {
		p.metrics = metrics.NewNoopCollector()
	}
	if p.tracer == nil {
		p.tracer = &trace.NoopExporter{}
		if cfg.Telemetry.TraceFile != "" {
			p.tracer, err = trace.NewFileExporter(cfg.Telemetry.TraceFile, trace.FileExporterOptions{
				MaxSizeBytes:    cfg.Telemetry.TraceMaxSizeBytes,
				MaxRotatedFiles: cfg.Telemetry.TraceMaxFiles,
			})
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to open trace file: %w", err)
			}
		}
	}
	if p.fetcher == nil {
		client := ingest.NewClient(cfg.Ingest.BaseURL).WithLogger(p.getLogger())
		client.MaxChars = cfg.Ingest.MaxChars
		p.fetcher = client
	}
	return p, nil
}

// WithLogger sets the logger.
func (p *Pipeline) WithLogger(logger *slog.Logger) *Pipeline {
	p.logger = logger
	return p
}

func (p *Pipeline) getLogger() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// RunID identifies the stage runs of this pipeline in signatures, traces
// and the run ledger.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() *config.Config {
	return p.cfg
}

// Close flushes the trace exporter and closes the database.
func (p *Pipeline) Close() error {
	return errors.Join(p.tracer.Close(), p.db.Close())
}

// client returns the chat model, building it from the configuration on
// first use.
func (p *Pipeline) client() (llm.ToolClient, error) {
	if p.llm != nil {
		return p.llm, nil
	}
	if err := p.cfg.CheckCredentials(); err != nil {
		return nil, err
	}
	c := p.cfg.LLM
	switch c.Provider {
	case config.ProviderOllama:
		client, err := llm.NewOllamaClient(firstNonEmpty(c.BaseURL, defaultOllamaURL), c.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create llm client: %w", err)
		}
		p.llm = client.WithLogger(p.getLogger())
	default:
		p.llm = llm.NewOpenAILLM(c.APIKey, c.BaseURL, c.Model).WithLogger(p.getLogger())
	}
	return p.llm, nil
}

func (p *Pipeline) embeddingClient() (embeddings.EmbeddingClient, error) {
	if p.embedder != nil {
		return p.embedder, nil
	}
	c := p.cfg.Embeddings
	switch firstNonEmpty(c.Provider, p.cfg.LLM.Provider) {
	case config.ProviderOllama:
		client, err := embeddings.NewOllamaClient(firstNonEmpty(c.BaseURL, defaultOllamaURL), c.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding client: %w", err)
		}
		p.embedder = client
	default:
		client := embeddings.NewOpenAIClient(p.cfg.LLM.APIKey, c.BaseURL)
		if c.Model != "" {
			client.Model = c.Model
		}
		p.embedder = client
	}
	return p.embedder, nil
}

// schemaLibrary returns the library, indexed with embeddings when they are
// enabled. Indexing is attempted once; a failure leaves lexical search.
func (p *Pipeline) schemaLibrary(ctx context.Context) *schema.Library {
	if p.indexTried || !p.cfg.Embeddings.Enabled || p.library.Indexed() {
		return p.library
	}
	p.indexTried = true

	embedder, err := p.embeddingClient()
	if err == nil {
		err = p.library.BuildIndex(ctx, embedder)
	}
	if err != nil {
		p.getLogger().Warn("schema index unavailable, using lexical search", "error", err)
	}
	return p.library
}

// Article identifies the documents of one article.
type Article struct {
	Title string
	// Slug names the article's directory and documents.
	Slug string
	Dir  string
}

// Article resolves title to its location under the output directory.
func (p *Pipeline) Article(title string) (Article, error) {
	title = strings.TrimSpace(title)
	slug := registry.Normalize(title)
	if slug == "" {
		return Article{}, fmt.Errorf("invalid article title %q", title)
	}
	return Article{
		Title: title,
		Slug:  slug,
		Dir:   filepath.Join(p.cfg.Output.Dir, slug),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
