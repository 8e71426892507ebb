// Package config provides configuration loading and management for ontograph.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendNotebook = "notebook"
	BackendSQLite   = "sqlite"
)

// LLM and embedding providers
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Config represents the complete ontograph configuration
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Stages     StagesConfig     `yaml:"stages"`
	Schema     SchemaConfig     `yaml:"schema"`
	RDF        RDFConfig        `yaml:"rdf"`
	Output     OutputConfig     `yaml:"output"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// LLMConfig configures the chat model used by every LLM stage
type LLMConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "ollama"
	Provider string `yaml:"provider" validate:"required,oneof=openai ollama"`
	// Model is the chat model name (default: "gpt-4o-mini")
	Model string `yaml:"model" validate:"required"`
	// BaseURL overrides the provider endpoint
	BaseURL string `yaml:"base_url,omitempty" validate:"omitempty,url"`
	// APIKey is read from OPENAI_API_KEY and never written to disk
	APIKey string `yaml:"-"`
}

// EmbeddingsConfig configures the embedding model used for schema retrieval
type EmbeddingsConfig struct {
	// Enabled turns on embedding search over the schema library; without it
	// the first top_k terms are offered
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider" validate:"omitempty,oneof=openai ollama"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url,omitempty" validate:"omitempty,url"`
}

// IngestConfig configures article fetching
type IngestConfig struct {
	// BaseURL is the Wikipedia site (default: https://en.wikipedia.org)
	BaseURL string `yaml:"base_url" validate:"required,url"`
	// MaxChars truncates fetched markdown; 0 keeps everything
	MaxChars int `yaml:"max_chars" validate:"gte=0"`
	// Wikidata enables the QID lookup for the article entity
	Wikidata bool `yaml:"wikidata"`
}

// ChunkingConfig configures section chunking
type ChunkingConfig struct {
	MaxTokens int `yaml:"max_tokens" validate:"gte=1"`
	Overlap   int `yaml:"overlap" validate:"gte=0,ltfield=MaxTokens"`
	// MinTokens drops chunks with fewer tokens than this
	MinTokens int `yaml:"min_tokens" validate:"gte=0"`
	// Counter is "words" or "tiktoken"
	Counter  string `yaml:"counter" validate:"oneof=words tiktoken"`
	Encoding string `yaml:"encoding,omitempty"`
}

// StagesConfig configures the incremental processor shared by all stages
type StagesConfig struct {
	// Timeout bounds each unit of work
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	// Force regenerates every unit regardless of its signature
	Force bool `yaml:"force"`
	// Judge runs the statement quality judge during classification
	Judge bool `yaml:"judge"`
}

// SchemaConfig configures the schema term library
type SchemaConfig struct {
	// Library is a JSON schema library file; empty uses the built-in one
	Library string `yaml:"library,omitempty"`
	// TopK is the number of candidate terms offered per chunk
	TopK int `yaml:"top_k" validate:"gte=1"`
}

// RDFConfig configures RDF generation
type RDFConfig struct {
	// MaxIterations bounds each tool-calling conversation
	MaxIterations int `yaml:"max_iterations" validate:"gte=1"`
	// SkipRejected leaves statements classified BAD out of RDF generation
	SkipRejected bool `yaml:"skip_rejected"`
	// SearchTopK is the number of matches the find tools return
	SearchTopK int `yaml:"search_top_k" validate:"gte=1"`
}

// OutputConfig configures where stage documents are written
type OutputConfig struct {
	// Dir holds one directory per article
	Dir string `yaml:"dir" validate:"required"`
	// Backend is "notebook" (one .ipynb per stage) or "sqlite"
	Backend string `yaml:"backend" validate:"oneof=notebook sqlite"`
	// Database is the SQLite file holding the run ledger, the triple index
	// and, with the sqlite backend, the stage documents. Relative paths are
	// resolved against Dir.
	Database string `yaml:"database" validate:"required"`
}

// TelemetryConfig configures metrics and trace output
type TelemetryConfig struct {
	MetricsFile string `yaml:"metrics_file,omitempty"`
	TraceFile   string `yaml:"trace_file,omitempty"`
	// TraceMaxSizeBytes rotates the trace file; 0 disables rotation
	TraceMaxSizeBytes int64 `yaml:"trace_max_size_bytes" validate:"gte=0"`
	TraceMaxFiles     int   `yaml:"trace_max_files" validate:"gte=0"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: ProviderOpenAI,
			Model:    "gpt-4o-mini",
		},
		Embeddings: EmbeddingsConfig{
			Provider: ProviderOpenAI,
			Model:    "text-embedding-3-small",
		},
		Ingest: IngestConfig{
			BaseURL:  "https://en.wikipedia.org",
			MaxChars: 100000,
			Wikidata: true,
		},
		Chunking: ChunkingConfig{
			MaxTokens: 512,
			Overlap:   0,
			MinTokens: 50,
			Counter:   "words",
		},
		Stages: StagesConfig{
			Timeout: 5 * time.Minute,
		},
		Schema: SchemaConfig{
			TopK: 20,
		},
		RDF: RDFConfig{
			MaxIterations: 10,
			SkipRejected:  true,
			SearchTopK:    5,
		},
		Output: OutputConfig{
			Dir:      "output",
			Backend:  BackendNotebook,
			Database: "ontograph.db",
		},
		Telemetry: TelemetryConfig{
			TraceMaxSizeBytes: 10 << 20,
			TraceMaxFiles:     3,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CheckCredentials reports a missing API key for providers that need one.
// Only commands that call a model check it.
func (c *Config) CheckCredentials() error {
	if c.LLM.Provider == ProviderOpenAI && c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
		return errors.New("invalid config: OPENAI_API_KEY is required for the openai provider")
	}
	return nil
}

// Load loads configuration from a YAML file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Save saves configuration to a YAML file
func (c *Config) Save(path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values). Booleans can only be switched on by a merge.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// LLM
	mergeString(&c.LLM.Provider, other.LLM.Provider)
	mergeString(&c.LLM.Model, other.LLM.Model)
	mergeString(&c.LLM.BaseURL, other.LLM.BaseURL)
	mergeString(&c.LLM.APIKey, other.LLM.APIKey)

	// Embeddings
	c.Embeddings.Enabled = c.Embeddings.Enabled || other.Embeddings.Enabled
	mergeString(&c.Embeddings.Provider, other.Embeddings.Provider)
	mergeString(&c.Embeddings.Model, other.Embeddings.Model)
	mergeString(&c.Embeddings.BaseURL, other.Embeddings.BaseURL)

	// Ingest
	mergeString(&c.Ingest.BaseURL, other.Ingest.BaseURL)
	mergeInt(&c.Ingest.MaxChars, other.Ingest.MaxChars)

	// Chunking
	mergeInt(&c.Chunking.MaxTokens, other.Chunking.MaxTokens)
	mergeInt(&c.Chunking.Overlap, other.Chunking.Overlap)
	mergeInt(&c.Chunking.MinTokens, other.Chunking.MinTokens)
	mergeString(&c.Chunking.Counter, other.Chunking.Counter)
	mergeString(&c.Chunking.Encoding, other.Chunking.Encoding)

	// Stages
	if other.Stages.Timeout != 0 {
		c.Stages.Timeout = other.Stages.Timeout
	}
	c.Stages.Force = c.Stages.Force || other.Stages.Force
	c.Stages.Judge = c.Stages.Judge || other.Stages.Judge

	// Schema
	mergeString(&c.Schema.Library, other.Schema.Library)
	mergeInt(&c.Schema.TopK, other.Schema.TopK)

	// RDF
	mergeInt(&c.RDF.MaxIterations, other.RDF.MaxIterations)
	mergeInt(&c.RDF.SearchTopK, other.RDF.SearchTopK)

	// Output
	mergeString(&c.Output.Dir, other.Output.Dir)
	mergeString(&c.Output.Backend, other.Output.Backend)
	mergeString(&c.Output.Database, other.Output.Database)

	// Telemetry
	mergeString(&c.Telemetry.MetricsFile, other.Telemetry.MetricsFile)
	mergeString(&c.Telemetry.TraceFile, other.Telemetry.TraceFile)
	if other.Telemetry.TraceMaxSizeBytes != 0 {
		c.Telemetry.TraceMaxSizeBytes = other.Telemetry.TraceMaxSizeBytes
	}
	mergeInt(&c.Telemetry.TraceMaxFiles, other.Telemetry.TraceMaxFiles)
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// DatabasePath returns the SQLite path, resolved against the output
// directory when relative.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Output.Database) {
		return c.Output.Database
	}
	return filepath.Join(c.Output.Dir, c.Output.Database)
}
