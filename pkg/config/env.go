package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ONTOGRAPH_"

// LoadEnv loads .env files into the process environment. Variables that
// are already set win. A missing file is not an error; with no arguments
// ./.env is tried.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overrides c from the environment:
//
//	OPENAI_API_KEY                  llm.api_key
//	ONTOGRAPH_LLM_PROVIDER          llm.provider
//	ONTOGRAPH_LLM_MODEL             llm.model
//	ONTOGRAPH_LLM_BASE_URL          llm.base_url
//	ONTOGRAPH_EMBEDDINGS_ENABLED    embeddings.enabled
//	ONTOGRAPH_EMBEDDINGS_PROVIDER   embeddings.provider
//	ONTOGRAPH_EMBEDDINGS_MODEL      embeddings.model
//	ONTOGRAPH_EMBEDDINGS_BASE_URL   embeddings.base_url
//	ONTOGRAPH_WIKIPEDIA_URL         ingest.base_url
//	ONTOGRAPH_TIMEOUT               stages.timeout
//	ONTOGRAPH_MAX_ITERATIONS        rdf.max_iterations
//	ONTOGRAPH_SKIP_REJECTED         rdf.skip_rejected
//	ONTOGRAPH_OUTPUT_DIR            output.dir
//	ONTOGRAPH_STORE_BACKEND         output.backend
//
// Values that do not parse are ignored.
func ApplyEnv(c *Config) {
	c.LLM.APIKey = getEnvString("OPENAI_API_KEY", c.LLM.APIKey)
	c.LLM.Provider = getEnvString(EnvPrefix+"LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = getEnvString(EnvPrefix+"LLM_MODEL", c.LLM.Model)
	c.LLM.BaseURL = getEnvString(EnvPrefix+"LLM_BASE_URL", c.LLM.BaseURL)

	c.Embeddings.Enabled = getEnvBool(EnvPrefix+"EMBEDDINGS_ENABLED", c.Embeddings.Enabled)
	c.Embeddings.Provider = getEnvString(EnvPrefix+"EMBEDDINGS_PROVIDER", c.Embeddings.Provider)
	c.Embeddings.Model = getEnvString(EnvPrefix+"EMBEDDINGS_MODEL", c.Embeddings.Model)
	c.Embeddings.BaseURL = getEnvString(EnvPrefix+"EMBEDDINGS_BASE_URL", c.Embeddings.BaseURL)

	c.Ingest.BaseURL = getEnvString(EnvPrefix+"WIKIPEDIA_URL", c.Ingest.BaseURL)
	c.Stages.Timeout = getEnvDuration(EnvPrefix+"TIMEOUT", c.Stages.Timeout)
	c.RDF.MaxIterations = getEnvInt(EnvPrefix+"MAX_ITERATIONS", c.RDF.MaxIterations)
	c.RDF.SkipRejected = getEnvBool(EnvPrefix+"SKIP_REJECTED", c.RDF.SkipRejected)
	c.Output.Dir = getEnvString(EnvPrefix+"OUTPUT_DIR", c.Output.Dir)
	c.Output.Backend = getEnvString(EnvPrefix+"STORE_BACKEND", c.Output.Backend)
}

func getEnvString(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
