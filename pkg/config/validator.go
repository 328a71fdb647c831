package config

import (
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validProvider(p string) bool {
	return p == ProviderOllama || p == ProviderOpenAI
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate LLM config
	if !validProvider(c.LLM.Provider) {
		errors = append(errors, ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("unknown provider %q", c.LLM.Provider),
		})
	}

	if c.LLM.Provider == ProviderOllama && c.LLM.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "Ollama base URL is required",
		})
	}

	if c.LLM.Provider == ProviderOpenAI && c.LLM.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.api_key",
			Message: "api_key is required for the openai provider",
		})
	}

	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 4096 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be between 1 and 4096",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	if c.LLM.BaseURL != "" {
		if _, err := url.Parse(c.LLM.BaseURL); err != nil {
			errors = append(errors, ValidationError{
				Field:   "llm.base_url",
				Message: "invalid base URL",
			})
		}
	}

	// Validate Embedding config
	if !validProvider(c.Embedding.Provider) {
		errors = append(errors, ValidationError{
			Field:   "embedding.provider",
			Message: fmt.Sprintf("unknown provider %q", c.Embedding.Provider),
		})
	}

	if c.Embedding.Provider == ProviderOpenAI && c.Embedding.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "embedding.api_key",
			Message: "api_key is required for the openai provider",
		})
	}

	if c.Embedding.Dimensions < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.dimensions",
			Message: "dimensions must be positive",
		})
	}

	// Validate Database config
	if c.Database.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "database.url",
			Message: "database URL is required",
		})
	} else if _, err := url.Parse(c.Database.URL); err != nil {
		errors = append(errors, ValidationError{
			Field:   "database.url",
			Message: "invalid database URL",
		})
	}

	if c.Database.MaxConns < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.max_conns",
			Message: "max_conns must be positive",
		})
	}

	// Validate Retrieval config
	if c.Retrieval.DefaultK < 1 || c.Retrieval.DefaultK > c.Retrieval.MaxK {
		errors = append(errors, ValidationError{
			Field:   "retrieval.default_k",
			Message: "default_k must be between 1 and max_k",
		})
	}

	// Validate Backfill config
	if c.Backfill.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "backfill.batch_size",
			Message: "batch_size must be positive",
		})
	}

	if c.Backfill.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "backfill.max_retries",
			Message: "max_retries cannot be negative",
		})
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errors = append(errors, ValidationError{
			Field:   "log.format",
			Message: fmt.Sprintf("unknown log format %q", c.Log.Format),
		})
	}

	return errors
}
