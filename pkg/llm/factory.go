package llm

import (
	"fmt"

	"github.com/xhad/isoassist/internal/types"
	"github.com/xhad/isoassist/pkg/config"
)

// NewGenerator builds the answer generator selected by cfg.
func NewGenerator(cfg config.LLMConfig) (types.Generator, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		engine, err := NewWithConfig(ChatConfig{
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			BaseURL:     cfg.BaseURL,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return engine, nil
	case config.ProviderOpenAI:
		client, err := NewOpenAIClient(OpenAIConfig{
			Service:     "llm",
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			ChatModel:   cfg.Model,
			Temperature: float32(cfg.Temperature),
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// NewEmbedder builds the embedding provider selected by cfg.
func NewEmbedder(cfg config.EmbeddingConfig) (types.Embedder, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		emb, err := NewEmbedderWithConfig(EmbedderConfig{
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return emb, nil
	case config.ProviderOpenAI:
		client, err := NewOpenAIClient(OpenAIConfig{
			Service:        "embedding",
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			EmbeddingModel: cfg.Model,
			Dimensions:     cfg.Dimensions,
			Timeout:        cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
