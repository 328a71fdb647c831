package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/xhad/isoassist/internal/types"
	"github.com/xhad/isoassist/pkg/errs"
)

// EmbedderConfig configures the Ollama embedder.
type EmbedderConfig struct {
	Model   string
	BaseURL string // Ollama server URL
	Timeout time.Duration
}

// embeddingModel is the part of the Ollama client the embedder uses.
type embeddingModel interface {
	CreateEmbedding(ctx context.Context, inputTexts []string) ([][]float32, error)
}

// Embedder creates vectors with a local Ollama embedding model.
type Embedder struct {
	config EmbedderConfig
	model  embeddingModel
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	// Validate and set default values for config fields if necessary
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest" // Default Ollama model
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	emb, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	return &Embedder{config: config, model: emb}, nil
}

// Embed returns one vector per text. Ollama does not report token usage.
func (e *Embedder) Embed(ctx context.Context, texts []string) (types.EmbedResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	vectors, err := e.model.CreateEmbedding(ctx, texts)
	if err != nil {
		return types.EmbedResult{}, errs.FromError(ollamaService, err)
	}
	if len(vectors) != len(texts) {
		return types.EmbedResult{}, errs.FromError(ollamaService,
			fmt.Errorf("%w: got %d vectors for %d texts", errs.ErrNoEmbedding, len(vectors), len(texts)))
	}

	return types.EmbedResult{Vectors: vectors, Model: e.config.Model}, nil
}
