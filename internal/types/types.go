package types

import (
	"context"
)

// Core interfaces

// EmbedResult is what an embedding provider returns for one call.
type EmbedResult struct {
	Vectors    [][]float32
	TokensUsed int
	Model      string
}

// Embedder turns texts into vectors. Failures are *errs.ExternalServiceError.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (EmbedResult, error)
}

// Generator produces free-form text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
