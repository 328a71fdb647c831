package errs_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xhad/isoassist/pkg/errs"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		kind     errs.Kind
		sentinel error
	}{
		{"payment required is quota", 402, errs.Terminal, errs.ErrQuotaExceeded},
		{"unauthorized", 401, errs.Terminal, errs.ErrUnauthorized},
		{"forbidden", 403, errs.Terminal, errs.ErrUnauthorized},
		{"rate limited", 429, errs.Retryable, nil},
		{"server error", 503, errs.Retryable, nil},
		{"timeout", 408, errs.Retryable, nil},
		{"bad request", 400, errs.Terminal, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := errs.FromStatus("embeddings", tt.status, errors.New("boom"))
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.status, err.StatusCode)
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
		})
	}
}

func TestFromError(t *testing.T) {
	assert.True(t, errs.IsRetryable(errs.FromError("llm", context.DeadlineExceeded)))
	assert.True(t, errs.IsTerminal(errs.FromError("llm", context.Canceled)))

	inner := errs.FromStatus("llm", 402, errors.New("no credit"))
	wrapped := fmt.Errorf("batch 3: %w", inner)
	assert.Same(t, inner, errs.FromError("llm", wrapped))
	assert.True(t, errs.IsTerminal(wrapped))
	assert.False(t, errs.IsRetryable(wrapped))
}

func TestRetrievalErrorUnwraps(t *testing.T) {
	ext := errs.FromStatus("embeddings", 500, errors.New("down"))
	err := &errs.RetrievalError{Op: "embed query", Err: ext}

	var target *errs.ExternalServiceError
	assert.ErrorAs(t, err, &target)
	assert.Contains(t, err.Error(), "embed query")
}

func TestDataIntegrityError(t *testing.T) {
	err := &errs.DataIntegrityError{DocumentID: 4, Reason: "empty vocabulary"}
	assert.Equal(t, "data integrity: document 4: empty vocabulary", err.Error())

	err = &errs.DataIntegrityError{DocumentID: 4, ChunkID: 9, Reason: "orphaned chunk"}
	assert.Equal(t, "data integrity: document 4 chunk 9: orphaned chunk", err.Error())
}
