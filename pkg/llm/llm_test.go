package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/isoassist/pkg/config"
	"github.com/xhad/isoassist/pkg/errs"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewOpenAIClient(OpenAIConfig{
		Service:        "embedding",
		APIKey:         "test-key",
		BaseURL:        srv.URL + "/v1",
		ChatModel:      "test-chat",
		EmbeddingModel: "jina-embeddings-v3",
		Dimensions:     3,
		Timeout:        5 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestOpenAIEmbed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Input      []string `json:"input"`
			Model      string   `json:"model"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"first", "second"}, req.Input)
		assert.Equal(t, "jina-embeddings-v3", req.Model)
		assert.Equal(t, 3, req.Dimensions)

		w.Header().Set("Content-Type", "application/json")
		// returned out of order on purpose
		_, _ = w.Write([]byte(`{
			"object": "list",
			"model": "jina-embeddings-v3",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0, 1, 0]},
				{"object": "embedding", "index": 0, "embedding": [1, 0, 0]}
			],
			"usage": {"prompt_tokens": 6, "total_tokens": 6}
		}`))
	})

	res, err := client.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, res.Vectors)
	assert.Equal(t, 6, res.TokensUsed)
	assert.Equal(t, "jina-embeddings-v3", res.Model)
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		sentinel  error
	}{
		{"quota", http.StatusPaymentRequired, false, errs.ErrQuotaExceeded},
		{"unauthorized", http.StatusUnauthorized, false, errs.ErrUnauthorized},
		{"rate limited", http.StatusTooManyRequests, true, nil},
		{"server error", http.StatusBadGateway, true, nil},
		{"bad request", http.StatusBadRequest, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error": {"message": "nope", "type": "test"}}`))
			})
			client.config.Timeout = time.Second

			_, err := client.Embed(context.Background(), []string{"x"})
			require.Error(t, err)

			var ext *errs.ExternalServiceError
			require.ErrorAs(t, err, &ext)
			assert.Equal(t, tt.status, ext.StatusCode)
			assert.Equal(t, tt.retryable, errs.IsRetryable(err))
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
		})
	}
}

func TestOpenAIInsufficientQuotaIsTerminal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "quota", "type": "insufficient_quota", "code": "insufficient_quota"}}`))
	})

	_, err := client.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, errs.IsTerminal(err))
	assert.ErrorIs(t, err, errs.ErrQuotaExceeded)
}

func TestOpenAIEmbedCountMismatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object": "list", "data": [], "usage": {"total_tokens": 0}}`))
	})

	_, err := client.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, errs.ErrNoEmbedding)
}

func TestOpenAIGenerate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "1",
			"object": "chat.completion",
			"model": "test-chat",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Register first."}, "finish_reason": "stop"}]
		}`))
	})

	out, err := client.Generate(context.Background(), "How do I register?")
	require.NoError(t, err)
	assert.Equal(t, "Register first.", out)
}

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	assert.Error(t, err)
}

// fakeModel is an llms.Model that answers from a fixed response.
type fakeModel struct {
	response *llms.ContentResponse
	err      error
	messages []llms.MessageContent
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	return f.response, f.err
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestChatEngineGenerate(t *testing.T) {
	model := &fakeModel{response: &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: "an answer"}},
	}}
	engine := newChatEngine(ChatConfig{SystemTemplate: "system", Timeout: time.Second}, model)

	out, err := engine.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "an answer", out)
	require.Len(t, model.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[1].Role)
}

func TestChatEngineGenerateErrors(t *testing.T) {
	engine := newChatEngine(ChatConfig{Timeout: time.Second}, &fakeModel{err: errors.New("connection refused")})
	_, err := engine.Generate(context.Background(), "prompt")
	assert.True(t, errs.IsRetryable(err))

	engine = newChatEngine(ChatConfig{Timeout: time.Second}, &fakeModel{response: &llms.ContentResponse{}})
	_, err = engine.Generate(context.Background(), "prompt")
	assert.Error(t, err)
}

func TestNewWithConfig(t *testing.T) {
	engine, err := NewWithConfig(ChatConfig{
		Model:       "testmodel",
		Temperature: 0.5,
		MaxTokens:   1000,
		BaseURL:     "http://localhost:1234",
	})
	assert.NoError(t, err)
	assert.NotNil(t, engine)

	_, err = NewWithConfig(ChatConfig{Temperature: 3})
	assert.Error(t, err)

	_, err = NewWithConfig(ChatConfig{MaxTokens: -1})
	assert.Error(t, err)
}

func TestFactories(t *testing.T) {
	gen, err := NewGenerator(config.LLMConfig{Provider: config.ProviderOllama, Model: "mistral", Temperature: 0.7})
	require.NoError(t, err)
	assert.IsType(t, &ChatEngine{}, gen)

	gen, err = NewGenerator(config.LLMConfig{Provider: config.ProviderOpenAI, APIKey: "k", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, gen)

	emb, err := NewEmbedder(config.EmbeddingConfig{Provider: config.ProviderOllama})
	require.NoError(t, err)
	assert.IsType(t, &Embedder{}, emb)

	_, err = NewEmbedder(config.EmbeddingConfig{Provider: "cohere"})
	assert.Error(t, err)
	_, err = NewGenerator(config.LLMConfig{Provider: "bedrock"})
	assert.Error(t, err)
}
