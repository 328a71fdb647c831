package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/xhad/isoassist/internal/types"
	"github.com/xhad/isoassist/pkg/errs"
)

// OpenAIConfig configures a client for any OpenAI-compatible API (OpenAI,
// Jina embeddings, Groq).
type OpenAIConfig struct {
	Service        string
	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
	Dimensions     int
	Temperature    float32
	MaxTokens      int
	SystemPrompt   string
	Timeout        time.Duration
}

// OpenAIClient implements both types.Embedder and types.Generator.
type OpenAIClient struct {
	client *openai.Client
	config OpenAIConfig
}

func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if config.Service == "" {
		config.Service = "openai"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

func (c *OpenAIClient) Embed(ctx context.Context, texts []string) (types.EmbedResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      openai.EmbeddingModel(c.config.EmbeddingModel),
		Dimensions: c.config.Dimensions,
	})
	if err != nil {
		return types.EmbedResult{}, c.classify(err)
	}

	if len(resp.Data) != len(texts) {
		return types.EmbedResult{}, errs.FromError(c.config.Service,
			fmt.Errorf("%w: got %d vectors for %d texts", errs.ErrNoEmbedding, len(resp.Data), len(texts)))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return types.EmbedResult{}, errs.FromError(c.config.Service,
				fmt.Errorf("%w: index %d out of range", errs.ErrNoEmbedding, d.Index))
		}
		vectors[d.Index] = d.Embedding
	}

	model := string(resp.Model)
	if model == "" {
		model = c.config.EmbeddingModel
	}
	return types.EmbedResult{
		Vectors:    vectors,
		TokensUsed: resp.Usage.TotalTokens,
		Model:      model,
	}, nil
}

func (c *OpenAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var messages []openai.ChatCompletionMessage
	if c.config.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.config.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.config.ChatModel,
		Messages:    messages,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
	})
	if err != nil {
		return "", c.classify(err)
	}

	if len(resp.Choices) == 0 {
		return "", errs.FromError(c.config.Service, errors.New("no completion choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

// classify maps go-openai failures onto retryable and terminal errors.
func (c *OpenAIClient) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && (apiErr.Type == "insufficient_quota" || fmt.Sprint(apiErr.Code) == "insufficient_quota") {
		// OpenAI reports an exhausted quota as a 429.
		return &errs.ExternalServiceError{
			Service:    c.config.Service,
			Kind:       errs.Terminal,
			StatusCode: apiErr.HTTPStatusCode,
			Err:        fmt.Errorf("%w: %v", errs.ErrQuotaExceeded, err),
		}
	}
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return errs.FromStatus(c.config.Service, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return errs.FromStatus(c.config.Service, reqErr.HTTPStatusCode, err)
	}
	return errs.FromError(c.config.Service, err)
}
