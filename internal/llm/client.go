package llm

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/metrics"
	"github.com/hs-classifier/backend/pkg/logger"
	"github.com/hs-classifier/backend/pkg/retry"
)

// Completer turns a prompt pair into untrusted model text.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Embedder returns one vector per input text, in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
	// JSON asks the provider for a JSON object response where supported.
	JSON bool
	// Operation labels metrics and logs, e.g. "propose" or "judge".
	Operation string
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
	// MaxAttempts bounds in-client retries of transient failures. The live
	// classification path keeps this at 1.
	MaxAttempts int
}

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	cb             *gobreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, catalog.Configuration("openai api key is not set")
	}
	if opts.EmbeddingModel == "" {
		return nil, catalog.Configuration("embedding model is not set")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	retryConfig := retry.DefaultConfig()
	retryConfig.MaxAttempts = opts.MaxAttempts
	retryConfig.InitialDelay = 500 * time.Millisecond
	retryConfig.MaxDelay = 5 * time.Second
	retryConfig.Retryable = IsTransient
	retryConfig.Logger = logger.GetLogger()

	logger.Info("LLM client initialized",
		zap.String("model", opts.Model),
		zap.String("embedding_model", opts.EmbeddingModel),
		zap.Duration("timeout", opts.Timeout),
	)

	return &Client{
		client:         openai.NewClientWithConfig(cfg),
		model:          opts.Model,
		embeddingModel: opts.EmbeddingModel,
		temperature:    opts.Temperature,
		maxTokens:      opts.MaxTokens,
		timeout:        opts.Timeout,
		cb:             newBreaker("openai"),
		retryConfig:    retryConfig,
	}, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			// Only provider trouble should trip the breaker.
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func (c *Client) Model() string {
	return c.embeddingModel
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	op := operationName(req.Operation, "complete")
	result, err := retry.DoWithResult(ctx, c.retryConfig, func(ctx context.Context) (*CompletionResponse, error) {
		out, err := c.cb.Execute(func() (interface{}, error) {
			resp, err := c.client.CreateChatCompletion(ctx, chatReq)
			if err != nil {
				return nil, classifyError(err, "failed to create completion")
			}
			if len(resp.Choices) == 0 {
				return nil, catalog.Malformed("completion returned no choices")
			}

			metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))
			logger.Debug("LLM completion generated",
				zap.String("operation", op),
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			return &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}, nil
		})
		if err != nil {
			return nil, breakerError(err)
		}
		return out.(*CompletionResponse), nil
	})

	metrics.LLMCalls.WithLabelValues(op, outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EmbedBatch embeds texts in one request and returns vectors in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	vectors, err := retry.DoWithResult(ctx, c.retryConfig, func(ctx context.Context) ([][]float32, error) {
		out, err := c.cb.Execute(func() (interface{}, error) {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: texts,
				Model: openai.EmbeddingModel(c.embeddingModel),
			})
			if err != nil {
				return nil, classifyError(err, "failed to generate embeddings")
			}
			if len(resp.Data) != len(texts) {
				return nil, catalog.Malformed("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts))
			}

			data := resp.Data
			sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

			vectors := make([][]float32, len(data))
			for i, d := range data {
				if d.Index != i {
					return nil, catalog.Malformed("embedding response is missing index %d", i)
				}
				vectors[i] = append([]float32(nil), d.Embedding...)
			}
			metrics.LLMTokensUsed.WithLabelValues(c.embeddingModel, "embedding").Add(float64(resp.Usage.TotalTokens))
			return vectors, nil
		})
		if err != nil {
			return nil, breakerError(err)
		}
		return out.([][]float32), nil
	})

	metrics.LLMCalls.WithLabelValues("embed", outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

func breakerError(err error) error {
	if eris.Is(err, gobreaker.ErrOpenState) || eris.Is(err, gobreaker.ErrTooManyRequests) {
		return catalog.Transient(err, "llm circuit breaker rejected the call")
	}
	return err
}

func operationName(op, fallback string) string {
	if op == "" {
		return fallback
	}
	return op
}
