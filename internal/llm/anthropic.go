package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/metrics"
	"github.com/hs-classifier/backend/pkg/logger"
)

// AnthropicCompleter serves completions from Claude models. Embeddings still
// come from the OpenAI client since the catalog vectors were built with it.
type AnthropicCompleter struct {
	client    sdk.Client
	model     string
	maxTokens int64
	timeout   time.Duration
	cb        *gobreaker.CircuitBreaker
}

type AnthropicOptions struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

func NewAnthropicCompleter(opts AnthropicOptions) (*AnthropicCompleter, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, catalog.Configuration("anthropic api key is not set")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 800
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey), option.WithMaxRetries(0)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	logger.Info("Anthropic completer initialized", zap.String("model", opts.Model))

	return &AnthropicCompleter{
		client:    sdk.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: int64(opts.MaxTokens),
		timeout:   opts.Timeout,
		cb:        newBreaker("anthropic"),
	}, nil
}

func (a *AnthropicCompleter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	system := req.SystemPrompt
	if req.JSON {
		system += "\n\nRespond with a single JSON object and nothing else."
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: maxTokens,
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.UserPrompt))},
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}

	op := operationName(req.Operation, "complete")
	out, err := a.cb.Execute(func() (interface{}, error) {
		msg, err := a.client.Messages.New(ctx, params)
		if err != nil {
			return nil, classifyAnthropicError(err)
		}

		var text strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if text.Len() == 0 {
			return nil, catalog.Malformed("anthropic message has no text content")
		}

		metrics.LLMTokensUsed.WithLabelValues(a.model, "prompt").Add(float64(msg.Usage.InputTokens))
		metrics.LLMTokensUsed.WithLabelValues(a.model, "completion").Add(float64(msg.Usage.OutputTokens))

		return &CompletionResponse{
			Content: text.String(),
			Usage: Usage{
				PromptTokens:     int(msg.Usage.InputTokens),
				CompletionTokens: int(msg.Usage.OutputTokens),
				TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			},
		}, nil
	})
	if err != nil {
		err = breakerError(err)
	}

	metrics.LLMCalls.WithLabelValues(op, outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return out.(*CompletionResponse), nil
}

func classifyAnthropicError(err error) error {
	const msg = "anthropic: create message"
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return byStatus(apiErr.StatusCode, err, msg)
	}
	return catalog.Transient(err, msg)
}
