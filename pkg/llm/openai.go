package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/openfleet/maestro/pkg/models"
)

// OpenAIClient adapts any OpenAI-compatible chat completion endpoint to the
// Client port.
type OpenAIClient struct {
	api         *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	maxRetries  int
	logger      *slog.Logger
}

// OpenAIOptions configures the adapter.
type OpenAIOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	Logger      *slog.Logger
}

// NewOpenAIClient builds the adapter. BaseURL is optional and supports
// OpenAI-compatible gateways and local runtimes.
func NewOpenAIClient(opts OpenAIOptions) *OpenAIClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIClient{
		api:         openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		timeout:     timeout,
		maxRetries:  opts.MaxRetries,
		logger:      logger.With("component", "llm"),
	}
}

// Complete implements Client. Transient provider errors are retried with
// exponential backoff up to MaxRetries; the per-call timeout covers each
// individual attempt.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	apiReq := c.buildRequest(req)

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)), ctx)

	start := time.Now()
	resp, err := backoff.RetryWithData(func() (openai.ChatCompletionResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.api.CreateChatCompletion(callCtx, apiReq)
		if err != nil {
			if !isRetryable(err) {
				return resp, backoff.Permanent(err)
			}
			c.logger.Warn("retrying LLM call", "model", apiReq.Model, "error", err)
			return resp, err
		}
		return resp, nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	out := convertResponse(resp)
	c.logger.Debug("LLM call completed",
		"model", apiReq.Model,
		"duration", time.Since(start),
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens,
		"tool_calls", len(out.ToolCalls))
	return out, nil
}

func (c *OpenAIClient) buildRequest(req *Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertMessages(req.Messages),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if req.Format == FormatJSON {
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return apiReq
}

func convertMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

func convertResponse(resp openai.ChatCompletionResponse) *Response {
	choice := resp.Choices[0].Message
	out := &Response{
		Content: choice.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}
	return out
}
