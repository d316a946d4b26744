// Package llm defines the model-provider port used by the planner, the
// executor, and history compression, plus the OpenAI-compatible adapter.
package llm

import (
	"context"
	"encoding/json"

	"github.com/openfleet/maestro/pkg/models"
)

// ResponseFormat selects how the model is asked to answer.
type ResponseFormat string

// Response formats.
const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
)

// ToolDefinition declares a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a single completion call.
type Request struct {
	Messages []models.Message
	Tools    []ToolDefinition
	Format   ResponseFormat

	// Model overrides the client's default model when non-empty.
	Model string

	Temperature *float32
	MaxTokens   int
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the model's answer. A response carries text content, tool
// calls, or both.
type Response struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     Usage
}

// Client is the provider port. Complete blocks until the model answers or
// ctx is done; implementations apply their own per-call timeout and retry
// transient provider errors.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
