// Package tool defines the tool abstraction, the registry, and the
// invocation envelope that wraps every tool execution with parameter
// validation, timeout enforcement, retry, and result-shape checks.
package tool

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Tool is a capability the agent can invoke. Parameters returns the JSON
// Schema its inputs are validated against.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, tc *Context, params map[string]any) (map[string]any, error)
}

// Definition is a tool's declaration, suitable for advertising to an LLM.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Context carries per-invocation ambient data into tools. It is distinct
// from context.Context, which carries cancellation.
type Context struct {
	SessionID string
	Logger    *slog.Logger

	// User is opaque caller-provided context, passed through unmodified.
	User map[string]any
}

// funcTool adapts a plain function to the Tool interface.
type funcTool struct {
	name        string
	description string
	parameters  json.RawMessage
	fn          func(ctx context.Context, tc *Context, params map[string]any) (map[string]any, error)
}

// NewFunc wraps fn as a Tool.
func NewFunc(name, description string, parameters json.RawMessage,
	fn func(ctx context.Context, tc *Context, params map[string]any) (map[string]any, error)) Tool {
	return &funcTool{name: name, description: description, parameters: parameters, fn: fn}
}

func (t *funcTool) Name() string                { return t.name }
func (t *funcTool) Description() string         { return t.description }
func (t *funcTool) Parameters() json.RawMessage { return t.parameters }

func (t *funcTool) Execute(ctx context.Context, tc *Context, params map[string]any) (map[string]any, error) {
	return t.fn(ctx, tc, params)
}
