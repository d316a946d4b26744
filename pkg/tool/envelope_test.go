package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"text": {"type": "string"}},
	"required": ["text"],
	"additionalProperties": false
}`)

func testEnvelope(t *testing.T, tools ...Tool) *Envelope {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister(tools...)
	return NewEnvelope(reg, EnvelopeOptions{
		Timeout:          200 * time.Millisecond,
		RetryBase:        time.Millisecond,
		RetryFactor:      2,
		RetryMaxAttempts: 3,
	})
}

func TestInvokeSuccess(t *testing.T) {
	echo := NewFunc("echo", "echoes text", echoSchema,
		func(ctx context.Context, tc *Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"success": true, "echo": params["text"]}, nil
		})
	env := testEnvelope(t, echo)

	result := env.Invoke(context.Background(), &Context{}, "echo", map[string]any{"text": "hi"})

	assert.True(t, Succeeded(result))
	assert.Equal(t, "hi", result["echo"])
}

func TestInvokeUnknownTool(t *testing.T) {
	env := testEnvelope(t)

	result := env.Invoke(context.Background(), &Context{}, "missing", nil)

	assert.False(t, Succeeded(result))
	assert.Equal(t, FailUnknownTool, result["error"])
}

func TestInvokeInvalidParams(t *testing.T) {
	executed := false
	echo := NewFunc("echo", "echoes text", echoSchema,
		func(ctx context.Context, tc *Context, params map[string]any) (map[string]any, error) {
			executed = true
			return map[string]any{"success": true}, nil
		})
	env := testEnvelope(t, echo)

	result := env.Invoke(context.Background(), &Context{}, "echo", map[string]any{"text": 42})

	assert.False(t, Succeeded(result))
	assert.Equal(t, FailInvalidParams, result["error"])
	assert.False(t, executed, "tool must not run on invalid params")
}

func TestInvokeRetriesTransientErrors(t *testing.T) {
	calls := 0
	flaky := NewFunc("flaky", "fails twice", nil,
		func(ctx context.Context, tc *Context, params map[string]any) (map[string]any, error) {
			calls++
			if calls < 3 {
				return nil, Retryable(errors.New("connection reset"))
			}
			return map[string]any{"success": true}, nil
		})
	env := testEnvelope(t, flaky)

	result := env.Invoke(context.Background(), &Context{}, "flaky", nil)

	assert.True(t, Succeeded(result))
	assert.Equal(t, 3, calls)
}

func TestInvokeExhaustsRetries(t *testing.T) {
	calls := 0
	broken := NewFunc("broken", "always fails", nil,
		func(ctx context.Context, tc *Context, params map[string]any) (map[string]any, error) {
			calls++
			return nil, Retryable(errors.New("still down"))
		})
	env := testEnvelope(t, broken)

	result := env.Invoke(context.Background(), &Context{}, "broken", nil)

	assert.False(t, Succeeded(result))
	assert.Equal(t, FailToolError, result["error"])
	assert.Equal(t, true, result["retryable"])
	assert.Equal(t, 3, calls)
}

func TestInvokeDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	broken := NewFunc("broken", "fails hard", nil,
		func(ctx context.Context, tc *Context, params map[string]any) (map[string]any, error) {
			calls++
			return nil, errors.New("bad state")
		})
	env := testEnvelope(t, broken)

	result := env.Invoke(context.Background(), &Context{}, "broken", nil)

	assert.False(t, Succeeded(result))
	assert.Equal(t, FailToolError, result["error"])
	assert.NotContains(t, result, "retryable")
	assert.Equal(t, 1, calls)
}

func TestInvokeDoesNotRetryStructuredFailures(t *testing.T) {
	calls := 0
	saysNo := NewFunc("says_no", "structured failure", nil,
		func(ctx context.Context, tc *Context, params map[string]any) (map[string]any, error) {
			calls++
			return map[string]any{"success": false, "error": "not found"}, nil
		})
	env := testEnvelope(t, saysNo)

	result := env.Invoke(context.Background(), &Context{}, "says_no", nil)

	assert.False(t, Succeeded(result))
	assert.Equal(t, 1, calls, "structured failures are observations, not envelope retries")
}

func TestInvokeTimeout(t *testing.T) {
	calls := 0
	slow := NewFunc("slow", "never finishes", nil,
		func(ctx context.Context, tc *Context, params map[string]any) (map[string]any, error) {
			calls++
			<-ctx.Done()
			return nil, ctx.Err()
		})
	env := testEnvelope(t, slow)

	result := env.Invoke(context.Background(), &Context{}, "slow", nil)

	assert.False(t, Succeeded(result))
	assert.Equal(t, FailTimeout, result["error"])
	assert.Equal(t, 1, calls, "timeouts are not retried")
}

func TestInvokeCoercesContractViolation(t *testing.T) {
	bad := NewFunc("bad", "forgets success field", nil,
		func(ctx context.Context, tc *Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"data": "x"}, nil
		})
	env := testEnvelope(t, bad)

	result := env.Invoke(context.Background(), &Context{}, "bad", nil)

	assert.False(t, Succeeded(result))
	assert.Equal(t, FailContractViolation, result["error"])
	assert.Equal(t, map[string]any{"data": "x"}, result["raw_result"])
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	echo := NewFunc("echo", "", nil, nil)
	require.NoError(t, reg.Register(echo))

	err := reg.Register(echo)
	assert.ErrorIs(t, err, ErrDuplicateTool)
}

func TestGenerateSchema(t *testing.T) {
	type args struct {
		Query string `json:"query" jsonschema:"required,description=Search query"`
		Limit int    `json:"limit,omitempty"`
	}
	raw := GenerateSchema[args]()

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Equal(t, "object", schema["type"])
	props := schema["properties"].(map[string]any)
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "limit")
	assert.Contains(t, schema["required"], "query")
}
