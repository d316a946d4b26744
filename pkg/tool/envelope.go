package tool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Failure codes set under the "error" key of a failed invocation result.
const (
	FailUnknownTool       = "unknown_tool"
	FailInvalidParams     = "invalid_params"
	FailTimeout           = "timeout"
	FailToolError         = "tool_error"
	FailContractViolation = "contract_violation"
	FailCancelled         = "cancelled"
)

var errAttemptTimeout = errors.New("tool attempt timed out")

// EnvelopeOptions configures the invocation envelope.
type EnvelopeOptions struct {
	// Timeout bounds each individual execution attempt.
	Timeout time.Duration

	// RetryBase, RetryFactor and RetryMaxAttempts shape the backoff applied
	// to transient failures. RetryMaxAttempts counts total attempts.
	RetryBase        time.Duration
	RetryFactor      float64
	RetryMaxAttempts int

	Logger *slog.Logger
}

// Envelope wraps every tool execution with parameter validation, per-attempt
// timeout, retry of transient errors, and result-shape enforcement. Invoke
// never returns a Go error: every outcome is a result map with a "success"
// bool, so the caller always has an observation to record.
type Envelope struct {
	registry *Registry
	opts     EnvelopeOptions
	logger   *slog.Logger
}

// NewEnvelope builds an envelope over the registry. Zero option fields get
// the built-in defaults (60s timeout, 2s base, factor 2, 3 attempts).
func NewEnvelope(registry *Registry, opts EnvelopeOptions) *Envelope {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	if opts.RetryFactor < 1 {
		opts.RetryFactor = 2
	}
	if opts.RetryMaxAttempts < 1 {
		opts.RetryMaxAttempts = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Envelope{registry: registry, opts: opts, logger: logger.With("component", "tool")}
}

// Invoke runs the named tool with params. Transient errors (RetryableError)
// are retried with exponential backoff; validation failures, timeouts, and
// malformed results become structured failure results without retry.
func (e *Envelope) Invoke(ctx context.Context, tc *Context, name string, params map[string]any) map[string]any {
	t, err := e.registry.Get(name)
	if err != nil {
		return Failure(FailUnknownTool, err.Error())
	}

	if err := validateParams(t, params); err != nil {
		e.logger.Warn("tool params rejected", "tool", name, "error", err)
		return Failure(FailInvalidParams, err.Error())
	}

	expo := &backoff.ExponentialBackOff{
		InitialInterval:     e.opts.RetryBase,
		Multiplier:          e.opts.RetryFactor,
		RandomizationFactor: 0,
		MaxInterval:         5 * time.Minute,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}
	expo.Reset()
	policy := backoff.WithContext(
		backoff.WithMaxRetries(expo, uint64(e.opts.RetryMaxAttempts-1)), ctx)

	attempts := 0
	start := time.Now()
	out, err := backoff.RetryWithData(func() (map[string]any, error) {
		attempts++
		out, err := e.runOnce(ctx, t, tc, params)
		if err == nil {
			return out, nil
		}
		if IsRetryable(err) {
			e.logger.Warn("transient tool failure, retrying",
				"tool", name, "attempt", attempts, "error", err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, policy)

	elapsed := time.Since(start)
	if err != nil {
		e.logger.Error("tool invocation failed",
			"tool", name, "attempts", attempts, "duration", elapsed, "error", err)
		switch {
		case errors.Is(err, errAttemptTimeout):
			return Failure(FailTimeout, "execution exceeded "+e.opts.Timeout.String())
		case ctx.Err() != nil:
			return Failure(FailCancelled, ctx.Err().Error())
		case IsRetryable(err):
			f := Failure(FailToolError, err.Error())
			f["retryable"] = true
			return f
		default:
			return Failure(FailToolError, err.Error())
		}
	}

	e.logger.Debug("tool invocation completed",
		"tool", name, "attempts", attempts, "duration", elapsed, "success", out["success"])
	return out
}

// runOnce executes one attempt under the per-attempt timeout and enforces
// the result contract.
func (e *Envelope) runOnce(ctx context.Context, t Tool, tc *Context, params map[string]any) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	out, err := t.Execute(attemptCtx, tc, params)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, errAttemptTimeout
		}
		return nil, err
	}

	// A result without a boolean "success" violates the tool contract and
	// is coerced to a failure so the loop can still observe it.
	if _, ok := out["success"].(bool); !ok {
		e.logger.Warn("tool result missing success field", "tool", t.Name())
		f := Failure(FailContractViolation, "tool result lacks boolean 'success' field")
		f["raw_result"] = out
		return f, nil
	}
	return out, nil
}

// Failure builds a structured failure result.
func Failure(code, detail string) map[string]any {
	return map[string]any{
		"success": false,
		"error":   code,
		"detail":  detail,
	}
}

// Succeeded reports whether a result map represents success.
func Succeeded(result map[string]any) bool {
	ok, _ := result["success"].(bool)
	return ok
}
