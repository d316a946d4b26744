package llm

import (
	"context"
	"errors"
	"net"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyResponse indicates the provider returned no choices.
var ErrEmptyResponse = errors.New("llm: provider returned empty response")

// isRetryable classifies provider errors worth retrying: rate limits,
// server-side failures, and transport errors. Context cancellation and
// deadline expiry are never retried.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
