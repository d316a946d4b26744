// Package builtin ships the tools every deployment gets out of the box.
// Embedders register their own domain tools alongside these.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/openfleet/maestro/pkg/tool"
)

// Register adds the built-in tools to the registry.
func Register(registry *tool.Registry) {
	registry.MustRegister(
		clockTool(),
		NewHTTPFetch(nil),
	)
}

// clockTool reports the current time. Models have no clock of their own.
func clockTool() tool.Tool {
	return tool.NewFunc("current_time",
		"Returns the current date and time in UTC.",
		nil,
		func(ctx context.Context, tc *tool.Context, params map[string]any) (map[string]any, error) {
			now := time.Now().UTC()
			return map[string]any{
				"success": true,
				"rfc3339": now.Format(time.RFC3339),
				"unix":    now.Unix(),
				"weekday": now.Weekday().String(),
			}, nil
		})
}

type fetchParams struct {
	URL string `json:"url" jsonschema:"required,description=The http or https URL to fetch"`
}

// maxFetchBody caps how much of a response body is returned to the model.
const maxFetchBody = 64 * 1024

// NewHTTPFetch builds the http_fetch tool. A nil client uses a default with
// a sane timeout; tests inject their own.
func NewHTTPFetch(client *http.Client) tool.Tool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return tool.NewFunc("http_fetch",
		"Fetches a URL with HTTP GET and returns the response body as text.",
		tool.GenerateSchema[fetchParams](),
		func(ctx context.Context, tc *tool.Context, params map[string]any) (map[string]any, error) {
			rawURL, _ := params["url"].(string)
			if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
				return map[string]any{
					"success": false,
					"error":   "invalid_params",
					"detail":  "url must start with http:// or https://",
				}, nil
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return map[string]any{
					"success": false,
					"error":   "invalid_params",
					"detail":  err.Error(),
				}, nil
			}

			resp, err := client.Do(req)
			if err != nil {
				// network-level failures are worth retrying
				var netErr net.Error
				if errors.As(err, &netErr) {
					return nil, tool.Retryable(err)
				}
				return nil, err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
			if err != nil {
				return nil, tool.Retryable(err)
			}

			if resp.StatusCode >= 500 {
				return nil, tool.Retryable(fmt.Errorf("server returned %d", resp.StatusCode))
			}
			return map[string]any{
				"success":      resp.StatusCode < 400,
				"status":       resp.StatusCode,
				"content_type": resp.Header.Get("Content-Type"),
				"body":         string(body),
				"truncated":    len(body) == maxFetchBody,
			}, nil
		})
}
