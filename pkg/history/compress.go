package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openfleet/maestro/pkg/llm"
	"github.com/openfleet/maestro/pkg/models"
)

const summarizeSystemPrompt = `You are a conversation summarizer for an autonomous agent.
Summarize the transcript you are given into a compact brief that preserves:
- the user's goals and constraints
- decisions made and their reasons
- tool invocations and what they returned (key facts only)
- unresolved questions and pending work
Write plain prose. Do not add commentary about the summarization itself.`

// CompressResult reports what compression did to a history.
type CompressResult struct {
	// Compressed is true when old messages were replaced with a summary.
	Compressed bool

	// FellBack is true when the summarization call failed and the history
	// was truncated to its recent tail instead.
	FellBack bool

	// Removed is how many messages left the history.
	Removed int
}

// Compressor replaces the oldest block of a long history with a single
// LLM-written summary message.
type Compressor struct {
	client    llm.Client
	model     string
	threshold int
	logger    *slog.Logger
}

// NewCompressor builds a compressor. Compression triggers when history
// length reaches threshold; model is the summarization model.
func NewCompressor(client llm.Client, model string, threshold int, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{
		client:    client,
		model:     model,
		threshold: threshold,
		logger:    logger.With("component", "history"),
	}
}

// tailTokenBudget bounds the token footprint of the verbatim tail kept by
// compression. Oversized messages shrink the kept tail below the usual
// half-threshold count.
const tailTokenBudget = 4096

// Compress summarizes the oldest compressible block of h when it has grown
// to the threshold. The system prompt and the most recent half-threshold of
// messages are kept verbatim, shrunk further when their estimated token
// count exceeds tailTokenBudget. When the LLM call fails the history falls
// back to the system prompt plus the most recent cap-1 messages so
// execution can continue; the error is returned for observability but the
// history is always left consistent.
func (c *Compressor) Compress(ctx context.Context, h *History) (CompressResult, error) {
	msgs := h.Messages()
	if len(msgs) < c.threshold {
		return CompressResult{}, nil
	}

	keep := c.threshold / 2
	for keep > 1 && EstimateMessages(msgs[len(msgs)-keep:]) > tailTokenBudget {
		keep--
	}
	cut := len(msgs) - keep
	if cut < 2 {
		return CompressResult{}, nil
	}
	// do not split an assistant tool call from its results
	for cut < len(msgs) && msgs[cut].Role == models.RoleTool {
		cut++
	}
	if cut >= len(msgs) {
		return CompressResult{}, nil
	}

	segment := msgs[1:cut]
	summary, err := c.summarize(ctx, segment)
	if err != nil {
		c.logger.Warn("summarization failed, falling back to tail retention",
			"segment_len", len(segment), "error", err)
		start := len(msgs) - (h.Cap() - 1)
		if start < 1 {
			start = 1
		}
		for start < len(msgs) && msgs[start].Role == models.RoleTool {
			start++
		}
		tail := make([]models.Message, 0, 1+len(msgs)-start)
		tail = append(tail, msgs[0])
		tail = append(tail, msgs[start:]...)
		h.Replace(tail)
		return CompressResult{FellBack: true, Removed: start - 1}, err
	}

	compacted := make([]models.Message, 0, 2+len(msgs)-cut)
	compacted = append(compacted, msgs[0])
	compacted = append(compacted, models.NewMessage(models.RoleAssistant,
		"Summary of earlier conversation:\n"+summary))
	compacted = append(compacted, msgs[cut:]...)
	h.Replace(compacted)

	c.logger.Info("history compressed",
		"removed", len(segment), "kept", len(msgs)-cut, "summary_tokens", EstimateTokens(summary))
	return CompressResult{Compressed: true, Removed: len(segment) - 1}, nil
}

func (c *Compressor) summarize(ctx context.Context, segment []models.Message) (string, error) {
	resp, err := c.client.Complete(ctx, &llm.Request{
		Model: c.model,
		Messages: []models.Message{
			models.NewMessage(models.RoleSystem, summarizeSystemPrompt),
			models.NewMessage(models.RoleUser, renderTranscript(segment)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarizing history: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("summarizing history: %w", llm.ErrEmptyResponse)
	}
	return resp.Content, nil
}

func renderTranscript(msgs []models.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		if m.ToolName != "" {
			b.WriteString("(")
			b.WriteString(m.ToolName)
			b.WriteString(")")
		}
		b.WriteString(": ")
		b.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "\n  -> call %s %s", tc.Name, string(tc.Arguments))
		}
		b.WriteString("\n")
	}
	return b.String()
}
