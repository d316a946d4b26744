package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/maestro/pkg/llm"
	"github.com/openfleet/maestro/pkg/models"
)

func TestAppendEnforcesCap(t *testing.T) {
	h := New("system", 5)
	for i := 0; i < 10; i++ {
		h.Append(models.NewMessage(models.RoleUser, fmt.Sprintf("msg-%d", i)))
	}

	assert.Equal(t, 5, h.Len())
	msgs := h.Messages()
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Equal(t, "msg-9", msgs[len(msgs)-1].Content)
}

func TestEvictionKeepsToolPairsTogether(t *testing.T) {
	h := New("system", 4)
	h.Append(
		models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "search"}}},
		models.NewToolResultMessage("c1", "search", "result"),
	)
	// push over the cap; evicting the assistant must take its result too
	h.Append(
		models.NewMessage(models.RoleUser, "next"),
		models.NewMessage(models.RoleAssistant, "reply"),
		models.NewMessage(models.RoleUser, "more"),
	)

	for _, m := range h.Messages() {
		assert.NotEqual(t, models.RoleTool, m.Role, "no orphaned tool results")
	}
}

func TestSnapshotByTurns(t *testing.T) {
	h := New("system", 50)
	h.Append(
		models.NewMessage(models.RoleUser, "q1"),
		models.NewMessage(models.RoleAssistant, "a1"),
		models.NewMessage(models.RoleUser, "q2"),
		models.NewMessage(models.RoleAssistant, "a2"),
		models.NewMessage(models.RoleUser, "q3"),
		models.NewMessage(models.RoleAssistant, "a3"),
	)

	snap := h.Snapshot(2)
	require.Len(t, snap, 3)
	assert.Equal(t, models.RoleSystem, snap[0].Role)
	assert.Equal(t, "q3", snap[1].Content)
	assert.Equal(t, "a3", snap[2].Content)

	snap = h.Snapshot(4)
	require.Len(t, snap, 5)
	assert.Equal(t, "q2", snap[1].Content)

	full := h.Snapshot(0)
	assert.Len(t, full, 7)

	// more turns than exist returns everything
	assert.Len(t, h.Snapshot(10), 7)
}

func TestSnapshotKeepsToolResultsWithTheirTurn(t *testing.T) {
	h := New("system", 50)
	h.Append(
		models.NewMessage(models.RoleUser, "look it up"),
		models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "search"}}},
		models.NewToolResultMessage("c1", "search", "found"),
		models.NewMessage(models.RoleAssistant, "here it is"),
	)

	// two turns back lands on the tool-calling assistant message, with its
	// result still attached
	snap := h.Snapshot(2)
	require.Len(t, snap, 4)
	assert.NotEmpty(t, snap[1].ToolCalls)
	assert.Equal(t, models.RoleTool, snap[2].Role)
	assert.Equal(t, "here it is", snap[3].Content)
}

func TestCompressReplacesOldBlockWithSummary(t *testing.T) {
	stub := llm.NewStubClient(&llm.Response{Content: "the user asked about X; search returned Y"})
	h := New("system", 20)
	for i := 0; i < 11; i++ {
		h.Append(models.NewMessage(models.RoleUser, fmt.Sprintf("u%d", i)))
		h.Append(models.NewMessage(models.RoleAssistant, fmt.Sprintf("a%d", i)))
	}
	require.Equal(t, 20, h.Len()) // 3 evicted by cap already

	c := NewCompressor(stub, "gpt-4o-mini", 12, nil)
	res, err := c.Compress(context.Background(), h)
	require.NoError(t, err)

	assert.True(t, res.Compressed)
	msgs := h.Messages()
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[1].Content, "Summary of earlier conversation")
	assert.Len(t, msgs, 8) // system + summary + kept tail of 6
	assert.Equal(t, "a10", msgs[len(msgs)-1].Content)

	// idempotent: below threshold now, second call is a no-op
	res2, err := c.Compress(context.Background(), h)
	require.NoError(t, err)
	assert.False(t, res2.Compressed)
	assert.Equal(t, 1, stub.CallCount())
}

func TestCompressBelowThresholdIsNoop(t *testing.T) {
	stub := llm.NewStubClient()
	h := New("system", 50)
	h.Append(models.NewMessage(models.RoleUser, "hi"))

	c := NewCompressor(stub, "m", 40, nil)
	res, err := c.Compress(context.Background(), h)
	require.NoError(t, err)
	assert.False(t, res.Compressed)
	assert.Zero(t, stub.CallCount())
}

func TestCompressFallsBackOnLLMFailure(t *testing.T) {
	stub := llm.NewStubClient()
	stub.EnqueueError(errors.New("provider down"))

	h := New("system", 50)
	for i := 0; i < 20; i++ {
		h.Append(models.NewMessage(models.RoleUser, fmt.Sprintf("m%d", i)))
	}

	c := NewCompressor(stub, "m", 12, nil)
	res, err := c.Compress(context.Background(), h)
	require.Error(t, err)

	// the fallback keeps the cap-1 most recent messages; the cap was never
	// reached here so nothing leaves the history
	assert.True(t, res.FellBack)
	assert.Zero(t, res.Removed)
	msgs := h.Messages()
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Len(t, msgs, 21)
	assert.Equal(t, "m19", msgs[len(msgs)-1].Content)
}

func TestCompressShrinksTailOverTokenBudget(t *testing.T) {
	stub := llm.NewStubClient(&llm.Response{Content: "summary of the bulky part"})
	h := New("system", 50)
	bulky := strings.Repeat("lorem ipsum dolor sit amet ", 2000)
	for i := 0; i < 14; i++ {
		h.Append(models.NewMessage(models.RoleUser, fmt.Sprintf("m%d %s", i, bulky)))
	}

	c := NewCompressor(stub, "m", 12, nil)
	res, err := c.Compress(context.Background(), h)
	require.NoError(t, err)
	require.True(t, res.Compressed)

	// each message alone is far over the tail budget, so only one survives
	// the summary
	msgs := h.Messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[1].Content, "Summary of earlier conversation")
	assert.Contains(t, msgs[2].Content, "m13")
}

func TestCompressKeepsToolPairIntact(t *testing.T) {
	stub := llm.NewStubClient(&llm.Response{Content: "summary"})
	h := New("system", 50)
	for i := 0; i < 8; i++ {
		h.Append(models.NewMessage(models.RoleUser, fmt.Sprintf("m%d", i)))
	}
	// pair straddling the cut point for threshold 12, keep 6
	h.Append(
		models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "search"}}},
		models.NewToolResultMessage("c1", "search", "found"),
	)
	for i := 0; i < 4; i++ {
		h.Append(models.NewMessage(models.RoleUser, fmt.Sprintf("t%d", i)))
	}
	require.Equal(t, 15, h.Len())

	c := NewCompressor(stub, "m", 12, nil)
	_, err := c.Compress(context.Background(), h)
	require.NoError(t, err)

	msgs := h.Messages()
	for i, m := range msgs {
		if m.Role == models.RoleTool {
			require.Greater(t, i, 0)
			assert.NotEmpty(t, msgs[i-1].ToolCalls, "tool result must follow its call")
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Positive(t, EstimateTokens("hello world, this is a sentence"))

	msgs := []models.Message{
		models.NewMessage(models.RoleUser, "hello"),
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{Name: "search", Arguments: []byte(`{"q":"x"}`)}}},
	}
	assert.Positive(t, EstimateMessages(msgs))
}
