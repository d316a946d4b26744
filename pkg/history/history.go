// Package history maintains per-session conversation history: a hard
// message cap, turn-based snapshots, and LLM summarization of old messages
// once the history grows past a threshold.
package history

import (
	"sync"

	"github.com/openfleet/maestro/pkg/models"
)

// History is an append-only conversation log with a hard length cap. The
// system prompt occupies index 0 and is never evicted. History survives
// across queries within a session; it is only trimmed by the cap or by
// compression.
type History struct {
	mu          sync.Mutex
	messages    []models.Message
	maxMessages int
}

// New creates a history seeded with the system prompt.
func New(systemPrompt string, maxMessages int) *History {
	if maxMessages < 3 {
		maxMessages = 3
	}
	return &History{
		messages:    []models.Message{models.NewMessage(models.RoleSystem, systemPrompt)},
		maxMessages: maxMessages,
	}
}

// Append adds messages, evicting the oldest non-system messages when the
// cap is exceeded. Eviction never strands a tool result without the
// assistant message that requested it.
func (h *History) Append(msgs ...models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msgs...)
	h.enforceCap()
}

func (h *History) enforceCap() {
	for len(h.messages) > h.maxMessages {
		h.evictOldest()
	}
}

// evictOldest drops messages[1]; when that message carried tool calls, the
// directly following tool results go with it.
func (h *History) evictOldest() {
	if len(h.messages) < 2 {
		return
	}
	evicted := h.messages[1]
	h.messages = append(h.messages[:1], h.messages[2:]...)
	if len(evicted.ToolCalls) > 0 {
		for len(h.messages) > 1 && h.messages[1].Role == models.RoleTool {
			h.messages = append(h.messages[:1], h.messages[2:]...)
		}
	}
}

// Cap returns the maximum message count this history retains.
func (h *History) Cap() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxMessages
}

// Len returns the current message count, system prompt included.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Messages returns a copy of the full history.
func (h *History) Messages() []models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// System returns the system prompt content.
func (h *History) System() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messages[0].Content
}

// Snapshot returns the system prompt plus the last n logical turns. A turn
// begins at a user or assistant message and covers the tool results that
// follow it. n <= 0 returns the full history.
func (h *History) Snapshot(n int) []models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 {
		out := make([]models.Message, len(h.messages))
		copy(out, h.messages)
		return out
	}

	start := len(h.messages)
	turns := 0
	for i := len(h.messages) - 1; i >= 1; i-- {
		if h.messages[i].Role == models.RoleUser || h.messages[i].Role == models.RoleAssistant {
			turns++
			start = i
			if turns == n {
				break
			}
		}
	}
	if turns == 0 {
		start = 1
	}
	// never lead with an orphaned tool result
	for start < len(h.messages) && h.messages[start].Role == models.RoleTool {
		start++
	}

	out := make([]models.Message, 0, 1+len(h.messages)-start)
	out = append(out, h.messages[0])
	out = append(out, h.messages[start:]...)
	return out
}

// Replace swaps the message list wholesale. The replacement must keep the
// system prompt at index 0. Used by compression.
func (h *History) Replace(msgs []models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = msgs
	h.enforceCap()
}
