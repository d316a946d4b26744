package history

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/openfleet/maestro/pkg/models"
)

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text. Uses the cl100k_base
// encoding when available and falls back to the four-characters-per-token
// heuristic when the encoding cannot be loaded.
func EstimateTokens(text string) int {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		return (len(text) + 3) / 4
	}
	return len(encoder.Encode(text, nil, nil))
}

// EstimateMessages sums token estimates over messages, with a small fixed
// overhead per message for role and framing.
func EstimateMessages(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content) + 4
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(string(tc.Arguments)) + EstimateTokens(tc.Name)
		}
	}
	return total
}
