package agent

import (
	"encoding/json"

	"github.com/steiger/concierge/internal/providers"
)

// hardTrimReserve is headroom kept free for the model's own output when the
// history must be force-trimmed.
const hardTrimReserve = 1024

// imageTokenCost is a flat estimate per attached image.
const imageTokenCost = 1000

// EstimateTokens approximates the token count of a text. The divisor is
// deliberately conservative so the budget errs on the small side.
func EstimateTokens(s string) int {
	n := len(s) / 3
	if n < 1 {
		n = 1
	}
	return n
}

// MessageTokens estimates one message including tool calls and images.
func MessageTokens(m providers.Message) int {
	n := EstimateTokens(m.Content)
	if m.Thinking != "" {
		n += EstimateTokens(m.Thinking)
	}
	for _, tc := range m.ToolCalls {
		n += EstimateTokens(tc.Name)
		if len(tc.Arguments) > 0 {
			if raw, err := json.Marshal(tc.Arguments); err == nil {
				n += EstimateTokens(string(raw))
			}
		}
	}
	n += len(m.Images) * imageTokenCost
	return n
}

// HistoryTokens estimates a whole message list.
func HistoryTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += MessageTokens(m)
	}
	return total
}

// TokenBudget is the share of the context window available for the prompt.
func TokenBudget(numCtx int, quota float64) int {
	return int(float64(numCtx) * quota)
}

// HardTrim drops the oldest messages until the history plus overhead fits the
// budget minus the output reserve. The final message always survives; leading
// tool results whose call was trimmed away are dropped with their round.
func HardTrim(msgs []providers.Message, overhead, budget int) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}
	limit := budget - hardTrimReserve
	for len(msgs) > 1 && overhead+HistoryTokens(msgs) > limit {
		msgs = msgs[1:]
		// A tool observation without its call confuses providers.
		for len(msgs) > 1 && msgs[0].Role == "tool" {
			msgs = msgs[1:]
		}
	}
	return msgs
}
