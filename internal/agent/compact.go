package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/steiger/concierge/internal/providers"
)

const (
	// compactMinMessages is the smallest history worth summarizing.
	compactMinMessages = 6
	// compactKeepShare of the context window stays verbatim at the tail.
	compactKeepShare = 0.15
	// summaryMarker prefixes the synthetic message holding the summary.
	summaryMarker = "[Zusammenfassung des bisherigen Gesprächs]"
)

const summarizerPrompt = "Summarize the following conversation as concise bullet points. " +
	"Keep every fact, decision, open task and user preference that later turns may need. " +
	"Use at most 400 words. Output only the summary."

// Compact replaces the older part of the history with an LLM summary when the
// prompt would exceed the budget. Returns the new history and whether it
// changed. On summarizer failure it falls back to HardTrim.
func Compact(ctx context.Context, p providers.Provider, model string, msgs []providers.Message, numCtx, overhead, budget int) ([]providers.Message, bool) {
	if overhead+HistoryTokens(msgs) <= budget {
		return msgs, false
	}
	if len(msgs) < compactMinMessages {
		return HardTrim(msgs, overhead, budget), true
	}

	keepBudget := int(float64(numCtx) * compactKeepShare)
	split := len(msgs)
	kept := 0
	for split > 1 {
		next := kept + MessageTokens(msgs[split-1])
		if next > keepBudget {
			break
		}
		kept = next
		split--
	}
	// Never split a tool observation from its call.
	for split < len(msgs) && msgs[split].Role == "tool" {
		split++
	}
	if split <= 1 || split >= len(msgs) {
		return HardTrim(msgs, overhead, budget), true
	}

	summary, err := summarize(ctx, p, model, msgs[:split])
	if err != nil {
		slog.Warn("compaction summary failed, hard trimming", "error", err)
		return HardTrim(msgs, overhead, budget), true
	}

	out := make([]providers.Message, 0, len(msgs)-split+1)
	out = append(out, providers.Message{
		Role:    "system",
		Content: summaryMarker + "\n\n" + summary,
	})
	out = append(out, msgs[split:]...)
	slog.Info("history compacted", "before", len(msgs), "after", len(out))
	// A verbose summary or a fat kept tail can still bust the budget; the
	// trim makes the result fit unconditionally.
	if overhead+HistoryTokens(out) > budget {
		out = HardTrim(out, overhead, budget)
	}
	return out, true
}

func summarize(ctx context.Context, p providers.Provider, model string, msgs []providers.Message) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		text := m.Content
		if text == "" && len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Name)
			}
			text = "(called tools: " + strings.Join(names, ", ") + ")"
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
	}

	resp, err := p.Chat(ctx, providers.ChatRequest{
		Model:  model,
		System: summarizerPrompt,
		Messages: []providers.Message{
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}
	return summary, nil
}
