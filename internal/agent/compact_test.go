package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/steiger/concierge/internal/providers"
)

// fakeProvider replays scripted responses.
type fakeProvider struct {
	name      string
	responses []*providers.ChatResponse
	err       error
	calls     []providers.ChatRequest
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return &providers.ChatResponse{}, nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	resp, err := f.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		if resp.Content != "" {
			onChunk(providers.StreamChunk{Content: resp.Content})
		}
		onChunk(providers.StreamChunk{Done: true})
	}
	return resp, nil
}

func (f *fakeProvider) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func bigHistory(n int, size int) []providers.Message {
	msgs := make([]providers.Message, 0, n)
	text := strings.Repeat("x", size)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, providers.Message{Role: role, Content: text})
	}
	return msgs
}

func TestCompactUnderBudgetNoop(t *testing.T) {
	p := &fakeProvider{}
	msgs := bigHistory(8, 30)
	out, changed := Compact(context.Background(), p, "m", msgs, 8192, 0, 100000)
	if changed {
		t.Error("under-budget history must not change")
	}
	if len(out) != 8 {
		t.Errorf("messages = %d", len(out))
	}
	if len(p.calls) != 0 {
		t.Error("summarizer must not be called")
	}
}

func TestCompactSummarizes(t *testing.T) {
	p := &fakeProvider{responses: []*providers.ChatResponse{{Content: "- user asked about X\n- answer was Y"}}}
	msgs := bigHistory(12, 3000) // ~1000 tokens each
	numCtx := 8192
	out, changed := Compact(context.Background(), p, "m", msgs, numCtx, 0, 4000)
	if !changed {
		t.Fatal("expected compaction")
	}
	if out[0].Role != "system" || !strings.HasPrefix(out[0].Content, summaryMarker) {
		t.Fatalf("first message must carry the summary: %+v", out[0])
	}
	if len(out) >= len(msgs) {
		t.Errorf("history did not shrink: %d -> %d", len(msgs), len(out))
	}
	// The verbatim tail keeps at most compactKeepShare of the window.
	if kept := HistoryTokens(out[1:]); kept > int(float64(numCtx)*compactKeepShare) {
		t.Errorf("tail too large: %d tokens", kept)
	}
	if len(p.calls) != 1 {
		t.Fatalf("summarizer calls = %d", len(p.calls))
	}
	if p.calls[0].System != summarizerPrompt {
		t.Error("summarizer system prompt not used")
	}
}

func TestCompactTrimsOversizedSummary(t *testing.T) {
	// A summarizer that rambles must not leave the history over budget.
	p := &fakeProvider{responses: []*providers.ChatResponse{{Content: strings.Repeat("y", 30000)}}}
	msgs := bigHistory(12, 3000)
	budget := 4000
	out, changed := Compact(context.Background(), p, "m", msgs, 8192, 0, budget)
	if !changed {
		t.Fatal("expected compaction")
	}
	if got := HistoryTokens(out); got > budget-hardTrimReserve {
		t.Errorf("compacted history still over budget: %d tokens", got)
	}
}

func TestCompactFallsBackToHardTrim(t *testing.T) {
	p := &fakeProvider{err: errors.New("model down")}
	msgs := bigHistory(12, 3000)
	budget := 4000
	out, changed := Compact(context.Background(), p, "m", msgs, 8192, 0, budget)
	if !changed {
		t.Fatal("expected a change")
	}
	for _, m := range out {
		if strings.HasPrefix(m.Content, summaryMarker) {
			t.Fatal("failed summarizer must not produce a summary message")
		}
	}
	if HistoryTokens(out) > budget-hardTrimReserve {
		t.Errorf("hard trim missed the budget: %d tokens", HistoryTokens(out))
	}
}

func TestCompactShortHistoryHardTrims(t *testing.T) {
	p := &fakeProvider{}
	msgs := bigHistory(4, 3000)
	out, changed := Compact(context.Background(), p, "m", msgs, 8192, 0, 2000)
	if !changed {
		t.Fatal("expected a change")
	}
	if len(p.calls) != 0 {
		t.Error("histories below the minimum must not be summarized")
	}
	if len(out) >= 4 {
		t.Errorf("messages = %d", len(out))
	}
}

func TestCompactKeepsToolPairsTogether(t *testing.T) {
	p := &fakeProvider{responses: []*providers.ChatResponse{{Content: "summary"}}}
	big := strings.Repeat("x", 3000)
	msgs := []providers.Message{
		{Role: "user", Content: big},
		{Role: "assistant", Content: big},
		{Role: "user", Content: big},
		{Role: "assistant", Content: strings.Repeat("x", 3600), ToolCalls: []providers.ToolCall{{Name: "exec"}}},
		{Role: "tool", Content: strings.Repeat("x", 300)},
		{Role: "assistant", Content: strings.Repeat("x", 300)},
		{Role: "user", Content: "latest"},
	}
	out, changed := Compact(context.Background(), p, "m", msgs, 8192, 0, 3000)
	if !changed {
		t.Fatal("expected compaction")
	}
	if out[1].Role == "tool" {
		t.Errorf("tool observation split from its call: %+v", out)
	}
}
