package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/steiger/concierge/internal/cancel"
	"github.com/steiger/concierge/internal/config"
	"github.com/steiger/concierge/internal/providers"
	"github.com/steiger/concierge/internal/tools"
)

// echoTool echoes its text argument.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes text" }
func (echoTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{"text": map[string]any{"type": "string"}}}
}
func (echoTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	text, _ := args["text"].(string)
	return tools.Ok("echo: " + text)
}

// scriptedServer answers /api/show with tool capability and /api/chat from a
// response queue.
func scriptedServer(t *testing.T, responses []map[string]any) (*httptest.Server, *[]ollamaWireRequest) {
	t.Helper()
	var seen []ollamaWireRequest
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/show" {
			json.NewEncoder(w).Encode(map[string]any{"capabilities": []string{"completion", "tools"}})
			return
		}
		var req ollamaWireRequest
		json.NewDecoder(r.Body).Decode(&req)
		seen = append(seen, req)
		if calls >= len(responses) {
			t.Errorf("unexpected chat call %d", calls+1)
			http.Error(w, "out of script", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(responses[calls])
		calls++
	}))
	return srv, &seen
}

type ollamaWireRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Tools []providers.ToolDefinition `json:"tools"`
}

func newTestLoop(srvURL string) *Loop {
	cfg := &config.Config{
		Providers: map[string]*config.ProviderConfig{
			"local": {
				Type:    "ollama",
				BaseURL: srvURL,
				Models:  config.ModelsConfig{Default: "m"},
			},
		},
	}
	reg := tools.NewRegistry()
	reg.Register(echoTool{})
	return &Loop{
		Config:    cfg,
		Providers: providers.NewRegistry(cfg),
		Tools:     reg,
		Cancels:   cancel.NewRegistry(),
	}
}

func assistantMsg(content string) map[string]any {
	return map[string]any{
		"message": map[string]any{"role": "assistant", "content": content},
		"done":    true,
	}
}

func toolCallMsg(name string, args map[string]any) map[string]any {
	return map[string]any{
		"message": map[string]any{
			"role": "assistant",
			"tool_calls": []map[string]any{
				{"function": map[string]any{"name": name, "arguments": args}},
			},
		},
		"done": true,
	}
}

func TestLoopToolRound(t *testing.T) {
	srv, seen := scriptedServer(t, []map[string]any{
		toolCallMsg("echo", map[string]any{"text": "hi"}),
		assistantMsg("done: hi"),
	})
	defer srv.Close()

	l := newTestLoop(srv.URL)
	res, err := l.Run(context.Background(), RunRequest{
		Model:  "local/m",
		System: "sys",
		User:   providers.Message{Role: "user", Content: "run echo"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "done: hi" {
		t.Errorf("content = %q", res.Content)
	}
	var toolMsg *providers.Message
	for i := range res.Messages {
		if res.Messages[i].Role == "tool" {
			toolMsg = &res.Messages[i]
		}
	}
	if toolMsg == nil || toolMsg.Content != "echo: hi" || toolMsg.ToolName != "echo" {
		t.Errorf("tool observation: %+v", toolMsg)
	}
	// Second call carries the tool observation back to the model.
	second := (*seen)[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.Content != "echo: hi" {
		t.Errorf("second request tail: %+v", last)
	}
	if len((*seen)[0].Tools) == 0 {
		t.Error("tool schema missing from first request")
	}
}

func TestLoopEmptyResponseNudge(t *testing.T) {
	srv, seen := scriptedServer(t, []map[string]any{
		assistantMsg(""),
		assistantMsg("real answer"),
	})
	defer srv.Close()

	l := newTestLoop(srv.URL)
	res, err := l.Run(context.Background(), RunRequest{
		Model: "local/m",
		User:  providers.Message{Role: "user", Content: "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "real answer" {
		t.Errorf("content = %q", res.Content)
	}
	second := (*seen)[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "user" || last.Content != emptyNudge {
		t.Errorf("nudge not sent: %+v", last)
	}
}

func TestLoopCancelBeforeCall(t *testing.T) {
	srv, _ := scriptedServer(t, nil)
	defer srv.Close()

	l := newTestLoop(srv.URL)
	l.Cancels.Request("u1", cancel.Stop)
	res, err := l.Run(context.Background(), RunRequest{
		Model:  "local/m",
		User:   providers.Message{Role: "user", Content: "hello"},
		UserID: "u1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Canceled {
		t.Error("expected canceled result")
	}
	if !strings.Contains(res.Content, "Verarbeitung abgebrochen") {
		t.Errorf("content = %q", res.Content)
	}
	if l.Cancels.Check("u1") != "" {
		t.Error("flag must be cleared after observation")
	}
}

func TestLoopWrapUpAfterRoundCap(t *testing.T) {
	srv, seen := scriptedServer(t, []map[string]any{
		toolCallMsg("echo", map[string]any{"text": "a"}),
		assistantMsg("wrapped up"),
	})
	defer srv.Close()

	l := newTestLoop(srv.URL)
	res, err := l.Run(context.Background(), RunRequest{
		Model:     "local/m",
		User:      providers.Message{Role: "user", Content: "loop forever"},
		MaxRounds: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "wrapped up" {
		t.Errorf("content = %q", res.Content)
	}
	wrapReq := (*seen)[1]
	last := wrapReq.Messages[len(wrapReq.Messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "ALL your tool rounds") {
		t.Errorf("wrap-up nudge missing: %+v", last)
	}
	if len(wrapReq.Tools) != 0 {
		t.Error("wrap-up call must not offer tools")
	}
}

func TestLoopRebudgetsBetweenRounds(t *testing.T) {
	srv, seen := scriptedServer(t, []map[string]any{
		toolCallMsg("echo", map[string]any{"text": strings.Repeat("x", 2000)}),
		assistantMsg("fertig"),
	})
	defer srv.Close()

	cfg := &config.Config{
		Providers: map[string]*config.ProviderConfig{
			"local": {Type: "ollama", BaseURL: srv.URL, NumCtx: 2000, Models: config.ModelsConfig{Default: "m"}},
		},
	}
	reg := tools.NewRegistry()
	reg.Register(echoTool{})
	l := &Loop{Config: cfg, Providers: providers.NewRegistry(cfg), Tools: reg, Cancels: cancel.NewRegistry()}

	res, err := l.Run(context.Background(), RunRequest{
		Model: "local/m",
		User:  providers.Message{Role: "user", Content: strings.Repeat("u", 3000)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "fertig" {
		t.Errorf("content = %q", res.Content)
	}
	// The fat tool observation pushes the history over the window before the
	// second call; that call must be trimmed back under the budget too.
	budget := TokenBudget(2000, cfg.Quota())
	for i, wr := range *seen {
		total := 0
		for _, m := range wr.Messages {
			total += EstimateTokens(m.Content)
		}
		if total > budget {
			t.Errorf("request %d: estimated prompt %d tokens exceeds budget %d", i+1, total, budget)
		}
	}
	second := (*seen)[1]
	if len(second.Messages) >= 3 {
		t.Errorf("second request not trimmed: %d messages", len(second.Messages))
	}
}

// abortingTool flags an abort for its user while running.
type abortingTool struct {
	cancels *cancel.Registry
	user    string
	runs    *int
}

func (a abortingTool) Name() string        { return "work" }
func (a abortingTool) Description() string { return "does work" }
func (a abortingTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (a abortingTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	*a.runs++
	a.cancels.Request(a.user, cancel.Abort)
	return tools.Ok("done")
}

func TestLoopAbortAnswersRemainingToolCalls(t *testing.T) {
	srv, _ := scriptedServer(t, []map[string]any{
		{
			"message": map[string]any{
				"role": "assistant",
				"tool_calls": []map[string]any{
					{"function": map[string]any{"name": "work", "arguments": map[string]any{}}},
					{"function": map[string]any{"name": "work", "arguments": map[string]any{}}},
				},
			},
			"done": true,
		},
	})
	defer srv.Close()

	l := newTestLoop(srv.URL)
	runs := 0
	l.Tools.Register(abortingTool{cancels: l.Cancels, user: "u1", runs: &runs})

	res, err := l.Run(context.Background(), RunRequest{
		Model:  "local/m",
		User:   providers.Message{Role: "user", Content: "zweimal arbeiten"},
		UserID: "u1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Canceled {
		t.Fatal("expected canceled result")
	}
	if runs != 1 {
		t.Errorf("tool ran %d times, want 1", runs)
	}
	// Both declared calls must carry an observation, the aborted one a
	// synthetic notice.
	var toolMsgs []providers.Message
	for _, m := range res.Messages {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 {
		t.Fatalf("tool observations = %d, want 2", len(toolMsgs))
	}
	if toolMsgs[0].Content != "done" {
		t.Errorf("first observation: %q", toolMsgs[0].Content)
	}
	if !strings.Contains(toolMsgs[1].Content, "nicht ausgeführt") {
		t.Errorf("second observation: %q", toolMsgs[1].Content)
	}
}

func TestLoopFallbackSwitch(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer primary.Close()
	backup, _ := scriptedServer(t, []map[string]any{assistantMsg("fallback says hi")})
	defer backup.Close()

	cfg := &config.Config{
		Providers: map[string]*config.ProviderConfig{
			"a": {Type: "ollama", BaseURL: primary.URL, Models: config.ModelsConfig{Default: "m1"}},
			"b": {Type: "ollama", BaseURL: backup.URL, Models: config.ModelsConfig{Default: "m2"}},
		},
		Fallbacks: []string{"b/m2"},
	}
	l := &Loop{Config: cfg, Providers: providers.NewRegistry(cfg), Tools: tools.NewRegistry(), Cancels: cancel.NewRegistry()}

	res, err := l.Run(context.Background(), RunRequest{
		Model: "a/m1",
		User:  providers.Message{Role: "user", Content: "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "fallback says hi" {
		t.Errorf("content = %q", res.Content)
	}
	if res.Switch == nil || res.Switch.Model != "b/m2" {
		t.Errorf("switch = %+v", res.Switch)
	}
	if res.Model != "b/m2" {
		t.Errorf("result model = %q", res.Model)
	}
}

func TestRunToolSubagentAllowlist(t *testing.T) {
	l := newTestLoop("http://unused")
	res := l.runTool(context.Background(), providers.ToolCall{Name: "echo"}, true)
	if !res.IsError || !strings.Contains(res.ForLLM, "not available") {
		t.Errorf("allowlist not enforced: %+v", res)
	}
	res = l.runTool(context.Background(), providers.ToolCall{Name: "echo", Arguments: map[string]any{"text": "x"}}, false)
	if res.IsError || res.ForLLM != "echo: x" {
		t.Errorf("main agent call: %+v", res)
	}
}
