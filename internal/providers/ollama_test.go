package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Stream {
			t.Error("Chat must not stream")
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages: %+v", req.Messages)
		}
		if req.Options["num_ctx"] != float64(4096) {
			t.Errorf("num_ctx option = %v", req.Options["num_ctx"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]any{"role": "assistant", "content": "hi", "thinking": "hm"},
			"done":              true,
			"prompt_eval_count": 10,
			"eval_count":        5,
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider("ollama", srv.URL, "", time.Minute)
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:    "qwen3:14b",
		System:   "be brief",
		NumCtx:   4096,
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hi" || resp.Thinking != "hm" {
		t.Errorf("response: %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage: %+v", resp.Usage)
	}
}

func TestOllamaChatToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{
				"role": "assistant",
				"tool_calls": []map[string]any{
					{"function": map[string]any{"name": "exec", "arguments": map[string]any{"command": "date"}}},
					// Exact duplicates are collapsed.
					{"function": map[string]any{"name": "exec", "arguments": map[string]any{"command": "date"}}},
				},
			},
			"done": true,
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider("ollama", srv.URL, "", time.Minute)
	resp, err := p.Chat(context.Background(), ChatRequest{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls: %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "exec" || tc.Arguments["command"] != "date" || tc.ID == "" {
		t.Errorf("tool call: %+v", tc)
	}
}

func TestOllamaChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("ChatStream must set stream")
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","thinking":"t1"}}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"}}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"}}`)
		fmt.Fprintln(w, `{"done":true,"prompt_eval_count":3,"eval_count":2}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider("ollama", srv.URL, "", time.Minute)
	var chunks []StreamChunk
	resp, err := p.ChatStream(context.Background(), ChatRequest{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}},
		func(c StreamChunk) { chunks = append(chunks, c) })
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hello" || resp.Thinking != "t1" {
		t.Errorf("assembled response: %+v", resp)
	}
	if len(chunks) != 4 || !chunks[3].Done {
		t.Errorf("chunks: %+v", chunks)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 {
		t.Errorf("usage: %+v", resp.Usage)
	}
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOllamaProvider("ollama", srv.URL, "", time.Minute)
	_, err := p.Chat(context.Background(), ChatRequest{Model: "m", Messages: []Message{{Role: "user", Content: "x"}}})
	pe := AsError("ollama", "m", err)
	if pe.Category != CategoryAuth || pe.Status != http.StatusUnauthorized {
		t.Errorf("error: %+v", pe)
	}
}

func TestOllamaSupportsTools(t *testing.T) {
	var showCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/show" {
			t.Errorf("path = %s", r.URL.Path)
		}
		showCalls++
		json.NewEncoder(w).Encode(map[string]any{"capabilities": []string{"completion", "tools"}})
	}))
	defer srv.Close()

	p := NewOllamaProvider("ollama", srv.URL, "", time.Minute)
	if !p.SupportsTools(context.Background(), "qwen3:14b") {
		t.Error("expected tools capability")
	}
	if p.SupportsVision(context.Background(), "qwen3:14b") {
		t.Error("no vision capability advertised")
	}
	// Second probe hits the cache.
	p.SupportsTools(context.Background(), "qwen3:14b")
	if showCalls != 1 {
		t.Errorf("show calls = %d, want 1", showCalls)
	}
}

func TestOllamaListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"models": []map[string]any{
			{"name": "qwen3:14b"}, {"name": "llava:13b"},
		}})
	}))
	defer srv.Close()

	p := NewOllamaProvider("ollama", srv.URL, "", time.Minute)
	names, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "qwen3:14b" {
		t.Errorf("models: %v", names)
	}
}
