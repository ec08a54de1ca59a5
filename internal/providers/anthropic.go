package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicVersion    = "2023-06-01"
	anthropicMaxTokens  = 8192
	anthropicThinkBudget = 4096
)

// AnthropicProvider speaks the Anthropic Messages API.
type AnthropicProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropicProvider creates an Anthropic adapter.
func NewAnthropicProvider(name, apiKey, baseURL string, timeout time.Duration) *AnthropicProvider {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if name == "" {
		name = "anthropic"
	}
	return &AnthropicProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *AnthropicProvider) Name() string { return p.name }

type anthropicContentBlock struct {
	Type      string              `json:"type"`
	Text      string              `json:"text,omitempty"`
	Thinking  string              `json:"thinking,omitempty"`
	Signature string              `json:"signature,omitempty"`
	Source    *anthropicImgSource `json:"source,omitempty"`
	ID        string              `json:"id,omitempty"`
	Name      string              `json:"name,omitempty"`
	Input     json.RawMessage     `json:"input,omitempty"`
	ToolUseID string              `json:"tool_use_id,omitempty"`
	Content   string              `json:"content,omitempty"`
}

type anthropicImgSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *AnthropicProvider) buildBody(req ChatRequest, stream bool) map[string]any {
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "tool":
			msgs = append(msgs, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case "assistant":
			var blocks []anthropicContentBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input, _ := json.Marshal(tc.Arguments)
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			// The API rejects empty text blocks; an assistant turn with
			// neither content nor tool calls is dropped.
			if len(blocks) == 0 {
				continue
			}
			msgs = append(msgs, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			var blocks []anthropicContentBlock
			for _, img := range m.Images {
				blocks = append(blocks, anthropicContentBlock{
					Type: "image",
					Source: &anthropicImgSource{
						Type:      "base64",
						MediaType: img.MimeType,
						Data:      img.Data,
					},
				})
			}
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
			msgs = append(msgs, anthropicMessage{Role: "user", Content: blocks})
		}
	}

	maxTokens := anthropicMaxTokens
	if v, ok := numFromOptions(req.Options, "max_tokens"); ok {
		maxTokens = v
	}
	thinking := req.Think != nil && *req.Think
	if thinking && maxTokens <= anthropicThinkBudget {
		// max_tokens must exceed the thinking budget. Raise the cap rather
		// than shrinking the budget, which would degrade reasoning.
		maxTokens = anthropicThinkBudget + maxTokens
	}
	body := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   msgs,
	}
	if s := strings.TrimSpace(req.System); s != "" {
		body["system"] = s
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": t.Function.Parameters,
			})
		}
		body["tools"] = tools
	}
	if thinking {
		body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": anthropicThinkBudget}
	}
	if v, ok := req.Options["temperature"]; ok {
		body["temperature"] = v
	}
	if stream {
		body["stream"] = true
	}
	return body
}

func (p *AnthropicProvider) do(ctx context.Context, body map[string]any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, NewError(p.name, "", fmt.Errorf("%s", strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}
	return resp, nil
}

// Chat sends a non-streaming messages request.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildBody(req, false)
	return retryDo(ctx, p.name, req.Model, func() (*ChatResponse, error) {
		resp, err := p.do(ctx, body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var ar anthropicResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if ar.Error != nil {
			return nil, fmt.Errorf("%s: %s", ar.Error.Type, ar.Error.Message)
		}
		return p.toResponse(&ar), nil
	})
}

func (p *AnthropicProvider) toResponse(ar *anthropicResponse) *ChatResponse {
	out := &ChatResponse{}
	for _, block := range ar.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "thinking":
			out.Thinking += block.Thinking
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: DecodeArguments(block.Input),
			})
		}
	}
	if ar.Usage.InputTokens > 0 || ar.Usage.OutputTokens > 0 {
		out.Usage = &Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		}
	}
	return out
}

func numFromOptions(opts map[string]any, key string) (int, bool) {
	if opts == nil {
		return 0, false
	}
	return numFromAnyOpt(opts[key])
}

func numFromAnyOpt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
