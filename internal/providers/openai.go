package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider speaks the chat.completions protocol. It covers OpenAI and
// OpenAI-compatible backends (DeepSeek uses the same wire format and reports
// reasoning via reasoning_content).
type OpenAIProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAIProvider creates an OpenAI-compatible adapter.
func NewOpenAIProvider(name, apiKey, baseURL string, timeout time.Duration) *OpenAIProvider {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) chatURL() string {
	if strings.HasSuffix(p.baseURL, "/v1") {
		return p.baseURL + "/chat/completions"
	}
	return p.baseURL + "/v1/chat/completions"
}

// usesCompletionTokenCap reports whether the model family rejects max_tokens
// in favor of max_completion_tokens (reasoning models).
func usesCompletionTokenCap(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *OpenAIProvider) buildMessages(req ChatRequest) []openAIMessage {
	msgs := make([]openAIMessage, 0, len(req.Messages)+1)
	if s := strings.TrimSpace(req.System); s != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: s})
	}
	for _, m := range req.Messages {
		om := openAIMessage{Role: m.Role, ToolCallID: m.ToolCallID}
		if len(m.Images) > 0 {
			parts := []map[string]any{{"type": "text", "text": m.Content}}
			for _, img := range m.Images {
				parts = append(parts, map[string]any{
					"type": "image_url",
					"image_url": map[string]string{
						"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
					},
				})
			}
			om.Content = parts
		} else if m.Content != "" || len(m.ToolCalls) == 0 {
			om.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			otc := openAIToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = string(args)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		msgs = append(msgs, om)
	}
	return msgs
}

func (p *OpenAIProvider) buildBody(req ChatRequest, stream bool) map[string]any {
	body := map[string]any{
		"model":    req.Model,
		"messages": p.buildMessages(req),
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}
	maxTokens := 8192
	if v, ok := numFromOptions(req.Options, "max_tokens"); ok {
		maxTokens = v
	}
	if usesCompletionTokenCap(req.Model) {
		body["max_completion_tokens"] = maxTokens
	} else {
		body["max_tokens"] = maxTokens
		if v, ok := req.Options["temperature"]; ok {
			body["temperature"] = v
		}
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	return body
}

func (p *OpenAIProvider) do(ctx context.Context, url string, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, NewError(p.name, "", fmt.Errorf("%s", strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}
	return resp.Body, nil
}

// Chat sends a non-streaming chat.completions request.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildBody(req, false)
	return retryDo(ctx, p.name, req.Model, func() (*ChatResponse, error) {
		respBody, err := p.do(ctx, p.chatURL(), body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()
		var or openAIResponse
		if err := json.NewDecoder(respBody).Decode(&or); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if or.Error != nil {
			return nil, fmt.Errorf("%s: %s", or.Error.Type, or.Error.Message)
		}
		if len(or.Choices) == 0 {
			return nil, fmt.Errorf("empty choices")
		}
		msg := or.Choices[0].Message
		out := &ChatResponse{
			Content:   msg.Content,
			Thinking:  msg.ReasoningContent,
			ToolCalls: convertOpenAIToolCalls(msg.ToolCalls),
		}
		if or.Usage != nil {
			out.Usage = &Usage{
				PromptTokens:     or.Usage.PromptTokens,
				CompletionTokens: or.Usage.CompletionTokens,
				TotalTokens:      or.Usage.TotalTokens,
			}
		}
		return out, nil
	})
}

// ChatStream sends a streaming request and parses the SSE chunks. Streamed
// tool calls are accumulated per index because names and argument fragments
// arrive in separate deltas.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.buildBody(req, true)
	respBody, err := retryDo(ctx, p.name, req.Model, func() (io.ReadCloser, error) {
		return p.do(ctx, p.chatURL(), body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &ChatResponse{}
	type acc struct {
		id, name string
		args     strings.Builder
	}
	accs := map[int]*acc{}
	order := []int{}

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			result.Usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			result.Thinking += delta.ReasoningContent
			if onChunk != nil {
				onChunk(StreamChunk{Thinking: delta.ReasoningContent})
			}
		}
		if delta.Content != "" {
			result.Content += delta.Content
			if onChunk != nil {
				onChunk(StreamChunk{Content: delta.Content})
			}
		}
		for _, tc := range delta.ToolCalls {
			a, ok := accs[tc.Index]
			if !ok {
				a = &acc{}
				accs[tc.Index] = a
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				a.id = tc.ID
			}
			if tc.Function.Name != "" {
				a.name = strings.TrimSpace(tc.Function.Name)
			}
			a.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, AsError(p.name, req.Model, err)
	}
	for _, idx := range order {
		a := accs[idx]
		if a.name == "" {
			continue
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        a.id,
			Name:      a.name,
			Arguments: DecodeArguments(json.RawMessage(a.args.String())),
		})
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

func convertOpenAIToolCalls(calls []openAIToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, tc := range calls {
		name := strings.TrimSpace(tc.Function.Name)
		if name == "" {
			continue
		}
		out = append(out, ToolCall{
			ID:        tc.ID,
			Name:      name,
			Arguments: DecodeArguments(json.RawMessage(tc.Function.Arguments)),
		})
	}
	return out
}

// GenerateImage calls the images/generations endpoint (DALL-E family) and
// returns base64 image data or a URL.
func (p *OpenAIProvider) GenerateImage(ctx context.Context, model, prompt string) (b64 string, url string, revisedPrompt string, err error) {
	endpoint := p.baseURL + "/v1/images/generations"
	if strings.HasSuffix(p.baseURL, "/v1") {
		endpoint = p.baseURL + "/images/generations"
	}
	body := map[string]any{
		"model":           model,
		"prompt":          prompt,
		"n":               1,
		"response_format": "b64_json",
	}
	respBody, err := p.do(ctx, endpoint, body)
	if err != nil {
		return "", "", "", AsError(p.name, model, err)
	}
	defer respBody.Close()
	var out struct {
		Data []struct {
			B64JSON       string `json:"b64_json"`
			URL           string `json:"url"`
			RevisedPrompt string `json:"revised_prompt"`
		} `json:"data"`
	}
	if err := json.NewDecoder(respBody).Decode(&out); err != nil {
		return "", "", "", fmt.Errorf("decode image response: %w", err)
	}
	if len(out.Data) == 0 {
		return "", "", "", fmt.Errorf("no image returned")
	}
	d := out.Data[0]
	return d.B64JSON, d.URL, d.RevisedPrompt, nil
}

// SupportsImageGeneration reports DALL-E and gpt-image model names.
func SupportsImageGenerationOpenAI(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "dall-e") || strings.HasPrefix(m, "gpt-image")
}
