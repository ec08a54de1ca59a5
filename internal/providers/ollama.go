package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OllamaProvider speaks the Ollama /api/chat protocol. It also covers
// Ollama-compatible servers that accept an Authorization header.
type OllamaProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client

	mu   sync.Mutex
	caps map[string][]string // model -> capabilities from /api/show
}

// NewOllamaProvider creates an Ollama adapter. Empty baseURL targets the
// local daemon.
func NewOllamaProvider(name, baseURL, apiKey string, timeout time.Duration) *OllamaProvider {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if name == "" {
		name = "ollama"
	}
	return &OllamaProvider{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		caps:    map[string][]string{},
	}
}

func (p *OllamaProvider) Name() string { return p.name }

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []ToolDefinition    `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Think    *bool               `json:"think,omitempty"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	Error           string             `json:"error,omitempty"`
	PromptEvalCount int                `json:"prompt_eval_count,omitempty"`
	EvalCount       int                `json:"eval_count,omitempty"`
}

func (p *OllamaProvider) buildMessages(req ChatRequest) []ollamaChatMessage {
	msgs := make([]ollamaChatMessage, 0, len(req.Messages)+1)
	if s := strings.TrimSpace(req.System); s != "" {
		msgs = append(msgs, ollamaChatMessage{Role: "system", Content: s})
	}
	for _, m := range req.Messages {
		om := ollamaChatMessage{Role: m.Role, Content: m.Content, ToolName: m.ToolName}
		for _, img := range m.Images {
			om.Images = append(om.Images, img.Data)
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{
				Function: ollamaToolFunction{Name: tc.Name, Arguments: args},
			})
		}
		msgs = append(msgs, om)
	}
	return msgs
}

func (p *OllamaProvider) buildRequest(req ChatRequest, stream bool) ollamaChatRequest {
	options := map[string]any{}
	for k, v := range req.Options {
		options[k] = v
	}
	if req.NumCtx > 0 {
		options["num_ctx"] = req.NumCtx
	}
	if len(options) == 0 {
		options = nil
	}
	return ollamaChatRequest{
		Model:    req.Model,
		Messages: p.buildMessages(req),
		Tools:    req.Tools,
		Stream:   stream,
		Think:    req.Think,
		Options:  options,
	}
}

func (p *OllamaProvider) do(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
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

// Chat sends a non-streaming chat request.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	payload := p.buildRequest(req, false)
	return retryDo(ctx, p.name, req.Model, func() (*ChatResponse, error) {
		body, err := p.do(ctx, "/api/chat", payload)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		var resp ollamaChatResponse
		if err := json.NewDecoder(body).Decode(&resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return p.toResponse(&resp), nil
	})
}

// ChatStream sends a streaming chat request and emits NDJSON chunks.
// Retries cover only the connection phase; a started stream is not replayed.
func (p *OllamaProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	payload := p.buildRequest(req, true)
	body, err := retryDo(ctx, p.name, req.Model, func() (io.ReadCloser, error) {
		return p.do(ctx, "/api/chat", payload)
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	result := &ChatResponse{}
	var toolCalls []ollamaToolCall
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return nil, AsError(p.name, req.Model, fmt.Errorf("decode chunk: %w", err))
		}
		if chunk.Error != "" {
			return nil, AsError(p.name, req.Model, errors.New(chunk.Error))
		}
		if msg := chunk.Message; msg != nil {
			if msg.Thinking != "" {
				result.Thinking += msg.Thinking
				if onChunk != nil {
					onChunk(StreamChunk{Thinking: msg.Thinking})
				}
			}
			if msg.Content != "" {
				result.Content += msg.Content
				if onChunk != nil {
					onChunk(StreamChunk{Content: msg.Content})
				}
			}
			// Tool calls arrive in intermediate chunks; the done chunk
			// usually repeats none of them.
			toolCalls = append(toolCalls, msg.ToolCalls...)
		}
		if chunk.Done {
			result.Usage = &Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, AsError(p.name, req.Model, err)
	}
	result.ToolCalls = convertOllamaToolCalls(toolCalls)
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

func (p *OllamaProvider) toResponse(resp *ollamaChatResponse) *ChatResponse {
	out := &ChatResponse{}
	if resp.Message != nil {
		out.Content = resp.Message.Content
		out.Thinking = resp.Message.Thinking
		out.ToolCalls = convertOllamaToolCalls(resp.Message.ToolCalls)
	}
	if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
		out.Usage = &Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		}
	}
	return out
}

func convertOllamaToolCalls(calls []ollamaToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	seen := map[string]bool{}
	for _, tc := range calls {
		name := strings.TrimSpace(tc.Function.Name)
		if name == "" {
			continue
		}
		key := name + ":" + string(tc.Function.Arguments)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ToolCall{
			ID:        uuid.NewString(),
			Name:      name,
			Arguments: DecodeArguments(tc.Function.Arguments),
		})
	}
	return out
}

// SupportsTools probes /api/show for the "tools" capability. Results are
// cached per model; probe failures default to true so tool use is not
// silently disabled by a flaky daemon.
func (p *OllamaProvider) SupportsTools(ctx context.Context, model string) bool {
	caps, err := p.capabilities(ctx, model)
	if err != nil {
		return true
	}
	for _, c := range caps {
		if c == "tools" {
			return true
		}
	}
	return false
}

// SupportsVision probes /api/show for the "vision" capability.
func (p *OllamaProvider) SupportsVision(ctx context.Context, model string) bool {
	caps, err := p.capabilities(ctx, model)
	if err != nil {
		return false
	}
	for _, c := range caps {
		if c == "vision" {
			return true
		}
	}
	return false
}

func (p *OllamaProvider) capabilities(ctx context.Context, model string) ([]string, error) {
	p.mu.Lock()
	if caps, ok := p.caps[model]; ok {
		p.mu.Unlock()
		return caps, nil
	}
	p.mu.Unlock()

	body, err := p.do(ctx, "/api/show", map[string]string{"model": model})
	if err != nil {
		return nil, err
	}
	defer body.Close()
	var resp struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.caps[model] = resp.Capabilities
	p.mu.Unlock()
	return resp.Capabilities, nil
}

// ListModels returns the model names known to the daemon (/api/tags).
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, AsError(p.name, "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, NewError(p.name, "", fmt.Errorf("list models")).WithStatus(resp.StatusCode)
	}
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
