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

// GoogleProvider speaks the Gemini generateContent API.
type GoogleProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewGoogleProvider creates a Gemini adapter.
func NewGoogleProvider(name, apiKey, baseURL string, timeout time.Duration) *GoogleProvider {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if name == "" {
		name = "google"
	}
	return &GoogleProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *GoogleProvider) Name() string { return p.name }

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	Thought          bool                `json:"thought,omitempty"`
	InlineData       *geminiInlineData   `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SupportsImageGenerationGoogle reports Gemini image generation models.
func SupportsImageGenerationGoogle(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "image") || strings.HasPrefix(m, "imagen")
}

func (p *GoogleProvider) buildBody(req ChatRequest) map[string]any {
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			parts := []geminiPart{}
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: tc.Name, Args: tc.Arguments,
				}})
			}
			if len(parts) == 0 {
				parts = append(parts, geminiPart{Text: ""})
			}
			contents = append(contents, geminiContent{Role: "model", Parts: parts})
		case "tool":
			contents = append(contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFunctionResp{
					Name:     m.ToolName,
					Response: map[string]any{"result": m.Content},
				}}},
			})
		default:
			parts := []geminiPart{}
			for _, img := range m.Images {
				parts = append(parts, geminiPart{InlineData: &geminiInlineData{
					MimeType: img.MimeType, Data: img.Data,
				}})
			}
			parts = append(parts, geminiPart{Text: m.Content})
			contents = append(contents, geminiContent{Role: "user", Parts: parts})
		}
	}

	hasImages := false
	for _, m := range req.Messages {
		if len(m.Images) > 0 {
			hasImages = true
			break
		}
	}

	body := map[string]any{"contents": contents}
	if s := strings.TrimSpace(req.System); s != "" {
		body["systemInstruction"] = geminiContent{Parts: []geminiPart{{Text: s}}}
	}
	// Gemini rejects function declarations and thinking config on requests
	// with inline image data.
	if hasImages {
		req.Tools = nil
		req.Think = nil
	}
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  t.Function.Parameters,
			})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	genCfg := map[string]any{}
	if v, ok := numFromOptions(req.Options, "max_tokens"); ok {
		genCfg["maxOutputTokens"] = v
	}
	if v, ok := req.Options["temperature"]; ok {
		genCfg["temperature"] = v
	}
	if req.Think != nil {
		thinkCfg := map[string]any{"includeThoughts": *req.Think}
		if !*req.Think {
			thinkCfg["thinkingBudget"] = 0
		}
		genCfg["thinkingConfig"] = thinkCfg
	}
	if SupportsImageGenerationGoogle(req.Model) {
		genCfg["responseModalities"] = []string{"TEXT", "IMAGE"}
		delete(body, "tools")
	}
	if len(genCfg) > 0 {
		body["generationConfig"] = genCfg
	}
	return body
}

func (p *GoogleProvider) do(ctx context.Context, url string, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)
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

// Chat sends a non-streaming generateContent request.
func (p *GoogleProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, req.Model)
	body := p.buildBody(req)
	return retryDo(ctx, p.name, req.Model, func() (*ChatResponse, error) {
		respBody, err := p.do(ctx, url, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()
		var gr geminiResponse
		if err := json.NewDecoder(respBody).Decode(&gr); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if gr.Error != nil {
			return nil, fmt.Errorf("gemini error %d: %s", gr.Error.Code, gr.Error.Message)
		}
		out := &ChatResponse{}
		p.mergeResponse(out, &gr, nil)
		return out, nil
	})
}

// ChatStream uses streamGenerateContent with SSE framing.
func (p *GoogleProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.baseURL, req.Model)
	body := p.buildBody(req)
	respBody, err := retryDo(ctx, p.name, req.Model, func() (io.ReadCloser, error) {
		return p.do(ctx, url, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &ChatResponse{}
	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var gr geminiResponse
		if err := json.Unmarshal([]byte(data), &gr); err != nil {
			continue
		}
		if gr.Error != nil {
			return nil, AsError(p.name, req.Model, fmt.Errorf("gemini error %d: %s", gr.Error.Code, gr.Error.Message))
		}
		p.mergeResponse(result, &gr, onChunk)
	}
	if err := scanner.Err(); err != nil {
		return nil, AsError(p.name, req.Model, err)
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

func (p *GoogleProvider) mergeResponse(out *ChatResponse, gr *geminiResponse, onChunk func(StreamChunk)) {
	for _, cand := range gr.Candidates {
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				args := part.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:        fmt.Sprintf("call-%d", len(out.ToolCalls)),
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			case part.InlineData != nil:
				out.Images = append(out.Images, GeneratedImage{
					MimeType: part.InlineData.MimeType,
					Data:     part.InlineData.Data,
				})
			case part.Thought:
				out.Thinking += part.Text
				if onChunk != nil && part.Text != "" {
					onChunk(StreamChunk{Thinking: part.Text})
				}
			default:
				out.Content += part.Text
				if onChunk != nil && part.Text != "" {
					onChunk(StreamChunk{Content: part.Text})
				}
			}
		}
	}
	if gr.UsageMetadata != nil {
		out.Usage = &Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		}
	}
}
