// Package providers contains the LLM backend adapters. All adapters speak
// the provider's HTTP API directly and expose the same Chat/ChatStream
// contract so the agent loop stays backend-agnostic.
package providers

import "context"

// Provider is the interface all LLM backends implement.
type Provider interface {
	// Chat sends messages and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends messages and streams deltas via callback, returning
	// the final complete response after the stream ends. Backends without
	// streaming fall back to Chat and emit a single chunk.
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)

	// Name returns the provider identifier (e.g. "anthropic", "ollama").
	Name() string
}

// ChatRequest contains the input for a Chat/ChatStream call.
type ChatRequest struct {
	Model    string           `json:"model"`
	System   string           `json:"system,omitempty"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Think    *bool            `json:"think,omitempty"`
	NumCtx   int              `json:"num_ctx,omitempty"`
	Options  map[string]any   `json:"options,omitempty"`
}

// ChatResponse is the result of an LLM call.
type ChatResponse struct {
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ToolCall       `json:"tool_calls,omitempty"`
	Images    []GeneratedImage `json:"images,omitempty"` // image generation models
	Usage     *Usage           `json:"usage,omitempty"`
}

// GeneratedImage is an image produced by an image generation model.
type GeneratedImage struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	Content  string `json:"content,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Done     bool   `json:"done,omitempty"`
}

// ImageContent is a base64 image attachment for vision models.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Message is one conversation message.
type Message struct {
	Role       string         `json:"role"` // system, user, assistant, tool
	Content    string         `json:"content"`
	Thinking   string         `json:"thinking,omitempty"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // role=tool: originating call
	ToolName   string         `json:"tool_name,omitempty"`    // role=tool: tool that produced it
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the JSON schema of a function tool.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
