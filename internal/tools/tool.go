// Package tools implements the built-in tools the agent loop can call.
package tools

import (
	"context"
	"sync"

	"github.com/steiger/concierge/internal/providers"
)

// Tool is one callable tool.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema of the arguments object.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// SubagentTools are the only tools exposed to sub-agent and debate runs.
// Config mutation, scheduling and further delegation stay with the main
// agent.
var SubagentTools = map[string]bool{
	"exec":       true,
	"web_search": true,
	"check_url":  true,
	"read_url":   true,
}

// ChatContext carries the active conversation surface, used by tools that
// deliver directly to the chat (send_image, status_update, schedule).
type ChatContext struct {
	Platform  string // "matrix", "discord", "web", "cli"
	RoomID    string // matrix room
	ChannelID string // discord channel
	UserID    string
}

type chatContextKey struct{}

// WithChatContext attaches a chat context to ctx.
func WithChatContext(ctx context.Context, cc ChatContext) context.Context {
	return context.WithValue(ctx, chatContextKey{}, cc)
}

// ChatContextFrom returns the attached chat context, zero when absent.
func ChatContextFrom(ctx context.Context) ChatContext {
	cc, _ := ctx.Value(chatContextKey{}).(ChatContext)
	return cc
}

// Notifier delivers tool output directly to a chat surface. Implemented by
// the notify package; tools only see this interface.
type Notifier interface {
	SendText(ctx context.Context, cc ChatContext, text string) error
	SendImage(ctx context.Context, cc ChatContext, path, caption string) error
}

// Registry holds the registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool. Later registrations with the same name replace
// earlier ones.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Schema returns the tool definitions for the model request. With
// subagentsOnly set, only the sub-agent allowlist is included.
func (r *Registry) Schema(subagentsOnly bool) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []providers.ToolDefinition
	for _, name := range r.order {
		if subagentsOnly && !SubagentTools[name] {
			continue
		}
		t := r.tools[name]
		out = append(out, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		for _, c := range v {
			if c < '0' || c > '9' {
				return def
			}
			n = n*10 + int(c-'0')
		}
		if v == "" {
			return def
		}
		return n
	}
	return def
}
