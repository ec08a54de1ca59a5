package providers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ClaudeCodeProvider delegates to the locally installed claude CLI. The CLI
// brings its own agentic tools, so only the last user message is forwarded
// and no tool schema is sent. Streaming is not supported; ChatStream falls
// back to a single-shot call.
type ClaudeCodeProvider struct {
	name    string
	binary  string
	timeout time.Duration
}

// NewClaudeCodeProvider creates a claude CLI adapter.
func NewClaudeCodeProvider(name string, timeout time.Duration) *ClaudeCodeProvider {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if name == "" {
		name = "claude-code"
	}
	return &ClaudeCodeProvider{name: name, binary: "claude", timeout: timeout}
}

func (p *ClaudeCodeProvider) Name() string { return p.name }

// Available reports whether the claude binary is on PATH.
func (p *ClaudeCodeProvider) Available() bool {
	_, err := exec.LookPath(p.binary)
	return err == nil
}

func (p *ClaudeCodeProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if !p.Available() {
		return nil, NewError(p.name, req.Model, fmt.Errorf("claude CLI not found; install with: npm install -g @anthropic-ai/claude-code"))
	}
	prompt := lastUserMessage(req.Messages)
	if prompt == "" {
		return nil, NewError(p.name, req.Model, fmt.Errorf("no user message"))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{"--print", "--max-turns", "3"}
	if s := strings.TrimSpace(req.System); s != "" {
		args = append(args, "--append-system-prompt", s)
	}
	if m := strings.TrimSpace(req.Model); m != "" && m != p.name {
		args = append(args, "--model", m)
	}
	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, AsError(p.name, req.Model, context.DeadlineExceeded)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, NewError(p.name, req.Model, fmt.Errorf("claude CLI: %s", msg))
	}
	return &ChatResponse{Content: strings.TrimSpace(stdout.String())}, nil
}

func (p *ClaudeCodeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		if resp.Content != "" {
			onChunk(StreamChunk{Content: resp.Content})
		}
		onChunk(StreamChunk{Done: true})
	}
	return resp, nil
}

func lastUserMessage(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
