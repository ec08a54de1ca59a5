package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/steiger/concierge/internal/cancel"
	"github.com/steiger/concierge/internal/config"
	"github.com/steiger/concierge/internal/providers"
	"github.com/steiger/concierge/internal/tools"
)

const canceledNotice = "\n\n*(Verarbeitung abgebrochen)*"

const emptyNudge = "You have not provided a text response yet. " +
	"Please give your final answer to the user now."

const wrapUpNudge = "SYSTEM: You have used ALL your tool rounds — no more tool calls are possible. " +
	"Nothing is running. No subworker is active. No background task exists. " +
	"Give your FINAL answer NOW based ONLY on results you already received. " +
	"Summarize honestly: what was completed, what is still pending. " +
	"FORBIDDEN phrases: 'still running', 'waiting for results', 'in progress', 'wartet auf', 'läuft noch', 'wird gerade'. " +
	"If the task is incomplete, say: 'Aufgabe nicht vollständig abgeschlossen. Bitte sag mir dass ich weitermachen soll.'"

const noToolsAddendum = "\n\nNOTE: This model has no tool access. Answer from your own knowledge " +
	"and say so when a task would need tools."

// Loop drives a single conversation turn through model calls and tool rounds.
type Loop struct {
	Config    *config.Config
	Providers *providers.Registry
	Tools     *tools.Registry
	Cancels   *cancel.Registry
}

// RunRequest is one turn.
type RunRequest struct {
	Model   string // resolved "provider/model" reference
	System  string
	History []providers.Message
	User    providers.Message
	UserID  string // cancellation key; empty disables cancellation
	Sink    EventSink
	// Subagent restricts the tool schema to the sub-agent allowlist.
	Subagent  bool
	MaxRounds int // 0 uses the configured cap
}

// SwitchInfo records a fallback model switch during the turn.
type SwitchInfo struct {
	Model  string `json:"model"`
	Reason string `json:"reason"`
}

// RunResult is the outcome of a turn.
type RunResult struct {
	Content  string
	Thinking string
	// Messages is the full updated history including the final assistant
	// message, ready to store as the new session state.
	Messages []providers.Message
	Model    string
	Switch   *SwitchInfo
	// Suppressed means a send_image delivered the answer; show no text.
	Suppressed bool
	Canceled   bool
	Compacted  bool
}

// Run executes the turn. Model errors are retried inside the adapters and
// then walked down the fallback chain; only a fully exhausted chain returns
// an error.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	model := req.Model
	p, _ := l.Providers.For(model)

	msgs := make([]providers.Message, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	msgs = append(msgs, req.User)

	system := req.System
	withTools := l.Tools != nil && l.Providers.SupportsTools(model)
	var schema []providers.ToolDefinition
	if withTools {
		schema = l.Tools.Schema(req.Subagent)
	} else {
		system += noToolsAddendum
	}

	numCtx := l.Config.NumCtxFor(model)
	budget := TokenBudget(numCtx, l.Config.Quota())
	overhead := EstimateTokens(system) + len(schema)*120

	res := &RunResult{Model: model}
	maxRounds := req.MaxRounds
	if maxRounds <= 0 {
		maxRounds = l.Config.ToolRounds()
	}

	var (
		content  strings.Builder
		thinking strings.Builder
		nudged   bool
	)

	rounds := 0
	for rounds < maxRounds {
		if lvl := l.checkCancel(req.UserID); lvl != "" {
			content.WriteString(canceledNotice)
			req.Sink.emit(Event{Kind: EventContent, Text: canceledNotice})
			res.Canceled = true
			msgs = append(msgs, providers.Message{Role: "assistant", Content: strings.TrimSpace(content.String())})
			return l.finish(res, msgs, content.String(), thinking.String()), nil
		}

		// Tool results grow the history between rounds; every model call
		// must fit the window again, not just the first.
		var shrunk bool
		msgs, shrunk = Compact(ctx, p, bareName(l.Config, model), msgs, numCtx, overhead, budget)
		if shrunk {
			res.Compacted = true
		}

		resp, err := l.chatWithFallback(ctx, res, providers.ChatRequest{
			Model:    model,
			System:   system,
			Messages: msgs,
			Tools:    schema,
			Think:    l.Config.ThinkFor(model),
			NumCtx:   numCtx,
			Options:  l.Config.OptionsFor(model),
		}, req.Sink)
		if err != nil {
			return nil, err
		}
		if model != res.Model {
			model = res.Model
			p, _ = l.Providers.For(model)
			numCtx = l.Config.NumCtxFor(model)
			budget = TokenBudget(numCtx, l.Config.Quota())
		}

		if resp.Thinking != "" {
			thinking.WriteString(resp.Thinking)
		}
		calls := resp.ToolCalls
		text := resp.Content
		if len(calls) == 0 && withTools {
			// Some models emit tool calls as tagged text instead of the
			// structured field.
			if calls = providers.ExtractToolCalls(resp); len(calls) > 0 {
				text = providers.StripToolCallTags(text)
			}
		}
		if text != "" {
			if content.Len() > 0 {
				content.WriteString("\n\n")
			}
			content.WriteString(text)
		}

		if len(calls) == 0 {
			if strings.TrimSpace(content.String()) == "" && !res.Suppressed && !nudged {
				nudged = true
				slog.Info("empty response, sending nudge", "model", model, "rounds", rounds)
				msgs = append(msgs, providers.Message{Role: "assistant", Content: ""})
				msgs = append(msgs, providers.Message{Role: "user", Content: emptyNudge})
				continue
			}
			msgs = append(msgs, providers.Message{Role: "assistant", Content: text, Thinking: resp.Thinking})
			return l.finish(res, msgs, content.String(), thinking.String()), nil
		}

		msgs = append(msgs, providers.Message{
			Role:      "assistant",
			Content:   text,
			Thinking:  resp.Thinking,
			ToolCalls: calls,
		})
		aborted := false
		for i, call := range calls {
			req.Sink.emit(Event{Kind: EventToolCall, Tool: call.Name, Args: call.Arguments})
			result := l.runTool(ctx, call, req.Subagent)
			if result.Silent && !result.IsError {
				res.Suppressed = true
			}
			msgs = append(msgs, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
			req.Sink.emit(Event{Kind: EventToolResult, Tool: call.Name, Text: result.ForLLM})
			if l.Cancels != nil && req.UserID != "" && l.Cancels.Check(req.UserID) == cancel.Abort {
				aborted = true
				// Every declared call still needs an observation; a tool
				// batch with missing results corrupts the history.
				for _, rest := range calls[i+1:] {
					msgs = append(msgs, providers.Message{
						Role:       "tool",
						Content:    "(Abgebrochen, Tool wurde nicht ausgeführt)",
						ToolCallID: rest.ID,
						ToolName:   rest.Name,
					})
				}
				break
			}
		}
		if aborted {
			l.Cancels.Clear(req.UserID)
			content.WriteString(canceledNotice)
			req.Sink.emit(Event{Kind: EventContent, Text: canceledNotice})
			res.Canceled = true
			msgs = append(msgs, providers.Message{Role: "assistant", Content: strings.TrimSpace(content.String())})
			return l.finish(res, msgs, content.String(), thinking.String()), nil
		}
		rounds++
	}

	// Round cap reached with the model still calling tools.
	if !res.Suppressed {
		slog.Info("tool rounds exhausted, sending wrap-up nudge", "model", model, "rounds", rounds)
		msgs = append(msgs, providers.Message{Role: "user", Content: wrapUpNudge})
		var shrunk bool
		msgs, shrunk = Compact(ctx, p, bareName(l.Config, model), msgs, numCtx, overhead, budget)
		if shrunk {
			res.Compacted = true
		}
		resp, err := l.chatWithFallback(ctx, res, providers.ChatRequest{
			Model:    model,
			System:   system,
			Messages: msgs,
			Think:    l.Config.ThinkFor(model),
			NumCtx:   numCtx,
			Options:  l.Config.OptionsFor(model),
		}, req.Sink)
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			// The wrap-up answer replaces whatever partial text accumulated.
			content.Reset()
			content.WriteString(resp.Content)
			if resp.Thinking != "" {
				thinking.WriteString(resp.Thinking)
			}
			msgs = append(msgs, providers.Message{Role: "assistant", Content: resp.Content, Thinking: resp.Thinking})
		} else if err != nil {
			slog.Warn("wrap-up nudge failed", "error", err)
		}
	}
	if strings.TrimSpace(content.String()) == "" && !res.Suppressed {
		content.WriteString("Aufgabe nicht vollständig abgeschlossen. Bitte sag mir dass ich weitermachen soll.")
	}
	return l.finish(res, msgs, content.String(), thinking.String()), nil
}

// chatWithFallback streams one model call, walking the fallback chain on
// errors that merit a model switch. The switch is recorded once and sticks
// for the rest of the turn.
func (l *Loop) chatWithFallback(ctx context.Context, res *RunResult, req providers.ChatRequest, sink EventSink) (*providers.ChatResponse, error) {
	candidates := append([]string{res.Model}, l.Config.FallbacksFor(res.Model)...)
	var lastErr error
	for i, candidate := range candidates {
		p, bare := l.Providers.For(candidate)
		call := req
		call.Model = bare
		if candidate != res.Model {
			call.NumCtx = l.Config.NumCtxFor(candidate)
			call.Think = l.Config.ThinkFor(candidate)
			call.Options = l.Config.OptionsFor(candidate)
		}
		resp, err := l.streamOnce(ctx, p, call, sink)
		if err == nil {
			if i > 0 {
				reason := "model error"
				if lastErr != nil {
					reason = lastErr.Error()
				}
				slog.Warn("switched to fallback model", "from", res.Model, "to", candidate, "reason", reason)
				if res.Switch == nil {
					res.Switch = &SwitchInfo{Model: candidate, Reason: reason}
				} else {
					res.Switch.Model = candidate
				}
				res.Model = candidate
				sink.emit(Event{Kind: EventSwitch, Model: candidate, Text: reason})
			}
			return resp, nil
		}
		lastErr = err
		if pe := providers.AsError(p.Name(), bare, err); !pe.ShouldFallback() {
			return nil, err
		}
		slog.Warn("model call failed", "model", candidate, "error", err)
	}
	return nil, fmt.Errorf("all models failed: %w", lastErr)
}

func (l *Loop) streamOnce(ctx context.Context, p providers.Provider, req providers.ChatRequest, sink EventSink) (*providers.ChatResponse, error) {
	if sink == nil {
		return p.Chat(ctx, req)
	}
	return p.ChatStream(ctx, req, func(chunk providers.StreamChunk) {
		if chunk.Thinking != "" {
			sink(Event{Kind: EventThinking, Text: chunk.Thinking})
		}
		if chunk.Content != "" {
			sink(Event{Kind: EventContent, Text: chunk.Content})
		}
	})
}

func (l *Loop) runTool(ctx context.Context, call providers.ToolCall, subagent bool) *tools.Result {
	if subagent && !tools.SubagentTools[call.Name] {
		return tools.Errf("tool %s is not available here", call.Name)
	}
	tool, ok := l.Tools.Get(call.Name)
	if !ok {
		return tools.Errf("unknown tool %s", call.Name)
	}
	slog.Info("running tool", "tool", call.Name)
	return tool.Execute(ctx, call.Arguments)
}

// checkCancel observes and clears a pending flag.
func (l *Loop) checkCancel(userID string) cancel.Level {
	if l.Cancels == nil || userID == "" {
		return ""
	}
	lvl := l.Cancels.Check(userID)
	if lvl != "" {
		l.Cancels.Clear(userID)
		slog.Info("run canceled", "user", userID, "level", lvl)
	}
	return lvl
}

func (l *Loop) finish(res *RunResult, msgs []providers.Message, content, thinking string) *RunResult {
	res.Content = strings.TrimSpace(content)
	res.Thinking = strings.TrimSpace(thinking)
	res.Messages = msgs
	return res
}

func bareName(cfg *config.Config, model string) string {
	_, name := cfg.SplitProviderPrefix(model)
	return name
}
