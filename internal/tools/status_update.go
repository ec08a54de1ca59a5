package tools

import (
	"context"
	"strings"
)

// StatusUpdateTool posts a short progress note to the chat while a long task
// keeps running. The note is delivery-only and does not end the turn.
type StatusUpdateTool struct {
	Notifier Notifier
}

func (t *StatusUpdateTool) Name() string { return "status_update" }

func (t *StatusUpdateTool) Description() string {
	return "Send a short progress update to the user while you continue working. " +
		"Use this during long multi-step tasks so the user knows what is happening. " +
		"It does not replace your final answer."
}

func (t *StatusUpdateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "The progress update to show the user",
			},
		},
		"required": []string{"message"},
	}
}

func (t *StatusUpdateTool) Execute(ctx context.Context, args map[string]any) *Result {
	message := strings.TrimSpace(stringArg(args, "message"))
	if message == "" {
		return Errf("missing message")
	}
	cc := ChatContextFrom(ctx)
	if t.Notifier == nil || cc.Platform == "" {
		return Errf("no chat to deliver the update to")
	}
	if err := t.Notifier.SendText(ctx, cc, message); err != nil {
		return Errf("send update: %v", err)
	}
	return Ok("Status update delivered. Continue with the task.")
}
