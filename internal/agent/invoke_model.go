package agent

import (
	"context"
	"strings"

	"github.com/steiger/concierge/internal/tools"
)

// InvokeModelTool delegates a task to a configured sub-agent model.
type InvokeModelTool struct {
	Loop   *Loop
	Prompt *PromptBuilder
	// Sink forwards sub-agent progress into the parent stream.
	Sink EventSink
}

func (t *InvokeModelTool) Name() string { return "invoke_model" }

func (t *InvokeModelTool) Description() string {
	models := strings.Join(t.Loop.Config.SubagentModels(), ", ")
	desc := "Delegate a self-contained task to another model and get its answer back. " +
		"The sub-agent works autonomously with web and shell access but cannot talk to the user. " +
		"Give it a complete task description with all context it needs."
	if models != "" {
		desc += " Available models: " + models + "."
	}
	return desc
}

func (t *InvokeModelTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"model": map[string]any{
				"type":        "string",
				"description": "The sub-agent model to use",
			},
			"task": map[string]any{
				"type":        "string",
				"description": "The complete task for the sub-agent",
			},
		},
		"required": []string{"model", "task"},
	}
}

func (t *InvokeModelTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	model := strings.TrimSpace(argString(args, "model"))
	task := strings.TrimSpace(argString(args, "task"))
	if model == "" || task == "" {
		return tools.Errf("invoke_model needs both model and task")
	}
	if !t.allowed(model) {
		return tools.Errf("model %s is not available as a sub-agent", model)
	}
	t.Sink.emit(Event{Kind: EventStatus, Text: "Sub-agent: " + model, Model: model})
	cc := tools.ChatContextFrom(ctx)
	answer, err := t.Loop.RunSubagent(ctx, t.Prompt, model, task, cc.UserID, nil)
	if err != nil {
		return tools.Errf("sub-agent %s failed: %v", model, err)
	}
	return tools.Ok("Sub-agent (" + model + ") result:\n" + answer)
}

func (t *InvokeModelTool) allowed(model string) bool {
	resolved := t.Loop.Config.ResolveModel(model)
	for _, m := range t.Loop.Config.SubagentModels() {
		if m == resolved {
			return true
		}
	}
	return false
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}
