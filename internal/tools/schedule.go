package tools

import (
	"context"
	"fmt"
	"strings"
)

// JobSummary describes a scheduled job for listing.
type JobSummary struct {
	ID       string
	Schedule string
	Prompt   string
	Once     bool
	NextRun  string
}

// JobRequest carries the fields of a new scheduled job. Schedule is either a
// 5-field cron expression or a relative form like "in 20 minutes"; relative
// specs run once. At least one of Prompt and Command must be set.
type JobRequest struct {
	Schedule string
	Prompt   string
	Command  string // shell command whose output feeds the prompt
	Model    string // model override for the scheduled run
	Platform string // target surface override; empty keeps the calling surface
	Target   string // room/channel id on the override surface
}

// JobScheduler is implemented by the scheduler package.
type JobScheduler interface {
	AddJob(req JobRequest, cc ChatContext) (JobSummary, error)
	ListJobs() []JobSummary
	RemoveJob(id string) bool
}

// ScheduleTool manages scheduled tasks from the conversation.
type ScheduleTool struct {
	Scheduler JobScheduler
}

func (t *ScheduleTool) Name() string { return "schedule" }

func (t *ScheduleTool) Description() string {
	return "Manage scheduled tasks. Actions: 'add' creates a job from a 5-field cron " +
		"expression (e.g. '0 8 * * *') or a relative time (e.g. 'in 20 minutes', runs once); " +
		"'list' shows all jobs; 'remove' deletes a job by id. Scheduled prompts run " +
		"autonomously and their result is delivered to this chat."
}

func (t *ScheduleTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"add", "list", "remove"},
				"description": "What to do",
			},
			"schedule": map[string]any{
				"type":        "string",
				"description": "Cron expression or relative time, required for 'add'",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "The task to run; 'add' needs a prompt or a command",
			},
			"command": map[string]any{
				"type":        "string",
				"description": "Optional shell command; its output is appended to the prompt, or delivered directly when no prompt is set",
			},
			"model": map[string]any{
				"type":        "string",
				"description": "Optional model override for the scheduled run",
			},
			"platform": map[string]any{
				"type":        "string",
				"enum":        []string{"matrix", "discord"},
				"description": "Optional target platform for the result (default: this chat)",
			},
			"target": map[string]any{
				"type":        "string",
				"description": "Room or channel id on the target platform",
			},
			"id": map[string]any{
				"type":        "string",
				"description": "Job id, required for 'remove'",
			},
		},
		"required": []string{"action"},
	}
}

func (t *ScheduleTool) Execute(ctx context.Context, args map[string]any) *Result {
	if t.Scheduler == nil {
		return Errf("scheduler not running")
	}
	switch strings.ToLower(strings.TrimSpace(stringArg(args, "action"))) {
	case "add":
		req := JobRequest{
			Schedule: strings.TrimSpace(stringArg(args, "schedule")),
			Prompt:   strings.TrimSpace(stringArg(args, "prompt")),
			Command:  strings.TrimSpace(stringArg(args, "command")),
			Model:    strings.TrimSpace(stringArg(args, "model")),
			Platform: strings.TrimSpace(stringArg(args, "platform")),
			Target:   strings.TrimSpace(stringArg(args, "target")),
		}
		if req.Schedule == "" {
			return Errf("'add' needs a schedule")
		}
		if req.Prompt == "" && req.Command == "" {
			return Errf("'add' needs a prompt or a command")
		}
		job, err := t.Scheduler.AddJob(req, ChatContextFrom(ctx))
		if err != nil {
			return Errf("%v", err)
		}
		kind := "recurring"
		if job.Once {
			kind = "one-time"
		}
		return Okf("Scheduled %s job %s (%s): %s", kind, job.ID, job.Schedule, job.Prompt)
	case "list":
		jobs := t.Scheduler.ListJobs()
		if len(jobs) == 0 {
			return Ok("No scheduled jobs.")
		}
		var b strings.Builder
		b.WriteString("Scheduled jobs:\n")
		for _, j := range jobs {
			fmt.Fprintf(&b, "- %s [%s]", j.ID, j.Schedule)
			if j.Once {
				b.WriteString(" (once)")
			}
			fmt.Fprintf(&b, ": %s\n", j.Prompt)
		}
		return Ok(b.String())
	case "remove":
		id := strings.TrimSpace(stringArg(args, "id"))
		if id == "" {
			return Errf("'remove' needs an id")
		}
		if !t.Scheduler.RemoveJob(id) {
			return Errf("no job with id %s", id)
		}
		return Okf("Removed job %s.", id)
	default:
		return Errf("unknown action, use add, list or remove")
	}
}
