package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/steiger/concierge/internal/config"
	"github.com/steiger/concierge/internal/memory"
	"github.com/steiger/concierge/internal/tools"
)

// promptFiles are the persona layers read from the config directory, in
// order. Missing files are skipped.
var promptFiles = []string{"IDENTITY.md", "SOUL.md", "TOOLS.md", "USER.md"}

// PromptBuilder assembles the system prompt for a turn.
type PromptBuilder struct {
	Config *config.Config
	Memory *memory.Log
	Now    func() time.Time
}

func NewPromptBuilder(cfg *config.Config, mem *memory.Log) *PromptBuilder {
	return &PromptBuilder{Config: cfg, Memory: mem, Now: time.Now}
}

// Build returns the system prompt: persona files, current date and time,
// runtime facts (workspace, root access), the memory excerpt and the chat
// surface the conversation runs on.
func (b *PromptBuilder) Build(cc tools.ChatContext) string {
	var parts []string
	for _, name := range promptFiles {
		data, err := os.ReadFile(filepath.Join(b.Config.Dir, name))
		if err != nil {
			continue
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			parts = append(parts, text)
		}
	}

	now := b.Now()
	zone, _ := now.Zone()
	var facts strings.Builder
	fmt.Fprintf(&facts, "Current date and time: %s (%s, %s)\n",
		now.Format("Monday, 2 January 2006, 15:04"), zone, now.Format("2006-01-02"))
	if ws := b.Config.Workspace; ws != "" {
		fmt.Fprintf(&facts, "Your workspace directory is %s. Create files there unless asked otherwise.\n", ws)
	}
	if os.Geteuid() == 0 {
		facts.WriteString("You run as root on this host. Be careful with destructive commands.\n")
	}
	switch cc.Platform {
	case "":
	case "matrix":
		fmt.Fprintf(&facts, "This conversation runs over Matrix (room %s, user %s). Answers are rendered as Markdown.\n", cc.RoomID, cc.UserID)
	case "discord":
		fmt.Fprintf(&facts, "This conversation runs over Discord (channel %s, user %s). Keep messages under 2000 characters where possible.\n", cc.ChannelID, cc.UserID)
	default:
		fmt.Fprintf(&facts, "This conversation runs over %s.\n", cc.Platform)
	}
	parts = append(parts, strings.TrimSpace(facts.String()))

	if b.Memory != nil {
		if excerpt := b.Memory.Excerpt(); excerpt != "" {
			parts = append(parts, "Recent conversation memory:\n\n"+excerpt)
		}
	}
	return strings.Join(parts, "\n\n")
}

// BuildSubagent returns the reduced system prompt for delegated tasks.
func (b *PromptBuilder) BuildSubagent(task string) string {
	now := b.Now()
	var sb strings.Builder
	sb.WriteString("You are a focused sub-agent. Complete the given task and report the result as text. ")
	sb.WriteString("You cannot talk to the user; your final answer goes back to the main assistant.\n\n")
	fmt.Fprintf(&sb, "Current date: %s\n", now.Format("2006-01-02"))
	if ws := b.Config.Workspace; ws != "" {
		fmt.Fprintf(&sb, "Workspace directory: %s\n", ws)
	}
	if os.Geteuid() == 0 {
		sb.WriteString("Commands run as root.\n")
	}
	return strings.TrimSpace(sb.String())
}
