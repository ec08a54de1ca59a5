// Package memory keeps a daily markdown log of exchanges. The recent excerpt
// is folded into the system prompt so the assistant remembers earlier
// conversations across sessions.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// excerptDays is how many daily files the excerpt may span.
	excerptDays = 3
	// excerptMaxBytes caps the excerpt folded into the system prompt.
	excerptMaxBytes = 4000
	// entryMaxLen caps a single logged text.
	entryMaxLen = 500
)

// Log writes daily exchange files under <config dir>/memory/.
type Log struct {
	dir string
	now func() time.Time
}

// NewLog creates a log rooted at the config directory.
func NewLog(configDir string) *Log {
	return &Log{dir: filepath.Join(configDir, "memory"), now: time.Now}
}

// AppendExchange records one user/assistant pair in today's file.
func (l *Log) AppendExchange(userText, assistantText string) error {
	if strings.TrimSpace(userText) == "" && strings.TrimSpace(assistantText) == "" {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	now := l.now()
	path := filepath.Join(l.dir, now.Format("2006-01-02")+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", now.Format("15:04"))
	if userText != "" {
		fmt.Fprintf(&b, "**User:** %s\n", clip(userText, entryMaxLen))
	}
	if assistantText != "" {
		fmt.Fprintf(&b, "**Assistant:** %s\n", clip(assistantText, entryMaxLen))
	}
	b.WriteString("\n")
	_, err = f.WriteString(b.String())
	return err
}

// Excerpt returns the newest memory content for the system prompt, bounded
// by excerptDays files and excerptMaxBytes.
func (l *Log) Excerpt() string {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if len(names) > excerptDays {
		names = names[:excerptDays]
	}
	// Oldest of the window first, so the excerpt reads chronologically.
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "### %s\n%s\n", strings.TrimSuffix(name, ".md"), strings.TrimSpace(string(data)))
	}
	out := b.String()
	if len(out) > excerptMaxBytes {
		out = out[len(out)-excerptMaxBytes:]
		// Cut at a line boundary so the excerpt does not start mid-sentence.
		if idx := strings.IndexByte(out, '\n'); idx >= 0 {
			out = out[idx+1:]
		}
	}
	return strings.TrimSpace(out)
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
