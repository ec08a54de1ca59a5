// Package scheduler runs cron and one-shot jobs that wake the assistant
// autonomously. Jobs are persisted in schedules.json inside the config
// directory and survive restarts.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/steiger/concierge/internal/tools"
)

const schedulePreamble = "[SCHEDULED TASK — autonomous mode] " +
	"You are executing a scheduled task. The user is NOT present and cannot respond. " +
	"Complete the task fully on your own using your tools (exec, web_search, gh CLI, etc.). " +
	"NEVER give instructions to the user, NEVER ask follow-up questions, NEVER say 'you can do X'. " +
	"Just do it, deliver the result.\n\n"

var relativeRe = regexp.MustCompile(`(?i)^in\s+(\d+)\s*(minute|hour)s?\s*$`)

// Job is one scheduled task.
type Job struct {
	ID        string    `json:"id"`
	Schedule  string    `json:"schedule"`         // cron expression; empty for one-shots
	RunAt     time.Time `json:"run_at,omitempty"` // one-shot fire time
	Prompt    string    `json:"prompt,omitempty"`
	Command   string    `json:"command,omitempty"`
	Model     string    `json:"model,omitempty"`
	Once      bool      `json:"once"`
	Platform  string    `json:"platform,omitempty"`
	RoomID    string    `json:"room_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (j Job) oneShot() bool { return !j.RunAt.IsZero() }

// Runner executes a scheduled prompt through the assistant and returns the
// answer text.
type Runner interface {
	RunScheduled(ctx context.Context, prompt, model string, cc tools.ChatContext) (string, error)
}

// Deliverer sends a job result back to the chat surface it was created from,
// or to all authorized users when the job has no surface.
type Deliverer interface {
	Deliver(ctx context.Context, cc tools.ChatContext, text string) error
}

// Scheduler owns the job store and the minute ticker.
type Scheduler struct {
	dir       string
	runner    Runner
	deliverer Deliverer
	exec      *tools.ExecTool

	gron *gronx.Gronx
	now  func() time.Time

	mu   sync.Mutex
	jobs []Job
}

// New loads the job store from the config directory. Expired one-shots are
// pruned on load.
func New(configDir string, runner Runner, deliverer Deliverer, exec *tools.ExecTool) (*Scheduler, error) {
	s := &Scheduler{
		dir:       configDir,
		runner:    runner,
		deliverer: deliverer,
		exec:      exec,
		gron:      gronx.New(),
		now:       time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) path() string { return filepath.Join(s.dir, "schedules.json") }

func (s *Scheduler) load() error {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read schedules: %w", err)
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse schedules: %w", err)
	}
	now := s.now()
	kept := jobs[:0]
	for _, j := range jobs {
		if j.oneShot() && j.RunAt.Before(now) {
			slog.Info("pruning expired one-shot job", "id", shortID(j.ID), "run_at", j.RunAt)
			continue
		}
		kept = append(kept, j)
	}
	s.jobs = kept
	if len(kept) < len(jobs) {
		return s.saveLocked()
	}
	return nil
}

func (s *Scheduler) saveLocked() error {
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedules: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".schedules-*")
	if err != nil {
		return fmt.Errorf("create temp schedules: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write schedules: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync schedules: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path()); err != nil {
		return fmt.Errorf("replace schedules: %w", err)
	}
	return nil
}

// AddJob implements tools.JobScheduler. The job fires on the calling chat
// surface unless the request names another one.
func (s *Scheduler) AddJob(req tools.JobRequest, cc tools.ChatContext) (tools.JobSummary, error) {
	if req.Prompt == "" && req.Command == "" {
		return tools.JobSummary{}, fmt.Errorf("a job needs a prompt or a command")
	}
	if req.Platform != "" {
		cc = tools.ChatContext{Platform: req.Platform}
		switch req.Platform {
		case "matrix":
			cc.RoomID = req.Target
		case "discord":
			cc.ChannelID = req.Target
		}
	}
	job := Job{
		ID:        uuid.NewString(),
		Prompt:    req.Prompt,
		Command:   req.Command,
		Model:     req.Model,
		Platform:  cc.Platform,
		RoomID:    cc.RoomID,
		ChannelID: cc.ChannelID,
		UserID:    cc.UserID,
		CreatedAt: s.now(),
	}
	spec := strings.TrimSpace(req.Schedule)
	if m := relativeRe.FindStringSubmatch(spec); m != nil {
		n := 0
		fmt.Sscanf(m[1], "%d", &n)
		d := time.Duration(n) * time.Minute
		if strings.HasPrefix(strings.ToLower(m[2]), "hour") {
			d = time.Duration(n) * time.Hour
		}
		job.RunAt = s.now().Add(d)
		job.Schedule = spec
		job.Once = true
	} else {
		if len(strings.Fields(spec)) != 5 || !s.gron.IsValid(spec) {
			return tools.JobSummary{}, fmt.Errorf("invalid schedule %q: use a 5-field cron expression or 'in N minutes' / 'in N hours'", spec)
		}
		job.Schedule = spec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	if err := s.saveLocked(); err != nil {
		s.jobs = s.jobs[:len(s.jobs)-1]
		return tools.JobSummary{}, err
	}
	slog.Info("job added", "id", shortID(job.ID), "schedule", job.Schedule, "once", job.Once)
	return summarize(job), nil
}

// ListJobs implements tools.JobScheduler.
func (s *Scheduler) ListJobs() []tools.JobSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tools.JobSummary, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, summarize(j))
	}
	return out
}

// RemoveJob implements tools.JobScheduler. Accepts a full ID or a unique
// prefix.
func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, j := range s.jobs {
		if j.ID == id || (len(id) >= 4 && strings.HasPrefix(j.ID, id)) {
			if idx >= 0 {
				return false // ambiguous prefix
			}
			idx = i
		}
	}
	if idx < 0 {
		return false
	}
	removed := s.jobs[idx]
	s.jobs = append(s.jobs[:idx], s.jobs[idx+1:]...)
	if err := s.saveLocked(); err != nil {
		slog.Warn("save after remove failed", "error", err)
	}
	slog.Info("job removed", "id", shortID(removed.ID))
	return true
}

// Run ticks once per minute and fires due jobs until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started", "jobs", len(s.ListJobs()))
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []Job
	kept := s.jobs[:0]
	for _, j := range s.jobs {
		fire := false
		if j.oneShot() {
			fire = !now.Before(j.RunAt)
		} else if ok, err := s.gron.IsDue(j.Schedule, now); err == nil {
			fire = ok
		}
		if fire {
			due = append(due, j)
			if j.Once {
				// Remove before the job runs so a crash or slow run
				// cannot fire it twice.
				continue
			}
		}
		kept = append(kept, j)
	}
	if len(kept) < len(s.jobs) {
		s.jobs = kept
		if err := s.saveLocked(); err != nil {
			slog.Warn("save after once-removal failed", "error", err)
		}
	} else {
		s.jobs = kept
	}
	s.mu.Unlock()

	for _, j := range due {
		go s.runJob(ctx, j)
	}
}

func (s *Scheduler) runJob(ctx context.Context, j Job) {
	slog.Info("job fired", "id", shortID(j.ID), "prompt", clip(j.Prompt, 80))
	cc := tools.ChatContext{Platform: j.Platform, RoomID: j.RoomID, ChannelID: j.ChannelID, UserID: j.UserID}

	var cmdOutput string
	if j.Command != "" && s.exec != nil {
		res := s.exec.Execute(ctx, map[string]any{"command": j.Command})
		cmdOutput = strings.TrimSpace(res.ForLLM)
	}

	if j.Prompt == "" {
		if cmdOutput != "" && s.deliverer != nil {
			if err := s.deliverer.Deliver(ctx, cc, cmdOutput); err != nil {
				slog.Warn("job delivery failed", "id", shortID(j.ID), "error", err)
			}
		}
		return
	}

	full := schedulePreamble + j.Prompt
	if cmdOutput != "" {
		full += "\n\nAusgabe des Befehls:\n" + cmdOutput
	}
	answer, err := s.runner.RunScheduled(ctx, full, j.Model, cc)
	if err != nil {
		slog.Error("job run failed", "id", shortID(j.ID), "error", err)
		answer = fmt.Sprintf("Schedule-Fehler: %v", err)
	}
	if answer == "" || s.deliverer == nil {
		return
	}
	if err := s.deliverer.Deliver(ctx, cc, answer); err != nil {
		slog.Warn("job delivery failed", "id", shortID(j.ID), "error", err)
	}
}

func summarize(j Job) tools.JobSummary {
	out := tools.JobSummary{
		ID:       shortID(j.ID),
		Schedule: j.Schedule,
		Prompt:   j.Prompt,
		Once:     j.Once,
	}
	if j.Prompt == "" {
		out.Prompt = j.Command
	}
	if j.oneShot() {
		out.NextRun = j.RunAt.Format(time.RFC3339)
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
