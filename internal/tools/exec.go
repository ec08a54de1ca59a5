package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	execTimeout   = 60 * time.Second
	execOutputCap = 10000
)

// ExecTool runs a shell command in the workspace directory.
type ExecTool struct {
	Workspace string
	GHToken   string
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Execute a shell command on the host and return its exit code, stdout and stderr. " +
		"Commands run in the workspace directory with a 60 second timeout. " +
		"Use this for file operations, scripts, git, and any other system task."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) *Result {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return Errf("missing command")
	}

	runCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if t.Workspace != "" {
		os.MkdirAll(t.Workspace, 0o755)
		cmd.Dir = t.Workspace
	}
	cmd.Env = os.Environ()
	if t.GHToken != "" {
		cmd.Env = append(cmd.Env, "GH_TOKEN="+t.GHToken, "GITHUB_TOKEN="+t.GHToken)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return Errf("command timed out after %s", execTimeout)
	}
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			return Errf("start command: %v", err)
		}
	}

	return Ok(fmt.Sprintf("returncode: %d\nstdout:\n%s\nstderr:\n%s",
		code, clipOutput(stdout.String()), clipOutput(stderr.String())))
}

func clipOutput(s string) string {
	s = strings.TrimRight(s, "\n")
	if len(s) <= execOutputCap {
		return s
	}
	return s[:execOutputCap] + "\n... (output truncated)"
}
