package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestExecSuccess(t *testing.T) {
	tool := &ExecTool{}
	res := tool.Execute(context.Background(), map[string]any{"command": "echo hallo"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if !strings.HasPrefix(res.ForLLM, "returncode: 0\n") {
		t.Errorf("missing return code: %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "stdout:\nhallo") {
		t.Errorf("stdout missing: %q", res.ForLLM)
	}
}

func TestExecNonZeroExit(t *testing.T) {
	tool := &ExecTool{}
	res := tool.Execute(context.Background(), map[string]any{"command": "echo oops >&2; exit 3"})
	if res.IsError {
		t.Fatal("non-zero exit is a result, not a tool error")
	}
	if !strings.HasPrefix(res.ForLLM, "returncode: 3\n") {
		t.Errorf("return code: %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "stderr:\noops") {
		t.Errorf("stderr missing: %q", res.ForLLM)
	}
}

func TestExecMissingCommand(t *testing.T) {
	tool := &ExecTool{}
	res := tool.Execute(context.Background(), map[string]any{})
	if !res.IsError {
		t.Error("missing command must error")
	}
}

func TestExecWorkspaceCwd(t *testing.T) {
	ws := t.TempDir()
	tool := &ExecTool{Workspace: ws}
	res := tool.Execute(context.Background(), map[string]any{"command": "pwd"})
	out := strings.Split(res.ForLLM, "stdout:\n")
	if len(out) != 2 {
		t.Fatalf("unexpected output: %q", res.ForLLM)
	}
	got, _ := filepath.EvalSymlinks(strings.Split(out[1], "\n")[0])
	want, _ := filepath.EvalSymlinks(ws)
	if got != want {
		t.Errorf("cwd = %q, want %q", got, want)
	}
}

func TestExecGHTokenEnv(t *testing.T) {
	tool := &ExecTool{GHToken: "tok123"}
	res := tool.Execute(context.Background(), map[string]any{"command": "echo $GH_TOKEN-$GITHUB_TOKEN"})
	if !strings.Contains(res.ForLLM, "tok123-tok123") {
		t.Errorf("token env missing: %q", res.ForLLM)
	}
}

func TestClipOutput(t *testing.T) {
	long := strings.Repeat("x", execOutputCap+50)
	got := clipOutput(long)
	if !strings.HasSuffix(got, "... (output truncated)") {
		t.Error("truncation marker missing")
	}
	if got := clipOutput("short\n"); got != "short" {
		t.Errorf("trailing newline kept: %q", got)
	}
}
