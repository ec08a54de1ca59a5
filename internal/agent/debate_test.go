package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/steiger/concierge/internal/cancel"
	"github.com/steiger/concierge/internal/tools"
)

func TestRunDebateSingleRound(t *testing.T) {
	// One round: side A, side B, the round summary, the conclusion.
	srv, seen := scriptedServer(t, []map[string]any{
		assistantMsg("Argument A"),
		assistantMsg("Argument B"),
		assistantMsg("Zusammenfassung Runde 1"),
		assistantMsg("Fazit: unentschieden"),
	})
	defer srv.Close()

	l := newTestLoop(srv.URL)
	l.Config.Workspace = t.TempDir()
	l.Tools.Register(&tools.ExecTool{})

	out, err := l.RunDebate(context.Background(), DebateOptions{
		Topic:        "Kernenergie",
		PerspectiveA: "Pro",
		PerspectiveB: "Contra",
		ModelA:       "local/m",
		Rounds:       1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Debatte abgeschlossen (1 Runden)") || !strings.Contains(out, "Fazit: unentschieden") {
		t.Errorf("out = %q", out)
	}
	if len(*seen) != 4 {
		t.Fatalf("chat calls = %d, want 4", len(*seen))
	}

	// Debaters research their arguments: every side call must offer the
	// restricted tool set.
	for i, wr := range (*seen)[:2] {
		if len(wr.Tools) == 0 {
			t.Errorf("call %d carries no tools", i+1)
			continue
		}
		for _, td := range wr.Tools {
			if !tools.SubagentTools[td.Function.Name] {
				t.Errorf("call %d offers %q outside the sub-agent set", i+1, td.Function.Name)
			}
		}
	}

	entries, err := os.ReadDir(l.Config.Workspace)
	if err != nil || len(entries) != 1 {
		t.Fatalf("transcript files: %v, %v", entries, err)
	}
	data, err := os.ReadFile(filepath.Join(l.Config.Workspace, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	transcript := string(data)
	for _, want := range []string{"Argument A", "Argument B", "## Fazit"} {
		if !strings.Contains(transcript, want) {
			t.Errorf("transcript missing %q", want)
		}
	}
}

func TestRunDebateCancelKeepsFlag(t *testing.T) {
	l := newTestLoop("http://unused")
	l.Config.Workspace = t.TempDir()
	l.Cancels.Request("u1", cancel.Stop)

	out, err := l.RunDebate(context.Background(), DebateOptions{
		Topic:        "Test",
		PerspectiveA: "Pro",
		PerspectiveB: "Contra",
		ModelA:       "local/m",
		Rounds:       2,
		UserID:       "u1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "abgebrochen in Runde 1") {
		t.Errorf("out = %q", out)
	}
	// The debate only peeks; the outer loop still owns the flag.
	if l.Cancels.Check("u1") == "" {
		t.Error("cancel flag must survive the debate")
	}
}
