package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/steiger/concierge/internal/providers"
	"github.com/steiger/concierge/internal/tools"
)

const debateArgumentClip = 600

var debateSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

// DebateOptions configures one debate run.
type DebateOptions struct {
	Topic        string
	PerspectiveA string
	PerspectiveB string
	ModelA       string
	ModelB       string // empty: same as ModelA
	Rounds       int    // clamped to 1..10
	Language     string // default "Deutsch"
	UserID       string // cancellation key
	Sink         EventSink
}

// RunDebate moderates a structured multi-round exchange between two model
// perspectives. Each round side A argues, side B replies, and the round is
// summarized as context for the next one. The full transcript is written to
// a markdown file in the workspace and a neutral conclusion closes it.
func (l *Loop) RunDebate(ctx context.Context, opts DebateOptions) (string, error) {
	workspace := strings.TrimSpace(l.Config.Workspace)
	if workspace == "" {
		return "", fmt.Errorf("debate requires a configured workspace directory")
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	modelA := l.Config.ResolveModel(opts.ModelA)
	modelB := modelA
	if opts.ModelB != "" {
		modelB = l.Config.ResolveModel(opts.ModelB)
	}
	rounds := opts.Rounds
	if rounds < 1 {
		rounds = 3
	}
	if rounds > 10 {
		rounds = 10
	}
	language := opts.Language
	if language == "" {
		language = "Deutsch"
	}

	slug := strings.Trim(debateSlugRe.ReplaceAllString(strings.ToLower(opts.Topic), "-"), "-")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	if slug == "" {
		slug = "debate"
	}
	transcript := filepath.Join(workspace, fmt.Sprintf("debate-%s-%d.md", slug, time.Now().Unix()))

	header := fmt.Sprintf("# Debatte: %s\n\n- **Seite A:** %s (Modell: `%s`)\n- **Seite B:** %s (Modell: `%s`)\n- **Runden:** %d\n- **Sprache:** %s\n\n---\n\n",
		opts.Topic, opts.PerspectiveA, modelA, opts.PerspectiveB, modelB, rounds, language)
	if err := os.WriteFile(transcript, []byte(header), 0o644); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}

	systemA := debaterSystem("A", opts.PerspectiveA, opts.Topic, language)
	systemB := debaterSystem("B", opts.PerspectiveB, opts.Topic, language)

	var (
		summarySoFar  string
		lastArgumentA string
		lastArgumentB string
		completed     int
	)

	for round := 1; round <= rounds; round++ {
		if l.debateCanceled(opts.UserID) {
			appendFile(transcript, fmt.Sprintf("\n---\n\n*Debatte abgebrochen in Runde %d.*\n", round))
			return fmt.Sprintf("Debatte abgebrochen in Runde %d. Datei: `%s`", round, transcript), nil
		}
		opts.Sink.emit(Event{Kind: EventStatus, Text: fmt.Sprintf("Debatte Runde %d/%d …", round, rounds)})

		var msgA string
		if round == 1 {
			msgA = fmt.Sprintf("Eröffne die Debatte zum Thema: %s\nDeine Position: %s\nBringe dein stärkstes Eröffnungsargument.",
				opts.Topic, opts.PerspectiveA)
		} else {
			msgA = fmt.Sprintf("Debatte Runde %d/%d.\nBisheriger Verlauf (Zusammenfassung):\n%s\n\nLetzte Antwort von Seite B (%s):\n%s\n\nAntworte auf die Argumente von Seite B und bringe neue Punkte für deine Position.",
				round, rounds, summarySoFar, opts.PerspectiveB, lastArgumentB)
		}
		responseA, err := l.debateCall(ctx, modelA, systemA, msgA)
		if err != nil {
			return "", fmt.Errorf("Seite A (Runde %d): %w", round, err)
		}
		lastArgumentA = responseA
		appendFile(transcript, fmt.Sprintf("## Runde %d — Seite A: %s\n\n%s\n\n", round, opts.PerspectiveA, responseA))

		if l.debateCanceled(opts.UserID) {
			appendFile(transcript, fmt.Sprintf("\n---\n\n*Debatte abgebrochen nach Seite A, Runde %d.*\n", round))
			return fmt.Sprintf("Debatte abgebrochen in Runde %d. Datei: `%s`", round, transcript), nil
		}

		msgB := fmt.Sprintf("Debatte Runde %d/%d.\n", round, rounds)
		if summarySoFar != "" {
			msgB += fmt.Sprintf("Bisheriger Verlauf (Zusammenfassung):\n%s\n\n", summarySoFar)
		}
		msgB += fmt.Sprintf("Aktuelles Argument von Seite A (%s):\n%s\n\nAntworte auf die Argumente von Seite A und bringe Punkte für deine Position.",
			opts.PerspectiveA, responseA)
		responseB, err := l.debateCall(ctx, modelB, systemB, msgB)
		if err != nil {
			return "", fmt.Errorf("Seite B (Runde %d): %w", round, err)
		}
		lastArgumentB = responseB
		appendFile(transcript, fmt.Sprintf("## Runde %d — Seite B: %s\n\n%s\n\n---\n\n", round, opts.PerspectiveB, responseB))
		completed = round

		roundText := fmt.Sprintf("Runde %d:\nSeite A (%s): %s\nSeite B (%s): %s",
			round, opts.PerspectiveA, clipRunes(responseA, debateArgumentClip),
			opts.PerspectiveB, clipRunes(responseB, debateArgumentClip))
		roundSummary := l.debateSummarize(ctx, modelA, roundText, language)
		if summarySoFar == "" {
			summarySoFar = roundSummary
		} else {
			summarySoFar = strings.TrimSpace(summarySoFar + "\n" + roundSummary)
		}
	}

	opts.Sink.emit(Event{Kind: EventStatus, Text: "Debatte abgeschlossen — erstelle Fazit …"})
	conclusion := l.debateConclusion(ctx, modelA, opts, language, summarySoFar, completed, lastArgumentA, lastArgumentB)
	appendFile(transcript, fmt.Sprintf("## Fazit\n\n%s\n", conclusion))

	return fmt.Sprintf("Debatte abgeschlossen (%d Runden).\nTranskript: `%s`\n\n## Zusammenfassung\n%s",
		completed, transcript, conclusion), nil
}

func debaterSystem(side, perspective, topic, language string) string {
	return fmt.Sprintf("Du bist Debattierer %s in einer strukturierten Debatte.\n"+
		"Deine Position: **%s**\n"+
		"Thema: %s\n\n"+
		"Regeln:\n"+
		"- Argumentiere überzeugend für deine Position mit Fakten und Logik\n"+
		"- Wenn Gegenargumente gegeben werden, gehe direkt darauf ein\n"+
		"- Bringe in jeder Runde mindestens ein neues Argument\n"+
		"- Bleibe beim Thema, keine Abschweifungen\n"+
		"- Maximal 300 Wörter pro Argument\n"+
		"- Sprache: %s\n"+
		"- Gib NUR dein Argument aus, keine Meta-Kommentare wie 'Als Debattierer %s...'",
		side, perspective, topic, language, side)
}

// debateCall runs one side's turn as a sub-agent: the debater may research
// its argument with the restricted tool set. No UserID is passed on purpose;
// cancellation stays with RunDebate's own round checks.
func (l *Loop) debateCall(ctx context.Context, model, system, userMsg string) (string, error) {
	res, err := l.Run(ctx, RunRequest{
		Model:     model,
		System:    system,
		User:      providers.Message{Role: "user", Content: userMsg},
		Subagent:  true,
		MaxRounds: 5,
	})
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(res.Content)
	if content == "" {
		content = strings.TrimSpace(res.Thinking)
	}
	if content == "" {
		return "", fmt.Errorf("model %s returned no argument", model)
	}
	return content, nil
}

func (l *Loop) debateSummarize(ctx context.Context, model, roundText, language string) string {
	system := fmt.Sprintf("Du bist ein neutraler Zusammenfasser. Fasse den Debattenverlauf kurz und präzise zusammen. "+
		"Max 150 Wörter. Nur die Zusammenfassung, keine Einleitung. Sprache: %s", language)
	out, err := l.debateCall(ctx, model, system, roundText)
	if err != nil {
		return fmt.Sprintf("(Zusammenfassung fehlgeschlagen: %v)", err)
	}
	return out
}

func (l *Loop) debateConclusion(ctx context.Context, model string, opts DebateOptions, language, summary string, completed int, lastA, lastB string) string {
	prompt := fmt.Sprintf("Fasse diese Debatte zusammen und bewerte die Argumente beider Seiten neutral.\n"+
		"Was waren die stärksten Argumente? Wo gab es Übereinstimmungen, wo Differenzen?\n"+
		"Sprache: %s\n\n"+
		"Thema: %s\n"+
		"Seite A (%s) vs. Seite B (%s)\n\n"+
		"Debattenverlauf:\n%s\n\n"+
		"Letzte Argumente (Runde %d):\n"+
		"Seite A: %s\nSeite B: %s",
		language, opts.Topic, opts.PerspectiveA, opts.PerspectiveB, summary, completed,
		clipRunes(lastA, 800), clipRunes(lastB, 800))
	system := fmt.Sprintf("Du bist ein neutraler Moderator. Fasse die Debatte fair zusammen. "+
		"Bewerte die Qualität der Argumente beider Seiten. Sprache: %s", language)
	out, err := l.debateCall(ctx, model, system, prompt)
	if err != nil {
		return fmt.Sprintf("(Fazit-Generierung fehlgeschlagen: %v)", err)
	}
	return out
}

// debateCanceled peeks at the flag without clearing it; the outer chat loop
// observes and clears it at its own round boundary.
func (l *Loop) debateCanceled(userID string) bool {
	return l.Cancels != nil && userID != "" && l.Cancels.Check(userID) != ""
}

func appendFile(path, text string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString(text)
}

func clipRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// DebateTool exposes RunDebate to the model.
type DebateTool struct {
	Loop *Loop
	Sink EventSink
}

func (t *DebateTool) Name() string { return "debate" }

func (t *DebateTool) Description() string {
	return "Start a structured multi-round debate between two AI perspectives on a topic. " +
		"Each round both sides argue, the exchange is summarized and written to a markdown " +
		"transcript in the workspace, and a neutral conclusion is produced. " +
		"You choose the perspectives, e.g. 'Pro Kernenergie' vs. 'Contra Kernenergie'."
}

func (t *DebateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"topic":         map[string]any{"type": "string", "description": "The debate topic"},
			"perspective_a": map[string]any{"type": "string", "description": "Position of side A"},
			"perspective_b": map[string]any{"type": "string", "description": "Position of side B"},
			"model":         map[string]any{"type": "string", "description": "Model for side A (and B unless model_b is set)"},
			"model_b":       map[string]any{"type": "string", "description": "Optional different model for side B"},
			"rounds":        map[string]any{"type": "integer", "description": "Number of rounds, 1-10, default 3"},
			"language":      map[string]any{"type": "string", "description": "Debate language, default Deutsch"},
		},
		"required": []string{"topic", "perspective_a", "perspective_b", "model"},
	}
}

func (t *DebateTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	topic := strings.TrimSpace(argString(args, "topic"))
	perspA := strings.TrimSpace(argString(args, "perspective_a"))
	perspB := strings.TrimSpace(argString(args, "perspective_b"))
	model := strings.TrimSpace(argString(args, "model"))
	if topic == "" || perspA == "" || perspB == "" || model == "" {
		return tools.Errf("debate requires topic, perspective_a, perspective_b and model")
	}
	rounds := 3
	if v, ok := args["rounds"].(float64); ok {
		rounds = int(v)
	}
	cc := tools.ChatContextFrom(ctx)
	out, err := t.Loop.RunDebate(ctx, DebateOptions{
		Topic:        topic,
		PerspectiveA: perspA,
		PerspectiveB: perspB,
		ModelA:       model,
		ModelB:       strings.TrimSpace(argString(args, "model_b")),
		Rounds:       rounds,
		Language:     strings.TrimSpace(argString(args, "language")),
		UserID:       cc.UserID,
		Sink:         t.Sink,
	})
	if err != nil {
		return tools.Errf("debate failed: %v", err)
	}
	return tools.Ok(out)
}
