package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/steiger/concierge/internal/cancel"
	"github.com/steiger/concierge/internal/providers"
	"github.com/steiger/concierge/internal/tools"
)

const warmupPrompt = "Say hello briefly in one short sentence."

// handleCommand answers chat commands. Returns handled=false for normal
// messages.
func (a *Assistant) handleCommand(ctx context.Context, cc tools.ChatContext, sessionKey, text string) (string, bool) {
	raw := strings.TrimSpace(text)
	low := strings.ToLower(raw)
	switch {
	case raw == "":
		return "", true

	case low == "/stop":
		a.Loop.Cancels.Request(cc.UserID, cancel.Stop)
		return "*Stoppe nach der aktuellen Runde …*", true

	case low == "/abort":
		a.Loop.Cancels.Request(cc.UserID, cancel.Abort)
		return "*Breche sofort ab …*", true

	case low == "/model":
		current := a.Sessions.Model(sessionKey)
		if current == "" {
			current = a.Config.ResolveModel("")
		}
		if current == "" {
			current = "(keins)"
		}
		return fmt.Sprintf("Aktuelles Modell: `%s`\n\n*Wechseln: `/model NAME` oder `/model ALIAS`*", current), true

	case strings.HasPrefix(low, "/model "):
		return a.switchModel(ctx, cc, sessionKey, strings.TrimSpace(raw[len("/model "):])), true

	case low == "/models" || strings.HasPrefix(low, "/models "):
		filter := ""
		if strings.HasPrefix(low, "/models ") {
			filter = strings.TrimSpace(raw[len("/models "):])
		}
		return a.listModels(sessionKey, filter), true

	case low == "/new":
		return a.newSession(ctx, cc, sessionKey), true

	case low == "/schedules":
		return a.formatSchedules(), true

	case strings.HasPrefix(low, "/schedule remove "):
		id := strings.TrimSpace(raw[len("/schedule remove "):])
		if id == "" {
			return "Nutzung: `/schedule remove <ID>` (IDs mit `/schedules` anzeigen)", true
		}
		if a.Scheduler == nil {
			return "*Scheduler nicht verfügbar.*", true
		}
		if !a.Scheduler.RemoveJob(id) {
			return fmt.Sprintf("Fehler: Job `%s` nicht gefunden.", id), true
		}
		return fmt.Sprintf("Job `%s` entfernt.", id), true

	case strings.HasPrefix(low, "/auth ") && len(raw) > 6:
		return a.consumeAuthCode(cc, raw[len("/auth "):]), true
	}
	return "", false
}

func (a *Assistant) switchModel(ctx context.Context, cc tools.ChatContext, sessionKey, name string) string {
	resolved := a.Config.ResolveModel(name)
	if resolved == "" {
		resolved = name
	}
	if msg := a.checkModelAvailable(ctx, resolved); msg != "" {
		return msg
	}
	a.Sessions.SetModel(sessionKey, resolved)

	// Warmup call: loads the model and greets with its own voice.
	reply, err := a.warmup(ctx, cc, resolved)
	if err != nil {
		return fmt.Sprintf("Modell: `%s`. Verlauf gelöscht.\n\n*(Warmup fehlgeschlagen: %v)*", resolved, err)
	}
	return fmt.Sprintf("%s\n\n*(Modell: %s)*", reply, resolved)
}

func (a *Assistant) newSession(ctx context.Context, cc tools.ChatContext, sessionKey string) string {
	a.Sessions.Reset(sessionKey)
	model := a.Sessions.Model(sessionKey)
	if model == "" {
		model = a.Config.ResolveModel("")
	}
	if model == "" {
		return "Neue Session gestartet. Kein Modell konfiguriert – bitte /model NAME oder in der Config ein default-Modell setzen."
	}
	reply, err := a.warmup(ctx, cc, model)
	if err != nil {
		return fmt.Sprintf("Neue Session gestartet. Der vorherige Verlauf ist nicht mehr im Kontext.\n\n*(Warmup fehlgeschlagen: %v)*", err)
	}
	return fmt.Sprintf("%s\n\n*(Modell: %s)*", reply, model)
}

func (a *Assistant) warmup(ctx context.Context, cc tools.ChatContext, model string) (string, error) {
	p, bare := a.Loop.Providers.For(model)
	resp, err := p.Chat(ctx, providers.ChatRequest{
		Model:    bare,
		System:   a.Prompt.Build(cc),
		Messages: []providers.Message{{Role: "user", Content: warmupPrompt}},
		NumCtx:   a.Config.NumCtxFor(model),
		Options:  a.Config.OptionsFor(model),
	})
	if err != nil {
		return "", err
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		reply = "Modell geladen."
	}
	return reply, nil
}

// checkModelAvailable probes Ollama for local models; hosted providers are
// taken at their word.
func (a *Assistant) checkModelAvailable(ctx context.Context, resolved string) string {
	if a.Config.ProviderType(resolved) != "ollama" {
		return ""
	}
	p, bare := a.Loop.Providers.For(resolved)
	op, ok := p.(*providers.OllamaProvider)
	if !ok {
		return ""
	}
	available, err := op.ListModels(ctx)
	if err != nil {
		return fmt.Sprintf("Modellwechsel abgebrochen: %v. Bitte Ollama starten oder base_url prüfen.", err)
	}
	for _, m := range available {
		if m == bare {
			return ""
		}
	}
	configured := a.Config.ConfiguredModels()
	avail := "(keine konfiguriert)"
	if len(configured) > 0 {
		avail = "`" + strings.Join(configured, "`, `") + "`"
	}
	return fmt.Sprintf("Modell `%s` nicht bei Ollama gefunden. Konfiguriert: %s. Wechsel abgebrochen.", resolved, avail)
}

func (a *Assistant) listModels(sessionKey, providerFilter string) string {
	current := a.Sessions.Model(sessionKey)
	if current == "" {
		current = a.Config.ResolveModel("")
	}
	var b strings.Builder
	b.WriteString("**Konfigurierte Modelle:**\n")
	count := 0
	for _, m := range a.Config.ConfiguredModels() {
		if providerFilter != "" && !strings.HasPrefix(m, providerFilter+"/") {
			continue
		}
		marker := ""
		if m == current {
			marker = " ← aktuell"
		}
		fmt.Fprintf(&b, "- `%s`%s\n", m, marker)
		count++
	}
	if count == 0 {
		return "Keine Modelle konfiguriert."
	}
	b.WriteString("\n*Wechseln: `/model NAME`*")
	return b.String()
}

func (a *Assistant) formatSchedules() string {
	if a.Scheduler == nil {
		return "*Scheduler nicht verfügbar.*"
	}
	jobs := a.Scheduler.ListJobs()
	if len(jobs) == 0 {
		return "Keine geplanten Jobs."
	}
	var b strings.Builder
	b.WriteString("**Geplante Jobs:**\n")
	for _, j := range jobs {
		fmt.Fprintf(&b, "- `%s` [%s]", j.ID, j.Schedule)
		if j.Once {
			b.WriteString(" (einmalig)")
		}
		fmt.Fprintf(&b, ": %s\n", j.Prompt)
	}
	b.WriteString("\n*Entfernen: `/schedule remove <ID>`*")
	return b.String()
}

// consumeAuthCode redeems a code entered on a trusted surface (web UI or
// CLI). Matrix and Discord users receive codes but cannot redeem them there.
func (a *Assistant) consumeAuthCode(cc tools.ChatContext, rest string) string {
	if cc.Platform != "web" && cc.Platform != "cli" && cc.Platform != "" {
		return "Codes können nur in der Web-UI oder im Terminal eingelöst werden."
	}
	if a.Auth == nil {
		return "Auth-Speicher nicht verfügbar."
	}
	platform, userID, ok := a.Auth.ConsumeCode(rest)
	if !ok {
		return "Code nicht gefunden (bereits eingelöst oder abgelaufen?). Im Matrix-/Discord-Chat einen neuen Code anfordern."
	}
	return fmt.Sprintf("%s freigeschaltet für `%s`.", capitalize(platform), userID)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
