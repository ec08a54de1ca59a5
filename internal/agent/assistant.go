package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/steiger/concierge/internal/auth"
	"github.com/steiger/concierge/internal/config"
	"github.com/steiger/concierge/internal/memory"
	"github.com/steiger/concierge/internal/providers"
	"github.com/steiger/concierge/internal/sessions"
	"github.com/steiger/concierge/internal/tools"
)

// Assistant ties the loop, sessions, memory and chat commands together. It is
// the single entry point the channels and the HTTP facade talk to.
type Assistant struct {
	Config    *config.Config
	Loop      *Loop
	Prompt    *PromptBuilder
	Sessions  *sessions.Manager
	Memory    *memory.Log
	Auth      *auth.Store
	Scheduler tools.JobScheduler

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	pending map[string][]providers.ImageContent
}

// stashImages keeps an image-only message until the user says what to do
// with it.
func (a *Assistant) stashImages(key string, images []providers.ImageContent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		a.pending = map[string][]providers.ImageContent{}
	}
	a.pending[key] = append(a.pending[key], images...)
}

// takePendingImages removes and returns the stashed images for key.
func (a *Assistant) takePendingImages(key string) []providers.ImageContent {
	a.mu.Lock()
	defer a.mu.Unlock()
	imgs := a.pending[key]
	delete(a.pending, key)
	return imgs
}

// sessionLock returns the mutex serializing turns of one session. Messages
// from the same conversation are processed strictly in order; different
// sessions run concurrently.
func (a *Assistant) sessionLock(key string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.locks == nil {
		a.locks = map[string]*sync.Mutex{}
	}
	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	return l
}

// Reply is the outcome of one handled message.
type Reply struct {
	Text     string
	Thinking string
	// Suppressed means the answer was already delivered (send_image).
	Suppressed bool
}

// HandleMessage processes one user message: chat commands are answered
// directly, everything else goes through the loop. The session history is
// updated and the exchange is logged to memory.
func (a *Assistant) HandleMessage(ctx context.Context, cc tools.ChatContext, sessionKey, text string, images []providers.ImageContent, sink EventSink) (*Reply, error) {
	// Commands stay outside the session lock: /stop and /abort must reach a
	// turn that is still running.
	if reply, handled := a.handleCommand(ctx, cc, sessionKey, text); handled {
		return &Reply{Text: reply}, nil
	}
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return &Reply{}, nil
	}

	// An image without text waits for its caption; the next text message
	// consumes it.
	if strings.TrimSpace(text) == "" && len(images) > 0 {
		a.stashImages(sessionKey, images)
		return &Reply{Text: "Bild erhalten. Was soll ich damit machen?"}, nil
	}
	if pending := a.takePendingImages(sessionKey); len(pending) > 0 {
		images = append(pending, images...)
	}

	lock := a.sessionLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	model := a.Sessions.Model(sessionKey)
	if model == "" {
		model = a.Config.ResolveModel("")
	}
	if model == "" {
		return &Reply{Text: "Kein Modell konfiguriert. Bitte in der Config ein default-Modell oder /model MODELLNAME setzen."}, nil
	}

	// Vision: images reroute the turn to the vision model, session model
	// stays unchanged.
	if len(images) > 0 {
		vision := a.Config.ResolveModel(a.Config.Vision)
		if vision == "" {
			return &Reply{Text: "Kein Vision-Modell konfiguriert. Bitte `vision` in der Config setzen (z.B. `vision: llava:13b`)."}, nil
		}
		if vision != model {
			slog.Info("vision model for image message", "from", model, "to", vision, "images", len(images))
			model = vision
		}
	}

	// A fresh message clears stale cancellation flags from earlier runs.
	if a.Loop.Cancels != nil && cc.UserID != "" {
		a.Loop.Cancels.Clear(cc.UserID)
	}

	ctx = tools.WithChatContext(ctx, cc)
	res, err := a.Loop.Run(ctx, RunRequest{
		Model:   model,
		System:  a.Prompt.Build(cc),
		History: a.Sessions.History(sessionKey),
		User:    providers.Message{Role: "user", Content: text, Images: images},
		UserID:  cc.UserID,
		Sink:    sink,
	})
	if err != nil {
		return nil, err
	}

	a.Sessions.SetHistory(sessionKey, stripImages(res.Messages))
	if a.Memory != nil && !res.Canceled {
		if err := a.Memory.AppendExchange(text, res.Content); err != nil {
			slog.Warn("memory append failed", "error", err)
		}
	}

	out := res.Content
	if out == "" && !res.Suppressed {
		out = "(Keine Antwort)"
	}
	if res.Compacted {
		out = "*Chat-Verlauf wurde komprimiert.*\n\n" + out
	}
	if res.Switch != nil {
		out = fmt.Sprintf("**Hinweis:** Wechsel zu Modell `%s` (Grund: %s).\n\n%s",
			res.Switch.Model, res.Switch.Reason, out)
	}
	return &Reply{Text: out, Thinking: res.Thinking, Suppressed: res.Suppressed}, nil
}

// RunScheduled executes a scheduled prompt in a fresh, throwaway session and
// returns the answer text. An optional model override is resolved; failures
// fall back to the default model.
func (a *Assistant) RunScheduled(ctx context.Context, prompt, model string, cc tools.ChatContext) (string, error) {
	resolved := a.Config.ResolveModel(model)
	if resolved == "" {
		if model != "" {
			slog.Warn("scheduled model not resolvable, using default", "model", model)
		}
		resolved = a.Config.ResolveModel("")
	}
	if resolved == "" {
		return "", fmt.Errorf("no model configured")
	}

	ctx = tools.WithChatContext(ctx, cc)
	res, err := a.Loop.Run(ctx, RunRequest{
		Model:  resolved,
		System: a.Prompt.Build(cc),
		User:   providers.Message{Role: "user", Content: prompt},
	})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// stripImages drops base64 payloads from the stored history; they waste
// context space on every later turn.
func stripImages(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if len(out[i].Images) == 0 {
			continue
		}
		out[i].Images = nil
		if out[i].Role == "user" && !strings.Contains(out[i].Content, "[Bild]") {
			out[i].Content = "[Bild angehängt] " + out[i].Content
		}
	}
	return out
}
