package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steiger/concierge/internal/auth"
	"github.com/steiger/concierge/internal/cancel"
	"github.com/steiger/concierge/internal/memory"
	"github.com/steiger/concierge/internal/providers"
	"github.com/steiger/concierge/internal/sessions"
	"github.com/steiger/concierge/internal/tools"
)

type fakeScheduler struct {
	jobs    []tools.JobSummary
	removed []string
}

func (f *fakeScheduler) AddJob(req tools.JobRequest, cc tools.ChatContext) (tools.JobSummary, error) {
	job := tools.JobSummary{ID: "abcd1234", Schedule: req.Schedule, Prompt: req.Prompt}
	f.jobs = append(f.jobs, job)
	return job, nil
}
func (f *fakeScheduler) ListJobs() []tools.JobSummary { return f.jobs }
func (f *fakeScheduler) RemoveJob(id string) bool {
	f.removed = append(f.removed, id)
	for i, j := range f.jobs {
		if j.ID == id {
			f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
			return true
		}
	}
	return false
}

func newTestAssistant(t *testing.T, srvURL string) *Assistant {
	t.Helper()
	l := newTestLoop(srvURL)
	l.Config.Dir = t.TempDir()
	return &Assistant{
		Config:    l.Config,
		Loop:      l,
		Prompt:    NewPromptBuilder(l.Config, nil),
		Sessions:  sessions.NewManager(),
		Memory:    memory.NewLog(l.Config.Dir),
		Auth:      auth.NewStore(l.Config.Dir),
		Scheduler: &fakeScheduler{},
	}
}

func TestHandleMessageFlow(t *testing.T) {
	srv, _ := scriptedServer(t, []map[string]any{assistantMsg("Hallo!")})
	defer srv.Close()
	a := newTestAssistant(t, srv.URL)

	cc := tools.ChatContext{Platform: "web", UserID: "web:s1"}
	key := sessions.Key("web", "s1")
	reply, err := a.HandleMessage(context.Background(), cc, key, "hi", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "Hallo!" {
		t.Errorf("reply = %q", reply.Text)
	}
	hist := a.Sessions.History(key)
	if len(hist) != 2 || hist[0].Role != "user" || hist[1].Content != "Hallo!" {
		t.Errorf("history: %+v", hist)
	}
	if !strings.Contains(a.Memory.Excerpt(), "Hallo!") {
		t.Error("exchange not logged to memory")
	}
}

func TestHandleMessageSerializedPerSession(t *testing.T) {
	var inflight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/show" {
			json.NewEncoder(w).Encode(map[string]any{"capabilities": []string{"completion", "tools"}})
			return
		}
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": "ok"},
			"done":    true,
		})
	}))
	defer srv.Close()
	a := newTestAssistant(t, srv.URL)

	cc := tools.ChatContext{Platform: "web", UserID: "web:s1"}
	key := sessions.Key("web", "s1")
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.HandleMessage(context.Background(), cc, key, "hi", nil, nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&peak); got != 1 {
		t.Errorf("concurrent turns on one session = %d, want 1", got)
	}
	// Every turn landed in the shared history.
	if hist := a.Sessions.History(key); len(hist) != 6 {
		t.Errorf("history length = %d, want 6", len(hist))
	}
}

func TestHandleMessageNoModel(t *testing.T) {
	a := newTestAssistant(t, "http://unused")
	a.Config.Providers = nil
	reply, err := a.HandleMessage(context.Background(), tools.ChatContext{Platform: "web"}, "web:x", "hi", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "Kein Modell konfiguriert") {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestHandleMessageVisionReroute(t *testing.T) {
	srv, seen := scriptedServer(t, []map[string]any{assistantMsg("Ich sehe ein Bild.")})
	defer srv.Close()
	a := newTestAssistant(t, srv.URL)
	a.Config.Providers["local"].Models.List = []string{"llava"}
	a.Config.Vision = "local/llava"

	images := []providers.ImageContent{{MimeType: "image/png", Data: "aGk="}}
	reply, err := a.HandleMessage(context.Background(), tools.ChatContext{Platform: "web", UserID: "u"}, "web:v", "was ist das?", images, nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "Ich sehe ein Bild." {
		t.Errorf("reply = %q", reply.Text)
	}
	if (*seen)[0].Model != "llava" {
		t.Errorf("model = %q, want vision model", (*seen)[0].Model)
	}
	// Stored history drops the payload and marks the message.
	hist := a.Sessions.History("web:v")
	if len(hist[0].Images) != 0 || !strings.HasPrefix(hist[0].Content, "[Bild angehängt] ") {
		t.Errorf("stored user message: %+v", hist[0])
	}
}

func TestHandleMessageImageWaitsForCaption(t *testing.T) {
	srv, seen := scriptedServer(t, []map[string]any{assistantMsg("Ein Sonnenuntergang.")})
	defer srv.Close()
	a := newTestAssistant(t, srv.URL)
	a.Config.Providers["local"].Models.List = []string{"llava"}
	a.Config.Vision = "local/llava"

	cc := tools.ChatContext{Platform: "matrix", UserID: "@u:s"}
	key := sessions.Key("matrix", "@u:s")
	images := []providers.ImageContent{{MimeType: "image/png", Data: "aGk="}}

	// Image without text: no model call, just the caption prompt.
	reply, err := a.HandleMessage(context.Background(), cc, key, "", images, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "Was soll ich damit machen") {
		t.Errorf("caption prompt missing: %q", reply.Text)
	}
	if len(*seen) != 0 {
		t.Fatalf("model called %d times before the caption arrived", len(*seen))
	}

	// The follow-up text consumes the stashed image: the turn goes to the
	// vision model.
	reply, err = a.HandleMessage(context.Background(), cc, key, "was ist das?", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text != "Ein Sonnenuntergang." {
		t.Errorf("reply = %q", reply.Text)
	}
	if (*seen)[0].Model != "llava" {
		t.Errorf("model = %q, want vision model", (*seen)[0].Model)
	}
	// Consumed, not re-attached on the next turn.
	if imgs := a.takePendingImages(key); len(imgs) != 0 {
		t.Errorf("pending images left: %d", len(imgs))
	}
}

func TestCommandStopAndAbort(t *testing.T) {
	a := newTestAssistant(t, "http://unused")
	cc := tools.ChatContext{Platform: "web", UserID: "u1"}

	reply, err := a.HandleMessage(context.Background(), cc, "web:x", "/stop", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "Stoppe") {
		t.Errorf("reply = %q", reply.Text)
	}
	if a.Loop.Cancels.Check("u1") != cancel.Stop {
		t.Error("stop flag not set")
	}

	a.HandleMessage(context.Background(), cc, "web:x", "/abort", nil, nil)
	if a.Loop.Cancels.Check("u1") != cancel.Abort {
		t.Error("abort flag not set")
	}
}

func TestCommandModelShow(t *testing.T) {
	a := newTestAssistant(t, "http://unused")
	reply, err := a.HandleMessage(context.Background(), tools.ChatContext{Platform: "web"}, "web:x", "/model", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Text, "local/m") {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestCommandModels(t *testing.T) {
	a := newTestAssistant(t, "http://unused")
	a.Config.Providers["local"].Models.List = []string{"llava"}
	reply, _ := a.HandleMessage(context.Background(), tools.ChatContext{Platform: "web"}, "web:x", "/models", nil, nil)
	if !strings.Contains(reply.Text, "local/m") || !strings.Contains(reply.Text, "local/llava") {
		t.Errorf("reply = %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "← aktuell") {
		t.Errorf("current marker missing: %q", reply.Text)
	}
	reply, _ = a.HandleMessage(context.Background(), tools.ChatContext{Platform: "web"}, "web:x", "/models cloud", nil, nil)
	if !strings.Contains(reply.Text, "Keine Modelle") {
		t.Errorf("filtered reply = %q", reply.Text)
	}
}

func TestCommandSchedules(t *testing.T) {
	a := newTestAssistant(t, "http://unused")
	sched := a.Scheduler.(*fakeScheduler)

	reply, _ := a.HandleMessage(context.Background(), tools.ChatContext{Platform: "web"}, "web:x", "/schedules", nil, nil)
	if !strings.Contains(reply.Text, "Keine geplanten Jobs") {
		t.Errorf("reply = %q", reply.Text)
	}

	sched.AddJob(tools.JobRequest{Schedule: "0 8 * * *", Prompt: "briefing"}, tools.ChatContext{})
	reply, _ = a.HandleMessage(context.Background(), tools.ChatContext{Platform: "web"}, "web:x", "/schedules", nil, nil)
	if !strings.Contains(reply.Text, "abcd1234") || !strings.Contains(reply.Text, "briefing") {
		t.Errorf("reply = %q", reply.Text)
	}

	reply, _ = a.HandleMessage(context.Background(), tools.ChatContext{Platform: "web"}, "web:x", "/schedule remove abcd1234", nil, nil)
	if !strings.Contains(reply.Text, "entfernt") {
		t.Errorf("reply = %q", reply.Text)
	}
	reply, _ = a.HandleMessage(context.Background(), tools.ChatContext{Platform: "web"}, "web:x", "/schedule remove abcd1234", nil, nil)
	if !strings.Contains(reply.Text, "nicht gefunden") {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestCommandAuthSurfaceGate(t *testing.T) {
	a := newTestAssistant(t, "http://unused")
	code, err := a.Auth.GetOrGenerateCode("matrix", "@u:server")
	if err != nil {
		t.Fatal(err)
	}

	// Matrix users cannot redeem codes in the matrix chat itself.
	reply, _ := a.HandleMessage(context.Background(), tools.ChatContext{Platform: "matrix", UserID: "@u:server"}, "matrix:!r", "/auth "+code, nil, nil)
	if !strings.Contains(reply.Text, "Web-UI oder im Terminal") {
		t.Errorf("reply = %q", reply.Text)
	}
	if a.Auth.IsAuthorized("matrix", "@u:server") {
		t.Fatal("code redeemed on untrusted surface")
	}

	reply, _ = a.HandleMessage(context.Background(), tools.ChatContext{Platform: "web"}, "web:x", "/auth "+code, nil, nil)
	if !strings.Contains(reply.Text, "freigeschaltet") {
		t.Errorf("reply = %q", reply.Text)
	}
	if !a.Auth.IsAuthorized("matrix", "@u:server") {
		t.Error("user not authorized")
	}

	reply, _ = a.HandleMessage(context.Background(), tools.ChatContext{Platform: "web"}, "web:x", "/auth "+code, nil, nil)
	if !strings.Contains(reply.Text, "nicht gefunden") {
		t.Errorf("second redeem: %q", reply.Text)
	}
}

func TestStripImages(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "schau mal", Images: []providers.ImageContent{{Data: "x"}}},
		{Role: "user", Content: "[Bild] schon markiert", Images: []providers.ImageContent{{Data: "x"}}},
		{Role: "assistant", Content: "ok"},
	}
	got := stripImages(msgs)
	if len(got[0].Images) != 0 || got[0].Content != "[Bild angehängt] schau mal" {
		t.Errorf("first: %+v", got[0])
	}
	if got[1].Content != "[Bild] schon markiert" {
		t.Errorf("second must not be double-marked: %+v", got[1])
	}
	// Input slice untouched.
	if len(msgs[0].Images) != 1 {
		t.Error("input mutated")
	}
}

func TestRunScheduledFreshSession(t *testing.T) {
	srv, seen := scriptedServer(t, []map[string]any{assistantMsg("Bericht fertig.")})
	defer srv.Close()
	a := newTestAssistant(t, srv.URL)

	out, err := a.RunScheduled(context.Background(), "erstelle den bericht", "", tools.ChatContext{Platform: "matrix", RoomID: "!r:s"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "Bericht fertig." {
		t.Errorf("out = %q", out)
	}
	// Only the scheduled prompt, no session history.
	first := (*seen)[0]
	userMsgs := 0
	for _, m := range first.Messages {
		if m.Role == "user" {
			userMsgs++
		}
	}
	if userMsgs != 1 {
		t.Errorf("user messages = %d", userMsgs)
	}
}
