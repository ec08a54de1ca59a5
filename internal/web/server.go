// Package web exposes the assistant over HTTP: a streaming chat endpoint
// (NDJSON), model and schedule listings, cancellation and health.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/steiger/concierge/internal/agent"
	"github.com/steiger/concierge/internal/cancel"
	"github.com/steiger/concierge/internal/config"
	"github.com/steiger/concierge/internal/sessions"
	"github.com/steiger/concierge/internal/tools"
)

// Server is the HTTP facade.
type Server struct {
	cfg       *config.Config
	assistant *agent.Assistant
	scheduler tools.JobScheduler
	cancels   *cancel.Registry
	mux       *http.ServeMux
}

// NewServer wires the routes.
func NewServer(cfg *config.Config, assistant *agent.Assistant, scheduler tools.JobScheduler, cancels *cancel.Registry) *Server {
	s := &Server{
		cfg:       cfg,
		assistant: assistant,
		scheduler: scheduler,
		cancels:   cancels,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /api/chat", s.auth(s.handleChat))
	s.mux.HandleFunc("POST /api/chat/cancel", s.auth(s.handleCancel))
	s.mux.HandleFunc("GET /api/models", s.auth(s.handleModels))
	s.mux.HandleFunc("GET /api/schedules", s.auth(s.handleSchedules))
	s.mux.HandleFunc("DELETE /api/schedules/{id}", s.auth(s.handleScheduleRemove))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// auth rejects requests whose bearer token does not match the configured one.
// The health check stays open for probes.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Server.Token
		if token == "" {
			next(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == r.Header.Get("Authorization") {
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// ListenAndServe blocks until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Server.Listen
	if addr == "" {
		addr = "127.0.0.1:8600"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("http server listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

type chatRequest struct {
	Message string `json:"message"`
	Session string `json:"session,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// handleChat streams the turn as NDJSON events, one JSON object per line,
// ending with a "done" event carrying the full reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	session := req.Session
	if session == "" {
		session = "default"
	}
	userID := req.UserID
	if userID == "" {
		userID = "web:" + session
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	var mu sync.Mutex
	emit := func(e agent.Event) {
		mu.Lock()
		defer mu.Unlock()
		enc.Encode(e)
		if flusher != nil {
			flusher.Flush()
		}
	}

	cc := tools.ChatContext{Platform: "web", UserID: userID}
	key := sessions.Key("web", session)
	// A dropped client must not abort the turn: the loop runs to completion
	// and the session keeps the result, only the stream is lost.
	reply, err := s.assistant.HandleMessage(context.WithoutCancel(r.Context()), cc, key, req.Message, nil, emit)
	if err != nil {
		emit(agent.Event{Kind: "error", Text: err.Error()})
		return
	}
	done := agent.Event{Kind: agent.EventDone, Text: reply.Text}
	if reply.Thinking != "" && s.cfg.Server.Debug {
		done.Args = map[string]any{"thinking": reply.Thinking}
	}
	emit(done)
}

type cancelRequest struct {
	Session string `json:"session,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Level   string `json:"level,omitempty"` // "stop" (default) or "abort"
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	userID := req.UserID
	if userID == "" {
		session := req.Session
		if session == "" {
			session = "default"
		}
		userID = "web:" + session
	}
	level := cancel.Stop
	if req.Level == string(cancel.Abort) {
		level = cancel.Abort
	}
	s.cancels.Request(userID, level)
	writeJSON(w, map[string]string{"status": "requested", "level": string(level)})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"models":  s.cfg.ConfiguredModels(),
		"default": s.cfg.ResolveModel(""),
	})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	jobs := s.scheduler.ListJobs()
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		entry := map[string]any{
			"id":       j.ID,
			"schedule": j.Schedule,
			"prompt":   j.Prompt,
			"once":     j.Once,
		}
		if j.NextRun != "" {
			entry["next_run"] = j.NextRun
		}
		out = append(out, entry)
	}
	writeJSON(w, map[string]any{"jobs": out})
}

func (s *Server) handleScheduleRemove(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if !s.scheduler.RemoveJob(id) {
		http.Error(w, fmt.Sprintf("no job with id %s", id), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": "removed", "id": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
