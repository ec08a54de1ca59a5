package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/steiger/concierge/internal/auth"
	"github.com/steiger/concierge/internal/bus"
	"github.com/steiger/concierge/internal/config"
)

type typingCall struct {
	Typing  bool `json:"typing"`
	Timeout int  `json:"timeout"`
}

// homeserverStub records typing notifications and answers everything else
// with an empty object.
func homeserverStub(t *testing.T) (*httptest.Server, func() []typingCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []typingCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/typing/") {
			var c typingCall
			json.NewDecoder(r.Body).Decode(&c)
			mu.Lock()
			calls = append(calls, c)
			mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []typingCall {
		mu.Lock()
		defer mu.Unlock()
		out := make([]typingCall, len(calls))
		copy(out, calls)
		return out
	}
}

func newTestChannel(t *testing.T, hsURL string) *Channel {
	t.Helper()
	ch, err := New(config.MatrixConfig{
		Homeserver:  hsURL,
		UserID:      "@bot:server",
		AccessToken: "token",
	}, t.TempDir(), auth.NewStore(t.TempDir()), bus.NewMessageBus())
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestTypingStartAndStop(t *testing.T) {
	srv, typingCalls := homeserverStub(t)
	ch := newTestChannel(t, srv.URL)
	room := id.RoomID("!r:server")

	ch.startTyping(room)
	waitFor(t, func() bool { return len(typingCalls()) >= 1 })
	first := typingCalls()[0]
	if !first.Typing || first.Timeout <= 0 {
		t.Errorf("first notification: %+v", first)
	}

	ch.stopTyping(context.Background(), room)
	waitFor(t, func() bool {
		calls := typingCalls()
		return len(calls) >= 2 && !calls[len(calls)-1].Typing
	})

	ch.mu.Lock()
	_, active := ch.typing[room]
	ch.mu.Unlock()
	if active {
		t.Error("typing loop still registered after stop")
	}
	// Stopping an idle room is a no-op, not a panic.
	ch.stopTyping(context.Background(), room)
}

func TestImageExt(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000000000")
	tests := []struct {
		name string
		body string
		data []byte
		want string
	}{
		{"body extension wins", "photo.jpg", png, ".jpg"},
		{"sniffed from magic bytes", "bild ohne endung", png, ".png"},
		{"unknown payload", "x", []byte{0x00, 0x01, 0x02}, ".bin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := imageExt(tt.body, tt.data); got != tt.want {
				t.Errorf("imageExt(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}

func TestTypingRestartReplacesLoop(t *testing.T) {
	srv, _ := homeserverStub(t)
	ch := newTestChannel(t, srv.URL)
	room := id.RoomID("!r:server")

	ch.startTyping(room)
	ch.startTyping(room)
	ch.mu.Lock()
	n := len(ch.typing)
	ch.mu.Unlock()
	if n != 1 {
		t.Errorf("typing entries = %d, want 1", n)
	}
	ch.stopTyping(context.Background(), room)
}
