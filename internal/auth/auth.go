// Package auth implements the chat authorization flow shared by all
// channels. Unknown senders get a short-lived code; entering it on a trusted
// surface (CLI or web UI) adds them to the authorized list.
package auth

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Codes are valid for 30 minutes.
const CodeValidity = 30 * time.Minute

// codeAlphabet omits I, O, 0 and 1 to keep codes unambiguous when typed.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 8

type pendingEntry struct {
	Platform  string  `json:"platform"`
	UserID    string  `json:"user_id"`
	ExpiresAt float64 `json:"expires_at"` // unix seconds
}

type authorizedEntry struct {
	Platform string `json:"platform"`
	UserID   string `json:"user_id"`
}

// Store manages pending codes and authorized users under <dir>/auth/.
type Store struct {
	dir string
	mu  sync.Mutex

	migrated bool
	now      func() time.Time
}

// NewStore creates a store rooted at the config directory.
func NewStore(configDir string) *Store {
	return &Store{dir: configDir, now: time.Now}
}

func (s *Store) authDir() string {
	s.migrateLegacy()
	d := filepath.Join(s.dir, "auth")
	os.MkdirAll(d, 0o755)
	return d
}

func (s *Store) pendingPath() string    { return filepath.Join(s.authDir(), "pending_codes.json") }
func (s *Store) authorizedPath() string { return filepath.Join(s.authDir(), "authorized.json") }

// migrateLegacy moves the old matrix-only auth files into the shared layout.
// Runs once per store.
func (s *Store) migrateLegacy() {
	if s.migrated {
		return
	}
	s.migrated = true
	oldDir := filepath.Join(s.dir, "matrix")
	newDir := filepath.Join(s.dir, "auth")

	oldPending := filepath.Join(oldDir, "matrix_pending_codes.json")
	newPending := filepath.Join(newDir, "pending_codes.json")
	if fileExists(oldPending) && !fileExists(newPending) {
		os.MkdirAll(newDir, 0o755)
		var old map[string]struct {
			MatrixUserID string  `json:"matrix_user_id"`
			ExpiresAt    float64 `json:"expires_at"`
		}
		if data, err := os.ReadFile(oldPending); err == nil && json.Unmarshal(data, &old) == nil {
			migrated := map[string]pendingEntry{}
			for code, e := range old {
				migrated[code] = pendingEntry{Platform: "matrix", UserID: e.MatrixUserID, ExpiresAt: e.ExpiresAt}
			}
			writeJSON(newPending, migrated)
		}
	}

	oldAuth := filepath.Join(oldDir, "matrix_authorized.json")
	newAuth := filepath.Join(newDir, "authorized.json")
	if fileExists(oldAuth) && !fileExists(newAuth) {
		os.MkdirAll(newDir, 0o755)
		var old []string
		if data, err := os.ReadFile(oldAuth); err == nil && json.Unmarshal(data, &old) == nil {
			var migrated []authorizedEntry
			for _, uid := range old {
				if uid = strings.TrimSpace(uid); uid != "" {
					migrated = append(migrated, authorizedEntry{Platform: "matrix", UserID: uid})
				}
			}
			writeJSON(newAuth, migrated)
		}
	}
}

func (s *Store) loadPending() map[string]pendingEntry {
	out := map[string]pendingEntry{}
	data, err := os.ReadFile(s.pendingPath())
	if err != nil {
		return out
	}
	json.Unmarshal(data, &out)
	// Drop expired codes.
	now := float64(s.now().Unix())
	for code, e := range out {
		if e.ExpiresAt <= now {
			delete(out, code)
		}
	}
	return out
}

func (s *Store) loadAuthorized() []authorizedEntry {
	var out []authorizedEntry
	data, err := os.ReadFile(s.authorizedPath())
	if err != nil {
		return nil
	}
	json.Unmarshal(data, &out)
	return out
}

// GetOrGenerateCode returns a valid code for the platform+user. An existing
// pending code is reused so repeated requests show the same code.
func (s *Store) GetOrGenerateCode(platform, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	platform = strings.ToLower(strings.TrimSpace(platform))
	userID = strings.TrimSpace(userID)

	pending := s.loadPending()
	for code, e := range pending {
		if strings.ToLower(e.Platform) == platform && e.UserID == userID {
			writeJSON(s.pendingPath(), pending)
			return code, nil
		}
	}
	code, err := randomCode()
	if err != nil {
		return "", err
	}
	pending[code] = pendingEntry{
		Platform:  platform,
		UserID:    userID,
		ExpiresAt: float64(s.now().Add(CodeValidity).Unix()),
	}
	if err := writeJSON(s.pendingPath(), pending); err != nil {
		return "", err
	}
	return code, nil
}

// ConsumeCode validates a code, authorizes its user and removes it. Input may
// carry prefixes like "/auth matrix CODE". Returns platform and user ID, or
// ok=false for unknown, expired or already-consumed codes.
func (s *Store) ConsumeCode(raw string) (platform, userID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := NormalizeCode(raw)
	if code == "" {
		return "", "", false
	}
	pending := s.loadPending()
	e, found := pending[code]
	if !found {
		return "", "", false
	}
	delete(pending, code)
	writeJSON(s.pendingPath(), pending)
	if float64(s.now().Unix()) > e.ExpiresAt || e.Platform == "" || e.UserID == "" {
		return "", "", false
	}
	s.addAuthorizedLocked(e.Platform, e.UserID)
	return e.Platform, e.UserID, true
}

// Authorize adds a user without a code (CLI administration).
func (s *Store) Authorize(platform, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addAuthorizedLocked(platform, userID)
}

func (s *Store) addAuthorizedLocked(platform, userID string) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	userID = strings.TrimSpace(userID)
	if platform == "" || userID == "" {
		return
	}
	list := s.loadAuthorized()
	for _, e := range list {
		if e.Platform == platform && e.UserID == userID {
			return
		}
	}
	list = append(list, authorizedEntry{Platform: platform, UserID: userID})
	writeJSON(s.authorizedPath(), list)
}

// IsAuthorized reports whether the user has been authorized on the platform.
func (s *Store) IsAuthorized(platform, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	platform = strings.ToLower(strings.TrimSpace(platform))
	userID = strings.TrimSpace(userID)
	for _, e := range s.loadAuthorized() {
		if e.Platform == platform && e.UserID == userID {
			return true
		}
	}
	return false
}

// ListAuthorized returns authorized users, optionally filtered by platform.
func (s *Store) ListAuthorized(platform string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	platform = strings.ToLower(strings.TrimSpace(platform))
	var out []string
	for _, e := range s.loadAuthorized() {
		if platform != "" && e.Platform != platform {
			continue
		}
		out = append(out, e.Platform+":"+e.UserID)
	}
	return out
}

// NormalizeCode strips auth command prefixes and keeps only alphabet chars.
func NormalizeCode(raw string) string {
	raw = strings.TrimSpace(raw)
	low := strings.ToLower(raw)
	for _, prefix := range []string{"/auth matrix", "/auth discord", "/auth", "auth matrix", "auth discord", "auth", "matrix", "discord"} {
		if strings.HasPrefix(low, prefix) {
			raw = strings.TrimSpace(raw[len(prefix):])
			break
		}
	}
	var b strings.Builder
	for _, c := range strings.ToUpper(raw) {
		if strings.ContainsRune(codeAlphabet, c) {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
