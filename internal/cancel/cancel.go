// Package cancel tracks per-user cancellation flags. The agent loop polls
// them between tool rounds; a flag set mid-round takes effect at the next
// round boundary.
package cancel

import "sync"

// Level is the cancellation strength.
type Level string

const (
	// Stop ends the run gracefully after the current round.
	Stop Level = "stop"
	// Abort ends the run as soon as the flag is observed.
	Abort Level = "abort"
)

// Registry holds cancellation flags keyed by user ID.
type Registry struct {
	mu    sync.Mutex
	flags map[string]Level
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{flags: map[string]Level{}}
}

// Request sets the flag for a user. A later Abort overrides an earlier Stop.
func (r *Registry) Request(userID string, level Level) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flags[userID] == Abort {
		return
	}
	r.flags[userID] = level
}

// Check returns the pending flag for a user, or "" when none is set.
func (r *Registry) Check(userID string) Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flags[userID]
}

// Clear removes the flag for a user. Called after the flag was observed and
// before a new run starts, so stale requests never cancel a fresh run.
func (r *Registry) Clear(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flags, userID)
}
