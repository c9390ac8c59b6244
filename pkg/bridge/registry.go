package bridge

import (
	"sync"
	"time"
)

// SessionInfo is a point-in-time view of one live bridge session.
type SessionInfo struct {
	CallID        string    `json:"callId"`
	State         State     `json:"state"`
	StartedAt     time.Time `json:"startedAt"`
	DroppedFrames int64     `json:"droppedFrames"`
}

// registry tracks live sessions by call id. The mutex is held only around
// map access; session teardown happens outside it.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

// add registers a session, returning any previous session under the same
// call id so the caller can tear the orphan down.
func (r *registry) add(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[s.CallID]
	r.sessions[s.CallID] = s
	return prev
}

// remove drops the registration if it still points at s.
func (r *registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.CallID] == s {
		delete(r.sessions, s.CallID)
	}
}

func (r *registry) get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

func (r *registry) list() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
