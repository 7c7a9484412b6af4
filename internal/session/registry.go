package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry holds the sessions of a long-running server.
type Registry struct {
	opts Options
	pipe Submitter

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates sessions with opts, all submitting to pipe.
func NewRegistry(opts Options, pipe Submitter) *Registry {
	return &Registry{opts: opts, pipe: pipe, sessions: make(map[string]*Session)}
}

// Create starts a new empty session with a random ID.
func (r *Registry) Create() *Session {
	s := New(uuid.NewString(), r.opts, r.pipe)
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Get looks a session up by ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Delete forgets a session. A pending run still completes on its channel.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// IDs lists session IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
