package relay

import "sync"

// Registry maps room identities to their active pipeline, enforcing at most
// one pipeline per identity. All operations are atomic with respect to
// concurrent calls for the same room; the lock is scoped strictly to the map
// mutation and is never held across process or network operations.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]Pipeline
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]Pipeline)}
}

// Replace installs p as the current pipeline for roomID and returns whatever
// pipeline previously occupied the slot. A displaced pipeline is always
// returned to the caller for termination; it is never silently dropped.
func (r *Registry) Replace(roomID int64, p Pipeline) (Pipeline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.sessions[roomID]
	r.sessions[roomID] = p
	return old, ok
}

// Take removes and returns the current pipeline for roomID, leaving no entry.
func (r *Registry) Take(roomID int64) (Pipeline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.sessions[roomID]
	if ok {
		delete(r.sessions, roomID)
	}
	return p, ok
}

// Exists reports whether roomID currently has a registered pipeline.
func (r *Registry) Exists(roomID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[roomID]
	return ok
}

// Len reports the number of active entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
