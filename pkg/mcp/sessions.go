package mcp

import "sync"

// SessionRegistry maps schedule IDs to the MCP session that started or
// resumed them, so their events can be pushed back to it.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // scheduleID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Watch associates a schedule with a session. A later Watch of the same
// schedule moves it to the new session.
func (r *SessionRegistry) Watch(scheduleID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[scheduleID] = sessionID
}

// SessionFor returns the session watching scheduleID, if any.
func (r *SessionRegistry) SessionFor(scheduleID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[scheduleID]
	return sid, ok
}

// Forget drops the watch on scheduleID.
func (r *SessionRegistry) Forget(scheduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, scheduleID)
}

// Remove deletes every watch held by sessionID. Called when a session
// disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, id)
		}
	}
}

// Len reports how many schedules are watched.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
