package mcp

import "sync"

// SessionRegistry maps org IDs to MCP session IDs.
// Populated automatically when a client starts a workflow.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // orgID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an org with a session ID.
// A reconnecting client overwrites the previous mapping.
func (r *SessionRegistry) Register(orgID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[orgID] = sessionID
}

// SessionFor returns the session ID for the given org, if connected.
func (r *SessionRegistry) SessionFor(orgID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[orgID]
	return sid, ok
}

// Remove deletes all org mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for org, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, org)
		}
	}
}
