package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("org-1")
	assert.False(t, ok)

	r.Register("org-1", "sess-a")
	sid, ok := r.SessionFor("org-1")
	assert.True(t, ok)
	assert.Equal(t, "sess-a", sid)

	// Reconnect overwrites.
	r.Register("org-1", "sess-b")
	sid, _ = r.SessionFor("org-1")
	assert.Equal(t, "sess-b", sid)
}

func TestSessionRegistry_RemoveBySession(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("org-1", "sess-a")
	r.Register("org-2", "sess-a")
	r.Register("org-3", "sess-b")

	r.Remove("sess-a")

	_, ok := r.SessionFor("org-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("org-2")
	assert.False(t, ok)
	sid, ok := r.SessionFor("org-3")
	assert.True(t, ok)
	assert.Equal(t, "sess-b", sid)
}
