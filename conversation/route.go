package conversation

import (
	"strings"
	"sync"
)

// RouteBase is the conversation list location.
const RouteBase = "/messages"

// Navigator exposes the application's addressable location.
type Navigator interface {
	Location() string
	Replace(path string)
}

// RoutePath returns the location of a conversation.
func RoutePath(conversationID string) string {
	if conversationID == "" {
		return RouteBase
	}
	return RouteBase + "/" + conversationID
}

// ConversationIDFromPath extracts the conversation id from a location.
func ConversationIDFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, RouteBase+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// MemoryRoute is an in-memory Navigator.
type MemoryRoute struct {
	mu      sync.Mutex
	current string
	history []string
}

// NewMemoryRoute starts at path.
func NewMemoryRoute(path string) *MemoryRoute {
	if path == "" {
		path = RouteBase
	}
	return &MemoryRoute{current: path}
}

// Location implements Navigator.
func (m *MemoryRoute) Location() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Replace implements Navigator.
func (m *MemoryRoute) Replace(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, path)
	m.current = path
}

// History returns every location set through Replace.
func (m *MemoryRoute) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history...)
}
