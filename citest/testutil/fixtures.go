package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/terrachat/terrachat/internal/client"
	"github.com/terrachat/terrachat/pkg/types"
)

// RandomString generates a random string of n characters
func RandomString(n int) string {
	bytes := make([]byte, n/2+1)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)[:n]
}

// RandomUser returns a fresh user id so specs do not see each other's
// sessions.
func RandomUser() string {
	return "user-" + RandomString(8)
}

// ---- Areas of interest ----

// ParisBlock is a small closed polygon over central Paris.
var ParisBlock = json.RawMessage(`{"type":"Polygon","coordinates":[[[2.34,48.85],[2.36,48.85],[2.36,48.87],[2.34,48.87],[2.34,48.85]]]}`)

// TimesSquare is a single point in Manhattan.
var TimesSquare = json.RawMessage(`{"type":"Point","coordinates":[-73.9855,40.758]}`)

// OutOfRange is a point whose latitude is impossible.
var OutOfRange = json.RawMessage(`{"type":"Point","coordinates":[10,95]}`)

// ---- Test Session Manager ----

// SessionManager manages test sessions for cleanup
type SessionManager struct {
	client   *client.Client
	sessions []string
}

// NewSessionManager creates a session manager
func NewSessionManager(c *client.Client) *SessionManager {
	return &SessionManager{
		client:   c,
		sessions: make([]string, 0),
	}
}

// Create opens a session over area and tracks it for cleanup.
func (m *SessionManager) Create(ctx context.Context, kind types.AnalysisType, p types.AIProvider, area json.RawMessage) (*types.Session, error) {
	session, err := m.client.CreateSession(ctx, types.SessionCreate{
		Title:          "e2e " + string(kind),
		AnalysisType:   kind,
		AIProvider:     p,
		AreaOfInterest: area,
	})
	if err != nil {
		return nil, err
	}
	m.sessions = append(m.sessions, session.ID)
	return session, nil
}

// Cleanup deletes all tracked sessions
func (m *SessionManager) Cleanup() {
	raw := NewTestClient(m.client.BaseURL, m.client.UserID)
	for _, id := range m.sessions {
		raw.Delete(context.Background(), "/sessions/"+id)
	}
	m.sessions = m.sessions[:0]
}

// ---- Assertion Matchers ----

// EventMatcher helps match SSE events
type EventMatcher struct {
	events []SSEEvent
}

// NewEventMatcher creates an event matcher
func NewEventMatcher(events []SSEEvent) *EventMatcher {
	return &EventMatcher{events: events}
}

// HasType checks if any event has the given type
func (m *EventMatcher) HasType(eventType string) bool {
	for _, evt := range m.events {
		if evt.Type == eventType {
			return true
		}
	}
	return false
}

// CountType counts events of given type
func (m *EventMatcher) CountType(eventType string) int {
	count := 0
	for _, evt := range m.events {
		if evt.Type == eventType {
			count++
		}
	}
	return count
}

// FilterType returns events of given type
func (m *EventMatcher) FilterType(eventType string) []SSEEvent {
	var filtered []SSEEvent
	for _, evt := range m.events {
		if evt.Type == eventType {
			filtered = append(filtered, evt)
		}
	}
	return filtered
}

// Values returns the gjson path value of every event of the given type,
// in arrival order.
func (m *EventMatcher) Values(eventType, path string) []string {
	var out []string
	for _, evt := range m.FilterType(eventType) {
		out = append(out, evt.Field(path))
	}
	return out
}

// ---- Environment Helpers ----

// RequireEnv checks if required env vars are set
func RequireEnv(vars ...string) error {
	var missing []string
	for _, v := range vars {
		if os.Getenv(v) == "" {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

// SkipIfMissingEnv returns true if any env var is missing
func SkipIfMissingEnv(vars ...string) bool {
	return RequireEnv(vars...) != nil
}
