package event

import (
	"time"

	"github.com/terrachat/terrachat/pkg/types"
)

// EventType represents the type of event.
type EventType string

const (
	// MessageCreated carries a newly persisted message.
	MessageCreated EventType = "message"
	// SessionUpdated carries a session status change.
	SessionUpdated EventType = "session_update"
)

// Control frames sent over the WebSocket cable.
const (
	Welcome             EventType = "welcome"
	ConfirmSubscription EventType = "confirm_subscription"
	RejectSubscription  EventType = "reject_subscription"
)

// Cable commands sent by clients.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
)

// Command is a client request on the WebSocket cable.
type Command struct {
	Command   string `json:"command"`
	SessionID string `json:"session_id"`
}

// TopicPrefix namespaces per-session topics.
const TopicPrefix = "analysis_session:"

// Topic returns the topic carrying events for one session.
func Topic(sessionID string) string {
	return TopicPrefix + sessionID
}

// Event is the push payload delivered to session subscribers.
//
//	{"type":"message","message":{"id","role","content","payload","created_at"}}
//	{"type":"session_update","session":{"id","status","updated_at"}}
type Event struct {
	Type      EventType    `json:"type"`
	SessionID string       `json:"session_id,omitempty"`
	Message   *MessageData `json:"message,omitempty"`
	Session   *SessionData `json:"session,omitempty"`

	// Reason explains a reject_subscription frame.
	Reason string `json:"reason,omitempty"`
}

// MessageData is the message projection sent to clients.
type MessageData struct {
	ID        string         `json:"id"`
	Role      types.Role     `json:"role"`
	Content   string         `json:"content"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SessionData is the session projection sent to clients.
type SessionData struct {
	ID        string       `json:"id"`
	Status    types.Status `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewMessageEvent builds a message event for m.
func NewMessageEvent(m *types.Message) Event {
	return Event{
		Type:      MessageCreated,
		SessionID: m.SessionID,
		Message: &MessageData{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Payload:   m.Payload,
			CreatedAt: m.CreatedAt,
		},
	}
}

// NewSessionEvent builds a session_update event for s.
func NewSessionEvent(s *types.Session) Event {
	return Event{
		Type:      SessionUpdated,
		SessionID: s.ID,
		Session: &SessionData{
			ID:        s.ID,
			Status:    s.Status,
			UpdatedAt: s.UpdatedAt,
		},
	}
}

// ToMessage converts a message event back into a types.Message.
func (e Event) ToMessage() *types.Message {
	if e.Message == nil {
		return nil
	}
	return &types.Message{
		ID:        e.Message.ID,
		SessionID: e.SessionID,
		Role:      e.Message.Role,
		Content:   e.Message.Content,
		Payload:   e.Message.Payload,
		CreatedAt: e.Message.CreatedAt,
	}
}
