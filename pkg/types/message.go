package types

import (
	"strings"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Payload keys written by the analysis worker.
const (
	PayloadAnalysisType = "analysis_type"
	PayloadProvider     = "ai_provider"
	PayloadError        = "error"
	PayloadErrorMessage = "message"
	PayloadReplyTo      = "reply_to"
)

// Message is one entry in a session transcript. Messages are append-only
// and ordered by ID, which sorts by creation time.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// IsReply reports whether the message answers a user turn.
func (m *Message) IsReply() bool {
	return m.Role == RoleAssistant || m.Role == RoleSystem
}

// RepliesTo reports whether the message is a reply recorded for the user
// message with the given id.
func (m *Message) RepliesTo(id string) bool {
	if !m.IsReply() || m.Payload == nil {
		return false
	}
	v, _ := m.Payload[PayloadReplyTo].(string)
	return v != "" && v == id
}

// IsFailure reports whether the message records a failed turn.
func (m *Message) IsFailure() bool {
	if m.Role != RoleSystem || m.Payload == nil {
		return false
	}
	_, ok := m.Payload[PayloadError]
	return ok
}

// ValidateContent rejects empty or whitespace-only message bodies.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Message: "content must not be empty"}
	}
	return nil
}
