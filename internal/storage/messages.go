package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/terrachat/terrachat/pkg/types"
)

// AppendMessage inserts a message. Messages are never updated afterwards.
func (s *Storage) AppendMessage(ctx context.Context, msg *types.Message) error {
	payload, err := encodeMap(msg.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, payload, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		msg     types.Message
		role    string
		payload sql.NullString
		created string
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &payload, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	msg.Role = types.Role(role)

	var err error
	if msg.Payload, err = decodeMap(payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if msg.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns a session's transcript in creation order.
func (s *Storage) ListMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, payload, created_at FROM messages WHERE session_id = ? ORDER BY id ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []*types.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetMessage retrieves one message of a session.
func (s *Storage) GetMessage(ctx context.Context, sessionID, id string) (*types.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, payload, created_at FROM messages WHERE session_id = ? AND id = ?`,
		sessionID, id)
	return scanMessage(row)
}
