package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/terrachat/terrachat/pkg/types"
)

const sessionColumns = `id, user_id, title, analysis_type, ai_provider, status,
	area_of_interest, metadata, provider_metadata, created_at, updated_at`

// CreateSession inserts a new session.
func (s *Storage) CreateSession(ctx context.Context, session *types.Session) error {
	metadata, err := encodeMap(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	providerMetadata, err := encodeMap(session.ProviderMetadata)
	if err != nil {
		return fmt.Errorf("failed to encode provider metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.Title, string(session.AnalysisType), string(session.AIProvider),
		string(session.Status), string(session.AreaOfInterest), metadata, providerMetadata,
		formatTime(session.CreatedAt), formatTime(session.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		session              types.Session
		analysisType         string
		provider             string
		status               string
		area                 string
		metadata, providerMD sql.NullString
		created, updated     string
	)
	if err := row.Scan(&session.ID, &session.UserID, &session.Title, &analysisType, &provider, &status,
		&area, &metadata, &providerMD, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	session.AnalysisType = types.AnalysisType(analysisType)
	session.AIProvider = types.AIProvider(provider)
	session.Status = types.Status(status)
	session.AreaOfInterest = []byte(area)

	var err error
	if session.Metadata, err = decodeMap(metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if session.ProviderMetadata, err = decodeMap(providerMD); err != nil {
		return nil, fmt.Errorf("failed to decode provider metadata: %w", err)
	}
	if session.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if session.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSession retrieves a session by ID.
func (s *Storage) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns a user's sessions, newest first.
func (s *Storage) ListSessions(ctx context.Context, userID string) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []*types.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ListSessionsByStatus returns every session currently in status, oldest first.
func (s *Storage) ListSessionsByStatus(ctx context.Context, status types.Status) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY updated_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// UpdateSession writes the owner-editable fields of session and bumps
// updated_at. The status column is never touched here.
func (s *Storage) UpdateSession(ctx context.Context, session *types.Session) error {
	metadata, err := encodeMap(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	providerMetadata, err := encodeMap(session.ProviderMetadata)
	if err != nil {
		return fmt.Errorf("failed to encode provider metadata: %w", err)
	}

	session.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, analysis_type = ?, ai_provider = ?, area_of_interest = ?,
			metadata = ?, provider_metadata = ?, updated_at = ? WHERE id = ?`,
		session.Title, string(session.AnalysisType), string(session.AIProvider), string(session.AreaOfInterest),
		metadata, providerMetadata, formatTime(session.UpdatedAt), session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return requireAffected(res)
}

// DeleteSession removes a session and, by cascade, its messages.
func (s *Storage) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireAffected(res)
}

// TransitionStatus moves a session to status to. The update is conditional
// on the current status being a legal predecessor, so concurrent or
// out-of-order writers cannot move a session backwards.
func (s *Storage) TransitionStatus(ctx context.Context, id string, to types.Status) (*types.Session, error) {
	from := types.Predecessors(to)
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: nothing transitions to %s", ErrInvalidTransition, to)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{string(to), formatTime(time.Now()), id}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}

	session, getErr := s.GetSession(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, to)
	}
	return session, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
