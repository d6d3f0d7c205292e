// Package session owns analysis sessions, their transcripts and user provider settings.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/terrachat/terrachat/internal/event"
	"github.com/terrachat/terrachat/internal/geo"
	"github.com/terrachat/terrachat/internal/logging"
	"github.com/terrachat/terrachat/internal/storage"
	"github.com/terrachat/terrachat/internal/worker"
	"github.com/terrachat/terrachat/pkg/types"
)

// Publisher receives message events for submitted turns.
type Publisher interface {
	Publish(e event.Event) error
}

// Enqueuer schedules an analysis turn.
type Enqueuer interface {
	Enqueue(ctx context.Context, job worker.Job) error
}

// Service manages session operations on behalf of their owners. Sessions
// belonging to another user are reported as storage.ErrNotFound.
type Service struct {
	storage *storage.Storage
	bus     Publisher
	queue   Enqueuer

	// defaultCustomEndpoint lets users pick the custom provider without
	// supplying an endpoint of their own.
	defaultCustomEndpoint string
}

// NewService creates a new session service.
func NewService(store *storage.Storage, bus Publisher, queue Enqueuer, config *types.Config) *Service {
	s := &Service{storage: store, bus: bus, queue: queue}
	if config != nil {
		s.defaultCustomEndpoint = config.Provider[string(types.ProviderCustom)].Endpoint
	}
	return s
}

// Create opens a new pending session. When no provider is given the
// user's default provider is recorded on the session.
func (s *Service) Create(ctx context.Context, userID string, in types.SessionCreate) (*types.Session, error) {
	now := time.Now().UTC()
	session := &types.Session{
		ID:               types.NewID(),
		UserID:           userID,
		Title:            strings.TrimSpace(in.Title),
		AnalysisType:     in.AnalysisType,
		AIProvider:       in.AIProvider,
		Status:           types.StatusPending,
		AreaOfInterest:   in.AreaOfInterest,
		Metadata:         in.Metadata,
		ProviderMetadata: in.ProviderMetadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := validate(session); err != nil {
		return nil, err
	}

	if session.AIProvider == "" {
		settings, err := s.storage.GetSettings(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load settings: %w", err)
		}
		session.AIProvider = settings.AIProvider
	}

	if err := s.storage.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	logging.Info().Str("sessionID", session.ID).Str("analysisType", string(session.AnalysisType)).Msg("session created")
	return session, nil
}

func validate(session *types.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	_, err := geo.Parse(session.AreaOfInterest)
	return err
}

// Get retrieves a session owned by userID.
func (s *Service) Get(ctx context.Context, userID, sessionID string) (*types.Session, error) {
	session, err := s.storage.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, storage.ErrNotFound
	}
	return session, nil
}

// List returns the user's sessions, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]*types.Session, error) {
	return s.storage.ListSessions(ctx, userID)
}

// Update applies patch to the owner-editable fields of a session.
func (s *Service) Update(ctx context.Context, userID, sessionID string, patch types.SessionPatch) (*types.Session, error) {
	session, err := s.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		session.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.AnalysisType != nil {
		session.AnalysisType = *patch.AnalysisType
	}
	if patch.AIProvider != nil {
		session.AIProvider = *patch.AIProvider
	}
	if len(patch.AreaOfInterest) > 0 {
		session.AreaOfInterest = patch.AreaOfInterest
	}
	if patch.Metadata != nil {
		session.Metadata = patch.Metadata
	}
	if patch.ProviderMetadata != nil {
		session.ProviderMetadata = patch.ProviderMetadata
	}
	if err := validate(session); err != nil {
		return nil, err
	}

	if err := s.storage.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Delete removes a session and its transcript.
func (s *Service) Delete(ctx context.Context, userID, sessionID string) error {
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return err
	}
	return s.storage.DeleteSession(ctx, sessionID)
}

// State returns the session with its full transcript.
func (s *Service) State(ctx context.Context, userID, sessionID string) (*types.SessionState, error) {
	session, err := s.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := s.storage.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &types.SessionState{Session: session, Messages: messages}, nil
}

// Messages returns the transcript of a session, oldest first.
func (s *Service) Messages(ctx context.Context, userID, sessionID string) ([]*types.Message, error) {
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.storage.ListMessages(ctx, sessionID)
}

// Message returns one message of a session.
func (s *Service) Message(ctx context.Context, userID, sessionID, messageID string) (*types.Message, error) {
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.storage.GetMessage(ctx, sessionID, messageID)
}

// SubmitTurn records a user message, broadcasts it and schedules exactly
// one analysis job for it. The session status is left to the worker.
func (s *Service) SubmitTurn(ctx context.Context, userID, sessionID, content string, payload map[string]any) (*types.Message, error) {
	if err := types.ValidateContent(content); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	msg := &types.Message{
		ID:        types.NewID(),
		SessionID: sessionID,
		Role:      types.RoleUser,
		Content:   content,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.storage.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	if err := s.bus.Publish(event.NewMessageEvent(msg)); err != nil {
		logging.Warn().Err(err).Str("sessionID", sessionID).Msg("failed to publish user message")
	}

	job := worker.Job{SessionID: sessionID, MessageID: msg.ID, Prompt: content, EnqueuedAt: msg.CreatedAt}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return msg, fmt.Errorf("failed to enqueue analysis: %w", err)
	}
	logging.Debug().Str("sessionID", sessionID).Str("messageID", msg.ID).Msg("turn submitted")
	return msg, nil
}
