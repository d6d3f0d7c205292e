package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/terrachat/terrachat/internal/logging"
	"github.com/terrachat/terrachat/internal/storage"
	"github.com/terrachat/terrachat/pkg/types"
)

// SendMessageRequest represents the request body for a new analysis turn.
type SendMessageRequest struct {
	Content string         `json:"content"`
	Payload map[string]any `json:"payload,omitempty"`
}

// getMessages handles GET /sessions/{sessionID}/messages
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.sessionService.Messages(r.Context(), getUser(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if messages == nil {
		messages = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// getMessage handles GET /sessions/{sessionID}/messages/{messageID}
func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.sessionService.Message(r.Context(), getUser(r.Context()), chi.URLParam(r, "sessionID"), chi.URLParam(r, "messageID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// sendMessage handles POST /sessions/{sessionID}/messages. The turn is
// analyzed asynchronously; the reply arrives over the live channels.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	msg, err := s.sessionService.SubmitTurn(r.Context(), getUser(r.Context()), sessionID, req.Content, req.Payload)
	if err != nil {
		var verr *types.ValidationError
		if msg == nil || errors.As(err, &verr) || errors.Is(err, storage.ErrNotFound) {
			writeServiceError(w, err)
			return
		}
		// The message is stored but no analysis was scheduled.
		logging.Error().Err(err).Str("sessionID", sessionID).Msg("turn stored without job")
		writeErrorWithDetails(w, http.StatusServiceUnavailable, ErrCodeInternalError, "analysis could not be scheduled",
			map[string]any{"message_id": msg.ID})
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
