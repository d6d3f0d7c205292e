package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/terrachat/terrachat/pkg/types"
)

// health reports liveness.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listSessions handles GET /sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessionService.List(r.Context(), getUser(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// createSession handles POST /sessions
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req types.SessionCreate
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := s.sessionService.Create(r.Context(), getUser(r.Context()), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// getSession handles GET /sessions/{sessionID} and returns the full state.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.sessionService.State(r.Context(), getUser(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if state.Messages == nil {
		state.Messages = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, state)
}

// updateSession handles PATCH /sessions/{sessionID}
func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	var patch types.SessionPatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	session, err := s.sessionService.Update(r.Context(), getUser(r.Context()), chi.URLParam(r, "sessionID"), patch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// deleteSession handles DELETE /sessions/{sessionID}
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessionService.Delete(r.Context(), getUser(r.Context()), chi.URLParam(r, "sessionID")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
