package server

import (
	"net/http"

	"github.com/terrachat/terrachat/pkg/types"
)

// listProviders handles GET /providers
func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.providerReg.List())
}

// getSettings handles GET /users/me/settings
func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.sessionService.GetSettings(r.Context(), getUser(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	settings.UserID = getUser(r.Context())
	writeJSON(w, http.StatusOK, settings.View())
}

// putSettings handles PUT /users/me/settings
func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var req types.SettingsUpdate
	if !decodeJSON(w, r, &req) {
		return
	}

	settings, err := s.sessionService.PutSettings(r.Context(), getUser(r.Context()), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings.View())
}
