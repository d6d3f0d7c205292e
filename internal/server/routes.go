package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		// Provider catalogue
		r.Get("/providers", s.listProviders)

		// Per-user provider settings
		r.Route("/users/me/settings", func(r chi.Router) {
			r.Get("/", s.getSettings)
			r.Put("/", s.putSettings)
		})

		// Session routes
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/", s.createSession)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Patch("/", s.updateSession)
				r.Delete("/", s.deleteSession)

				// Transcript
				r.Get("/messages", s.getMessages)
				r.Post("/messages", s.sendMessage)
				r.Get("/messages/{messageID}", s.getMessage)

				// Live updates
				r.Get("/events", s.sessionEvents)
			})
		})

		// Multiplexed live updates
		r.Get("/cable", s.cable)
	})
}
