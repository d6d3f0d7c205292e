package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/terrachat/terrachat/internal/event"
	"github.com/terrachat/terrachat/internal/provider"
	"github.com/terrachat/terrachat/internal/session"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// HeartbeatInterval paces SSE heartbeats and WebSocket pings.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:              3000,
		EnableCORS:        true,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // No write timeout for SSE
		HeartbeatInterval: SSEHeartbeatInterval,
	}
}

// Server is the HTTP server.
type Server struct {
	config         *Config
	router         *chi.Mux
	httpSrv        *http.Server
	sessionService *session.Service
	providerReg    *provider.Registry
	bus            *event.Bus
	upgrader       websocket.Upgrader
}

// New creates a new Server instance.
func New(cfg *Config, sessions *session.Service, providerReg *provider.Registry, bus *event.Bus) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = SSEHeartbeatInterval
	}

	s := &Server{
		config:         cfg,
		router:         chi.NewRouter(),
		sessionService: sessions,
		providerReg:    providerReg,
		bus:            bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", UserHeader},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
