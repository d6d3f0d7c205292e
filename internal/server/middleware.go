package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/terrachat/terrachat/internal/logging"
)

// UserHeader identifies the calling user. Authentication happens upstream;
// the server trusts this header.
const UserHeader = "X-User-ID"

// userQueryParam carries the user for clients that cannot set headers,
// such as browser WebSocket and EventSource connections.
const userQueryParam = "user_id"

type contextKey string

const contextKeyUser contextKey = "user"

// requireUser rejects requests that do not name a user.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(UserHeader))
		if user == "" {
			user = strings.TrimSpace(r.URL.Query().Get(userQueryParam))
		}
		if user == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, UserHeader+" header is required")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyUser, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// getUser returns the user from context.
func getUser(ctx context.Context) string {
	if user, ok := ctx.Value(contextKeyUser).(string); ok {
		return user
	}
	return ""
}

// requestLogger writes one structured access log line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logging.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("requestID", middleware.GetReqID(r.Context())).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}
