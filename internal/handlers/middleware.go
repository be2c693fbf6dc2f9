package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/auth"
	"github.com/slotbid/gpu-scheduler/internal/engine"
)

type contextKey string

// contextKeyUsername carries the authenticated username through the
// request context.
const contextKeyUsername contextKey = "username"

// usernameFrom returns the authenticated username set by Authenticator.
func usernameFrom(r *http.Request) string {
	username, _ := r.Context().Value(contextKeyUsername).(string)
	return username
}

// Authenticator resolves the session cookie and rejects unauthenticated
// requests with a uniform 401.
func Authenticator(sessions *auth.SessionManager, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.TokenFromRequest(r)
			if !ok {
				writeErrorResponse(w, http.StatusUnauthorized, "Authentication required.")
				return
			}
			username, ok := sessions.Resolve(token)
			if !ok {
				writeErrorResponse(w, http.StatusUnauthorized, "Authentication required.")
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyUsername, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		}
		return http.HandlerFunc(fn)
	}
}

// RequireAdmin gates a route group on the admin role. It must run after
// Authenticator.
func RequireAdmin(eng *engine.Engine, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			summary, err := eng.SessionSummary(usernameFrom(r))
			if err != nil || summary.Role != "admin" {
				writeErrorResponse(w, http.StatusForbidden, "Admin privileges required.")
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

// MonitorAuth checks the monitor daemon's bearer token in constant time.
// An empty configured token disables the ingest surface entirely.
func MonitorAuth(token string, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeErrorResponse(w, http.StatusBadRequest, "GPU monitoring not configured - GPU_MONITOR_TOKEN not set.")
				return
			}
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeErrorResponse(w, http.StatusUnauthorized, "Missing or invalid authorization token.")
				return
			}
			provided := strings.TrimPrefix(header, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				logger.Warn("Monitor report with bad bearer token", zap.String("remote", r.RemoteAddr))
				writeErrorResponse(w, http.StatusUnauthorized, "Invalid authorization token.")
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

// LifecycleTick drives the day state machine on every write path. A tick
// failure is logged and the request proceeds; the timer retries shortly.
func LifecycleTick(eng *engine.Engine, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				if err := eng.Tick(); err != nil {
					logger.Error("Lifecycle tick failed on request path", zap.Error(err))
				}
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

// CORS mirrors the requesting origin and allows credentialed API calls
// from the frontend.
func CORS(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}
