package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/auth"
	"github.com/slotbid/gpu-scheduler/internal/engine"
)

// Login verifies credentials and issues the session cookie.
func Login(eng *engine.Engine, sessions *auth.SessionManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		summary, err := eng.Authenticate(req.Username, req.Password)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		token := sessions.Create(summary.Username)
		http.SetCookie(w, &http.Cookie{
			Name:     auth.SessionCookie,
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})

		logger.Info("User logged in", zap.String("username", summary.Username))
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{"ok": true, "user": summary})
	}
}

// Logout destroys the session and expires the cookie.
func Logout(sessions *auth.SessionManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token, ok := auth.TokenFromRequest(r); ok {
			sessions.Destroy(token)
		}
		http.SetCookie(w, &http.Cookie{
			Name:     auth.SessionCookie,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			MaxAge:   -1,
		})
		writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// Session reports whether the caller is authenticated, with their summary.
func Session(eng *engine.Engine, sessions *auth.SessionManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.TokenFromRequest(r)
		if !ok {
			writeJSONResponse(w, http.StatusOK, map[string]bool{"authenticated": false})
			return
		}
		username, ok := sessions.Resolve(token)
		if !ok {
			writeJSONResponse(w, http.StatusOK, map[string]bool{"authenticated": false})
			return
		}
		summary, err := eng.SessionSummary(username)
		if err != nil {
			writeJSONResponse(w, http.StatusOK, map[string]bool{"authenticated": false})
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{"authenticated": true, "user": summary})
	}
}

// ChangePassword rotates the caller's own password.
func ChangePassword(eng *engine.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OldPassword string `json:"old_password"`
			NewPassword string `json:"new_password"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		if err := eng.ChangePassword(usernameFrom(r), req.OldPassword, req.NewPassword); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
	}
}
