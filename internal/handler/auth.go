package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/provasonline/provas/internal/i18n"
	"github.com/provasonline/provas/internal/model"
)

// syncUserID identifies the sync service in the request context.
const syncUserID = "sync-service"

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// requireAuth resolves the bearer token to a user. The configured sync
// token maps to the sync service identity; any other token must name a
// live auth session of an active user.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, appI18n.T(r.Context(), "ErrUnauthorized"))
			return
		}

		if h.config.SyncToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.config.SyncToken)) == 1 {
			svc := &model.User{ID: syncUserID, Name: "Sync", Role: model.UserRoleSync, Active: true}
			next.ServeHTTP(w, r.WithContext(model.ContextWithUser(r.Context(), svc)))
			return
		}

		authSess, err := h.store.GetAuthSession(r.Context(), token)
		if err != nil {
			slog.Error("failed to get auth session", "error", err)
			writeError(w, http.StatusUnauthorized, appI18n.T(r.Context(), "ErrUnauthorized"))
			return
		}
		if authSess == nil {
			writeError(w, http.StatusUnauthorized, appI18n.T(r.Context(), "ErrUnauthorized"))
			return
		}

		user, err := h.store.GetUserByID(r.Context(), authSess.UserID)
		if err != nil || user == nil || !user.Active {
			writeError(w, http.StatusUnauthorized, appI18n.T(r.Context(), "ErrUnauthorized"))
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeError(w, http.StatusUnauthorized, appI18n.T(r.Context(), "ErrUnauthorized"))
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, appI18n.T(r.Context(), "ErrForbidden"))
		})
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	user, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if user == nil || !user.Active {
		writeError(w, http.StatusUnauthorized, appI18n.T(r.Context(), "ErrInvalidCredentials"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, appI18n.T(r.Context(), "ErrInvalidCredentials"))
		return
	}

	token, err := h.store.CreateAuthSession(r.Context(), user.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	slog.Info("user logged in", "id", user.ID, "role", user.Role)
	user.PasswordHash = ""
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": token, "user": user})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		if err := h.store.DeleteAuthSession(r.Context(), token); err != nil {
			slog.Warn("failed to delete auth session", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": appI18n.T(r.Context(), "LoggedOut")})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	user := *model.UserFromContext(r.Context())
	user.PasswordHash = ""
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}
