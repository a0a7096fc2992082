package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"

	"github.com/terraconstructs/kcauth/internal/auth"
	kcmiddleware "github.com/terraconstructs/kcauth/internal/middleware"
	"github.com/terraconstructs/kcauth/internal/repository"
)

// MeResponse is the body of GET /v1/me.
type MeResponse struct {
	ID           string     `json:"id"`
	Username     string     `json:"username,omitempty"`
	Email        string     `json:"email,omitempty"`
	Roles        []string   `json:"roles"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// UserRolesResponse is the body of GET /v1/users/{id}/roles.
type UserRolesResponse struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// HandleMe echoes the identity of the authenticated caller. When a directory
// is available the sync timestamp is included.
func HandleMe(dir Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			kcmiddleware.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
			return
		}

		resp := MeResponse{
			ID:       id.ID,
			Username: id.Username,
			Email:    id.Email,
			Roles:    id.Roles,
		}
		if resp.Roles == nil {
			resp.Roles = []string{}
		}
		if dir != nil {
			if user, err := dir.GetUser(r.Context(), id.ID); err == nil {
				resp.LastSyncedAt = user.LastSyncedAt
			}
		}
		kcmiddleware.WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleUserRoles returns the persisted role set of another user.
func HandleUserRoles(dir Directory, logger hclog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")

		if _, err := dir.GetUser(r.Context(), userID); err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				kcmiddleware.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
				return
			}
			logger.Error("get user failed", "user_id", userID, "error", err)
			kcmiddleware.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		roles, err := dir.GetRoles(r.Context(), userID)
		if err != nil {
			logger.Error("get roles failed", "user_id", userID, "error", err)
			kcmiddleware.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		kcmiddleware.WriteJSON(w, http.StatusOK, UserRolesResponse{ID: userID, Roles: roles})
	}
}
