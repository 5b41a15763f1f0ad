// Package http provides the HTTP API of the sync server: magic-link auth,
// pull/push sync, library sharing and the cross-instance relay.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/atinyakov/modelsync/internal/models"
	"github.com/atinyakov/modelsync/internal/service"
	"go.uber.org/zap"
)

// AuthService defines the authentication operations required by AuthHandler.
type AuthService interface {
	RequestMagicLink(ctx context.Context, email string) error
	Verify(ctx context.Context, token string) (*models.VerifyResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*models.RefreshResponse, error)
	Logout(ctx context.Context, refreshToken string) error
}

// AuthHandler handles the /api/auth endpoints.
type AuthHandler struct {
	AuthService AuthService
	Log         *zap.Logger
}

// MagicLink handles POST /api/auth/magic-link.
func (h *AuthHandler) MagicLink(w http.ResponseWriter, r *http.Request) {
	var req models.MagicLinkRequest
	if !decode(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	err := h.AuthService.RequestMagicLink(r.Context(), req.Email)
	switch {
	case errors.Is(err, service.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, "invalid email")
	case err != nil:
		h.Log.Error("magic link request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// Verify handles POST /api/auth/verify.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyRequest
	if !decode(r, &req) || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	resp, err := h.AuthService.Verify(r.Context(), req.Token)
	switch {
	case errors.Is(err, service.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid_magic_link")
	case err != nil:
		h.Log.Error("magic link verification failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// Refresh handles POST /api/auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshRequest
	if !decode(r, &req) || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	resp, err := h.AuthService.Refresh(r.Context(), req.RefreshToken)
	switch {
	case errors.Is(err, service.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
	case err != nil:
		h.Log.Error("token refresh failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshRequest
	if !decode(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.RefreshToken != "" {
		if err := h.AuthService.Logout(r.Context(), req.RefreshToken); err != nil {
			h.Log.Error("logout failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
