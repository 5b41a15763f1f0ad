package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/atinyakov/modelsync/internal/middleware"
	"github.com/atinyakov/modelsync/internal/models"
	"github.com/atinyakov/modelsync/internal/repository"
	"github.com/atinyakov/modelsync/internal/service"
	"go.uber.org/zap"
)

// SyncService defines the synchronization operations required by
// SyncHandler.
type SyncService interface {
	Status(ctx context.Context, userID string) (*models.StatusResponse, error)
	Pull(ctx context.Context, userID string, req models.PullRequest) (*models.PullResponse, error)
	Push(ctx context.Context, userID string, req models.PushRequest) (*models.PushResponse, error)
	ShareLibrary(ctx context.Context, ownerID, sharedWith, name string) error
	UnshareLibrary(ctx context.Context, ownerID, sharedWith string) error
}

// UserLookup resolves the target of a share.
type UserLookup interface {
	LookupUser(ctx context.Context, email string) (models.User, error)
}

// SyncHandler handles the /api/sync and /api/libraries endpoints. Every
// route expects BearerAuth in front of it.
type SyncHandler struct {
	SyncService SyncService
	Users       UserLookup
	Log         *zap.Logger
}

// Status handles GET /api/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp, err := h.SyncService.Status(r.Context(), middleware.GetUserIDFromContext(r.Context()))
	if err != nil {
		h.internal(w, "status failed", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Pull handles POST /api/sync/pull.
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	var req models.PullRequest
	if !decode(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	resp, err := h.SyncService.Pull(r.Context(), middleware.GetUserIDFromContext(r.Context()), req)
	if err != nil {
		h.internal(w, "pull failed", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Push handles POST /api/sync/push.
func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	var req models.PushRequest
	if !decode(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	resp, err := h.SyncService.Push(r.Context(), middleware.GetUserIDFromContext(r.Context()), req)
	if errors.Is(err, service.ErrInvalidChange) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.internal(w, "push failed", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Share handles POST /api/libraries/share.
func (h *SyncHandler) Share(w http.ResponseWriter, r *http.Request) {
	h.share(w, r, true)
}

// Unshare handles POST /api/libraries/unshare.
func (h *SyncHandler) Unshare(w http.ResponseWriter, r *http.Request) {
	h.share(w, r, false)
}

func (h *SyncHandler) share(w http.ResponseWriter, r *http.Request, grant bool) {
	var req models.ShareRequest
	if !decode(r, &req) || req.Email == "" || (grant && req.Name == "") {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	ctx := r.Context()
	target, err := h.Users.LookupUser(ctx, req.Email)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		h.internal(w, "share lookup failed", err)
		return
	}

	owner := middleware.GetUserIDFromContext(ctx)
	if grant {
		err = h.SyncService.ShareLibrary(ctx, owner, target.ID, req.Name)
	} else {
		err = h.SyncService.UnshareLibrary(ctx, owner, target.ID)
	}
	if errors.Is(err, service.ErrSelfShare) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.internal(w, "share failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SyncHandler) internal(w http.ResponseWriter, msg string, err error) {
	h.Log.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
