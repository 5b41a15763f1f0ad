package http

import (
	"net/http"

	"github.com/atinyakov/modelsync/internal/middleware"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the API handler.
//
// Routes:
//
//	POST /api/auth/magic-link    → authHandler.MagicLink
//	POST /api/auth/verify        → authHandler.Verify
//	POST /api/auth/refresh       → authHandler.Refresh
//	POST /api/auth/logout        → authHandler.Logout
//	GET  /api/sync/status        → syncHandler.Status     (bearer)
//	POST /api/sync/pull          → syncHandler.Pull       (bearer)
//	POST /api/sync/push          → syncHandler.Push       (bearer)
//	POST /api/libraries/share    → syncHandler.Share      (bearer)
//	POST /api/libraries/unshare  → syncHandler.Unshare    (bearer)
//	GET  /api/channel            → relay                  (bearer, websocket)
//
// Request bodies must be application/json.
func NewRouter(
	authHandler *AuthHandler,
	syncHandler *SyncHandler,
	relay http.Handler,
	tokens middleware.TokenParser,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(chiMiddleware.Recoverer)
	// Bodyless requests such as GET and the websocket upgrade pass through.
	r.Use(chiMiddleware.AllowContentType("application/json"))

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/magic-link", authHandler.MagicLink)
			r.Post("/verify", authHandler.Verify)
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/logout", authHandler.Logout)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(tokens))
			r.Get("/sync/status", syncHandler.Status)
			r.Post("/sync/pull", syncHandler.Pull)
			r.Post("/sync/push", syncHandler.Push)
			r.Post("/libraries/share", syncHandler.Share)
			r.Post("/libraries/unshare", syncHandler.Unshare)
			r.Method(http.MethodGet, "/channel", relay)
		})
	})

	return r
}
