package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/atinyakov/modelsync/internal/client/session"
	"github.com/atinyakov/modelsync/internal/kv"
	"github.com/atinyakov/modelsync/internal/models"
	"go.uber.org/zap"
)

// RequestMagicLink asks the server to email a sign-in link.
func (e *Engine) RequestMagicLink(ctx context.Context, email string) error {
	if err := e.remote.RequestMagicLink(ctx, email); err != nil {
		return fmt.Errorf("request magic link: %w", err)
	}
	return nil
}

// VerifyMagicLink exchanges a magic-link token for a session and, once the
// local store is ready, runs the initial pull.
func (e *Engine) VerifyMagicLink(ctx context.Context, token string) (models.User, error) {
	resp, err := e.remote.VerifyMagicLink(ctx, token)
	if err != nil {
		return models.User{}, fmt.Errorf("verify magic link: %w", err)
	}
	sess := session.Session{User: resp.User, AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}
	if err := e.session.Save(ctx, sess); err != nil {
		e.log.Warn("failed to persist session", zap.Error(err))
	}
	e.log.Info("signed in", zap.String("user", resp.User.ID))
	e.maybeInitialPull(ctx)
	return resp.User, nil
}

// SetLocalReady tells the engine that the local store finished loading. The
// initial pull runs once per session, as soon as both conditions hold.
func (e *Engine) SetLocalReady(ctx context.Context) *PullResult {
	e.mu.Lock()
	e.localReady = true
	e.mu.Unlock()
	return e.maybeInitialPull(ctx)
}

func (e *Engine) maybeInitialPull(ctx context.Context) *PullResult {
	e.mu.Lock()
	if !e.localReady || e.initialPulled || !e.session.Authenticated() {
		e.mu.Unlock()
		return nil
	}
	e.initialPulled = true
	e.mu.Unlock()
	return e.Pull(ctx)
}

// Logout revokes the refresh token, clears the session and drops the
// signed-out user's pending changes and sync markers.
func (e *Engine) Logout(ctx context.Context) error {
	var errs []error
	if rt := e.session.RefreshToken(); rt != "" && e.isOnline() {
		if err := e.remote.Logout(ctx, rt); err != nil {
			e.log.Warn("server logout failed", zap.Error(err))
		}
	}
	errs = append(errs,
		e.session.Clear(ctx),
		e.queue.Clear(ctx),
		e.store.Delete(ctx, kv.KeyLastSyncAt),
		e.store.Delete(ctx, kv.KeyInitialSyncDone),
	)

	e.resetSessionState()
	e.mu.Lock()
	e.state = State{Status: StatusIdle}
	e.mu.Unlock()
	return errors.Join(errs...)
}
