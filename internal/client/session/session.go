// Package session persists the authenticated session: the signed-in user and
// the access/refresh token pair.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/atinyakov/modelsync/internal/kv"
	"github.com/atinyakov/modelsync/internal/models"
)

// Session is an active sign-in.
type Session struct {
	User         models.User
	AccessToken  string
	RefreshToken string
}

// Store keeps the current session in memory and mirrors it to a kv.Store.
type Store struct {
	kv kv.Store

	mu      sync.RWMutex
	current *Session
}

// NewStore returns an empty store backed by durable.
func NewStore(durable kv.Store) *Store {
	return &Store{kv: durable}
}

// Load restores the persisted session, if any. A session missing either
// token is treated as absent.
func (s *Store) Load(ctx context.Context) error {
	access, okA, err := s.kv.Get(ctx, kv.KeyAccessToken)
	if err != nil {
		return fmt.Errorf("load access token: %w", err)
	}
	refresh, okR, err := s.kv.Get(ctx, kv.KeyRefreshToken)
	if err != nil {
		return fmt.Errorf("load refresh token: %w", err)
	}
	rawUser, okU, err := s.kv.Get(ctx, kv.KeyUser)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !okA || !okR || access == "" || refresh == "" {
		s.current = nil
		return nil
	}
	sess := &Session{AccessToken: access, RefreshToken: refresh}
	if okU && rawUser != "" {
		if err := json.Unmarshal([]byte(rawUser), &sess.User); err != nil {
			return fmt.Errorf("decode user: %w", err)
		}
	}
	s.current = sess
	return nil
}

// Save replaces the session and persists it.
func (s *Store) Save(ctx context.Context, sess Session) error {
	user, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}

	s.mu.Lock()
	s.current = &sess
	s.mu.Unlock()

	return errors.Join(
		s.kv.Set(ctx, kv.KeyAccessToken, sess.AccessToken),
		s.kv.Set(ctx, kv.KeyRefreshToken, sess.RefreshToken),
		s.kv.Set(ctx, kv.KeyUser, string(user)),
	)
}

// SetTokens rotates the token pair of the current session. It is a no-op
// without a session.
func (s *Store) SetTokens(ctx context.Context, access, refresh string) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	s.current.AccessToken = access
	s.current.RefreshToken = refresh
	s.mu.Unlock()

	return errors.Join(
		s.kv.Set(ctx, kv.KeyAccessToken, access),
		s.kv.Set(ctx, kv.KeyRefreshToken, refresh),
	)
}

// Clear destroys the session.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	return errors.Join(
		s.kv.Delete(ctx, kv.KeyAccessToken),
		s.kv.Delete(ctx, kv.KeyRefreshToken),
		s.kv.Delete(ctx, kv.KeyUser),
	)
}

// Current returns a copy of the session and whether one exists.
func (s *Store) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// AccessToken returns the current access token or "".
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.AccessToken
}

// RefreshToken returns the current refresh token or "".
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.RefreshToken
}

// Authenticated reports whether a session exists.
func (s *Store) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}
