package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atinyakov/modelsync/internal/client/session"
	"github.com/atinyakov/modelsync/internal/kv"
	"github.com/atinyakov/modelsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// authServer accepts only the bearer token in *valid and rotates it on
// refresh when refreshOK is set.
type authServer struct {
	mu        sync.Mutex
	valid     string
	refreshOK bool
	refreshes atomic.Int32
	statuses  atomic.Int32
}

func (s *authServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		s.refreshes.Add(1)
		var req models.RefreshRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.refreshOK || req.RefreshToken != "rt" {
			writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "invalid_refresh_token"})
			return
		}
		s.valid = "fresh"
		writeJSON(w, http.StatusOK, models.RefreshResponse{AccessToken: "fresh", RefreshToken: "rt2"})
	})
	mux.HandleFunc("/api/sync/status", func(w http.ResponseWriter, r *http.Request) {
		s.statuses.Add(1)
		s.mu.Lock()
		valid := s.valid
		s.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+valid {
			writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "token_expired"})
			return
		}
		writeJSON(w, http.StatusOK, models.StatusResponse{ActiveRecordCount: 7})
	})
	return mux
}

func newClient(t *testing.T, h http.Handler, sess session.Session) (*Client, *session.Store) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	store := session.NewStore(kv.NewMemory())
	if sess.AccessToken != "" {
		require.NoError(t, store.Save(context.Background(), sess))
	}
	return NewClient(srv.Client(), srv.URL, store, nil), store
}

func TestDoAuth_ValidToken(t *testing.T) {
	s := &authServer{valid: "at"}
	c, _ := newClient(t, s.handler(), session.Session{AccessToken: "at", RefreshToken: "rt"})

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, st.ActiveRecordCount)
	assert.Zero(t, s.refreshes.Load())
}

func TestDoAuth_ExpiredTokenRefreshesAndRetriesOnce(t *testing.T) {
	s := &authServer{valid: "other", refreshOK: true}
	c, store := newClient(t, s.handler(), session.Session{AccessToken: "stale", RefreshToken: "rt"})

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, st.ActiveRecordCount)
	assert.Equal(t, int32(1), s.refreshes.Load())
	assert.Equal(t, int32(2), s.statuses.Load())
	assert.Equal(t, "fresh", store.AccessToken())
	assert.Equal(t, "rt2", store.RefreshToken())
}

func TestDoAuth_RefreshRejectedClearsSession(t *testing.T) {
	s := &authServer{valid: "other"}
	c, store := newClient(t, s.handler(), session.Session{AccessToken: "stale", RefreshToken: "rt"})

	expired := false
	c.OnSessionExpired(func() { expired = true })

	_, err := c.Status(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, store.Authenticated())
	assert.True(t, expired)
	assert.Equal(t, int32(1), s.statuses.Load(), "no retry after a failed refresh")
}

func TestDoAuth_ConcurrentCallsRefreshOnce(t *testing.T) {
	s := &authServer{valid: "other", refreshOK: true}
	c, _ := newClient(t, s.handler(), session.Session{AccessToken: "stale", RefreshToken: "rt"})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Status(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), s.refreshes.Load())
}

func TestDoAuth_NoSession(t *testing.T) {
	s := &authServer{valid: "at"}
	c, _ := newClient(t, s.handler(), session.Session{})

	_, err := c.Status(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, s.statuses.Load())
}

func TestDo_StatusError(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid email"})
	})
	c, _ := newClient(t, h, session.Session{})

	err := c.RequestMagicLink(context.Background(), "nope")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "invalid email", se.Message)
}

func TestDo_TransportError(t *testing.T) {
	store := session.NewStore(kv.NewMemory())
	c := NewClient(&http.Client{Timeout: time.Second}, "http://127.0.0.1:1", store, nil)

	err := c.RequestMagicLink(context.Background(), "a@b.c")
	require.Error(t, err)
	var se *StatusError
	assert.False(t, errors.As(err, &se))
}

func TestPullAndPush(t *testing.T) {
	serverTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		var req models.PullRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Nil(t, req.LastSyncAt)
		assert.Equal(t, 100, req.Limit)
		writeJSON(w, http.StatusOK, models.PullResponse{
			Records:    []models.Record{{ID: "m1", Title: "t"}},
			ServerTime: serverTime,
			Count:      1,
			Total:      1,
		})
	})
	mux.HandleFunc("/api/sync/push", func(w http.ResponseWriter, r *http.Request) {
		var req models.PushRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) || !assert.Len(t, req.Changes, 1) {
			return
		}
		writeJSON(w, http.StatusOK, models.PushResponse{
			Results:    models.PushResults{Created: []string{req.Changes[0].Record.ID}},
			ServerTime: serverTime,
		})
	})
	c, _ := newClient(t, mux, session.Session{AccessToken: "at", RefreshToken: "rt"})
	ctx := context.Background()

	page, err := c.Pull(ctx, models.PullRequest{Limit: 100})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.True(t, serverTime.Equal(page.ServerTime))

	res, err := c.Push(ctx, models.PushRequest{Changes: []models.Change{{Operation: models.OpCreate, Record: models.Record{ID: "m2"}}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, res.Results.Created)
}

func TestChannelURL(t *testing.T) {
	store := session.NewStore(kv.NewMemory())
	assert.Equal(t, "ws://h:1/api/channel", NewClient(nil, "http://h:1/", store, nil).ChannelURL())
	assert.Equal(t, "wss://h/api/channel", NewClient(nil, "https://h", store, nil).ChannelURL())
}

func TestShareLibrary(t *testing.T) {
	var got []models.ShareRequest
	var mu sync.Mutex
	mux := http.NewServeMux()
	for _, path := range []string{"/api/libraries/share", "/api/libraries/unshare"} {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
			var req models.ShareRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.Email == "nobody@example.com" {
				writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "user_not_found"})
				return
			}
			mu.Lock()
			got = append(got, req)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		})
	}
	c, _ := newClient(t, mux, session.Session{AccessToken: "at", RefreshToken: "rt"})
	ctx := context.Background()

	require.NoError(t, c.ShareLibrary(ctx, "bob@example.com", "Prompts"))
	require.NoError(t, c.UnshareLibrary(ctx, "bob@example.com"))
	assert.Equal(t, []models.ShareRequest{
		{Email: "bob@example.com", Name: "Prompts"},
		{Email: "bob@example.com"},
	}, got)

	var se *StatusError
	require.ErrorAs(t, c.ShareLibrary(ctx, "nobody@example.com", ""), &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}
