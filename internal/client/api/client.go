// Package api is the HTTP client for the remote sync and auth API.
//
// Every sync call goes through an authenticated wrapper that attaches the
// bearer token and, on a 401, rotates the token pair once and repeats the
// request. Callers never see a raw 401: either the retried call succeeds or
// the session is torn down and ErrSessionExpired is returned.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/atinyakov/modelsync/internal/client/session"
	"github.com/atinyakov/modelsync/internal/models"
	"go.uber.org/zap"
)

var (
	// ErrNotAuthenticated is returned by authenticated calls without a session.
	ErrNotAuthenticated = errors.New("api: not authenticated")
	// ErrSessionExpired is returned when the refresh token was rejected and
	// the session has been cleared.
	ErrSessionExpired = errors.New("api: session expired")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("api status %d", e.Code)
}

// Client talks to the sync server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	session    *session.Store
	log        *zap.Logger

	refreshMu sync.Mutex

	mu        sync.Mutex
	onExpired func()
}

// NewClient returns a client for baseURL. A nil httpClient uses
// http.DefaultClient.
func NewClient(httpClient *http.Client, baseURL string, sess *session.Store, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		session:    sess,
		log:        log,
	}
}

// OnSessionExpired registers fn to run after a rejected refresh cleared the
// session.
func (c *Client) OnSessionExpired(fn func()) {
	c.mu.Lock()
	c.onExpired = fn
	c.mu.Unlock()
}

// ChannelURL returns the websocket address of the cross-instance relay.
func (c *Client) ChannelURL() string {
	u := c.baseURL + "/api/channel"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// RequestMagicLink asks the server to email a sign-in link to email.
func (c *Client) RequestMagicLink(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/magic-link", "", models.MagicLinkRequest{Email: email}, nil)
}

// VerifyMagicLink exchanges a magic-link token for a session.
func (c *Client) VerifyMagicLink(ctx context.Context, token string) (*models.VerifyResponse, error) {
	var out models.VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/verify", "", models.VerifyRequest{Token: token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges refreshToken for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*models.RefreshResponse, error) {
	var out models.RefreshResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/refresh", "", models.RefreshRequest{RefreshToken: refreshToken}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout revokes refreshToken on the server.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", "", models.RefreshRequest{RefreshToken: refreshToken}, nil)
}

// Status returns the server's count of the user's active records.
func (c *Client) Status(ctx context.Context) (*models.StatusResponse, error) {
	var out models.StatusResponse
	if err := c.doAuth(ctx, http.MethodGet, "/api/sync/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pull fetches one page of records.
func (c *Client) Pull(ctx context.Context, req models.PullRequest) (*models.PullResponse, error) {
	var out models.PullResponse
	if err := c.doAuth(ctx, http.MethodPost, "/api/sync/pull", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Push sends a batch of changes.
func (c *Client) Push(ctx context.Context, req models.PushRequest) (*models.PushResponse, error) {
	var out models.PushResponse
	if err := c.doAuth(ctx, http.MethodPost, "/api/sync/push", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ShareLibrary gives the user registered as email read access to the
// caller's records under the library name.
func (c *Client) ShareLibrary(ctx context.Context, email, name string) error {
	return c.doAuth(ctx, http.MethodPost, "/api/libraries/share", models.ShareRequest{Email: email, Name: name}, nil)
}

// UnshareLibrary revokes a share created with ShareLibrary.
func (c *Client) UnshareLibrary(ctx context.Context, email string) error {
	return c.doAuth(ctx, http.MethodPost, "/api/libraries/unshare", models.ShareRequest{Email: email}, nil)
}

func (c *Client) doAuth(ctx context.Context, method, path string, body, out any) error {
	token := c.session.AccessToken()
	if token == "" {
		return ErrNotAuthenticated
	}
	err := c.do(ctx, method, path, token, body, out)
	if !isUnauthorized(err) {
		return err
	}

	if err := c.refresh(ctx, token); err != nil {
		return err
	}
	err = c.do(ctx, method, path, c.session.AccessToken(), body, out)
	if isUnauthorized(err) {
		c.expire(ctx)
		return ErrSessionExpired
	}
	return err
}

// refresh rotates the token pair unless another call already replaced stale.
func (c *Client) refresh(ctx context.Context, stale string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if cur := c.session.AccessToken(); cur != "" && cur != stale {
		return nil
	}
	rt := c.session.RefreshToken()
	if rt == "" {
		c.expire(ctx)
		return ErrSessionExpired
	}

	resp, err := c.Refresh(ctx, rt)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			c.log.Info("refresh token rejected, signing out", zap.Int("status", se.Code))
			c.expire(ctx)
			return ErrSessionExpired
		}
		return fmt.Errorf("refresh session: %w", err)
	}
	if err := c.session.SetTokens(ctx, resp.AccessToken, resp.RefreshToken); err != nil {
		c.log.Warn("failed to persist rotated tokens", zap.Error(err))
	}
	return nil
}

func (c *Client) expire(ctx context.Context) {
	if err := c.session.Clear(ctx); err != nil {
		c.log.Warn("failed to clear session", zap.Error(err))
	}
	c.mu.Lock()
	fn := c.onExpired
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func isUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusUnauthorized
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	}

	var eb models.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(eb.Error)}
}
