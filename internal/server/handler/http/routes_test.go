package http_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	handler "github.com/atinyakov/modelsync/internal/server/handler/http"
)

type tokenMap map[string]string

func (m tokenMap) ParseAccessToken(token string) (string, error) {
	if u, ok := m[token]; ok {
		return u, nil
	}
	return "", errors.New("invalid token")
}

var tokens = tokenMap{"alice-1": "alice", "alice-2": "alice", "bob-1": "bob"}

func newTestServer(t *testing.T) (*httptest.Server, *handler.Relay) {
	t.Helper()
	relay := handler.NewRelay(zap.NewNop())
	router := handler.NewRouter(
		&handler.AuthHandler{AuthService: &fakeAuthService{}, Log: zap.NewNop()},
		&handler.SyncHandler{SyncService: &fakeSyncService{}, Users: fakeUsers{}, Log: zap.NewNop()},
		relay,
		tokens,
		zap.NewNop(),
	)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		relay.Close()
		srv.Close()
	})
	return srv, relay
}

func TestRouter_Auth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/sync/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sync/status", nil)
	req.Header.Set("Authorization", "Bearer alice-1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/auth/magic-link", "application/json", strings.NewReader(`{"email":"a@example.com"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestRouter_RejectsNonJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/auth/magic-link", "text/plain", strings.NewReader("a@example.com"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/channel",
		&websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func TestRelay_FansOutToSameUserOnly(t *testing.T) {
	srv, relay := newTestServer(t)

	a := dial(t, srv, "alice-1")
	b := dial(t, srv, "alice-2")
	c := dial(t, srv, "bob-1")
	require.Eventually(t, func() bool {
		return relay.Peers("alice") == 2 && relay.Peers("bob") == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, a.Write(ctx, websocket.MessageText, []byte(`{"type":"lock","tabId":"a"}`)))
	_, got, err := b.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"lock","tabId":"a"}`, string(got))

	// The sender does not get its own message back: the first thing a
	// reads is b's reply.
	require.NoError(t, b.Write(ctx, websocket.MessageText, []byte(`{"type":"lock","tabId":"b"}`)))
	_, got, err = a.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"lock","tabId":"b"}`, string(got))

	short, cancelShort := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancelShort()
	_, _, err = c.Read(short)
	assert.Error(t, err, "another user's connection must not receive the message")
}

func TestRelay_RequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/channel", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}
