package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/atinyakov/modelsync/internal/middleware"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const relayWriteTimeout = 5 * time.Second

// Relay forwards websocket messages between the connections of one user,
// so client instances in separate processes share a broadcast channel.
// A message is never echoed to its sender.
type Relay struct {
	log *zap.Logger

	mu    sync.Mutex
	peers map[string]map[*websocket.Conn]struct{}
}

// NewRelay returns an empty relay.
func NewRelay(log *zap.Logger) *Relay {
	return &Relay{log: log, peers: make(map[string]map[*websocket.Conn]struct{})}
}

// ServeHTTP handles GET /api/channel behind BearerAuth.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserIDFromContext(r.Context())
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		rl.log.Debug("websocket accept failed", zap.Error(err))
		return
	}
	rl.add(userID, conn)
	defer rl.remove(userID, conn)

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		rl.fanout(ctx, userID, conn, typ, data)
	}
}

// Peers returns the number of open connections for userID.
func (rl *Relay) Peers(userID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.peers[userID])
}

// Close disconnects every client.
func (rl *Relay) Close() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for userID, conns := range rl.peers {
		for conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(rl.peers, userID)
	}
}

func (rl *Relay) add(userID string, conn *websocket.Conn) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.peers[userID] == nil {
		rl.peers[userID] = make(map[*websocket.Conn]struct{})
	}
	rl.peers[userID][conn] = struct{}{}
	rl.log.Debug("relay client connected", zap.String("user", userID), zap.Int("peers", len(rl.peers[userID])))
}

func (rl *Relay) remove(userID string, conn *websocket.Conn) {
	rl.mu.Lock()
	delete(rl.peers[userID], conn)
	if len(rl.peers[userID]) == 0 {
		delete(rl.peers, userID)
	}
	rl.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (rl *Relay) fanout(ctx context.Context, userID string, from *websocket.Conn, typ websocket.MessageType, data []byte) {
	rl.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(rl.peers[userID]))
	for conn := range rl.peers[userID] {
		if conn != from {
			targets = append(targets, conn)
		}
	}
	rl.mu.Unlock()

	for _, conn := range targets {
		wctx, cancel := context.WithTimeout(ctx, relayWriteTimeout)
		if err := conn.Write(wctx, typ, data); err != nil {
			rl.log.Debug("relay write failed", zap.String("user", userID), zap.Error(err))
		}
		cancel()
	}
}
