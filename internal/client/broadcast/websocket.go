package broadcast

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WSChannel is a Channel and Subscriber relayed through the sync server's
// websocket endpoint, for instances running in separate processes.
type WSChannel struct {
	conn   *websocket.Conn
	log    *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	handlers map[int]func([]byte)
	next     int
}

// DialWS connects to the relay at url, authenticating with the bearer token.
func DialWS(ctx context.Context, url, token string, log *zap.Logger) (*WSChannel, error) {
	if log == nil {
		log = zap.NewNop()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &WSChannel{
		conn:     conn,
		log:      log,
		cancel:   cancel,
		done:     make(chan struct{}),
		handlers: make(map[int]func([]byte)),
	}
	go c.readLoop(readCtx)
	return c, nil
}

func (c *WSChannel) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.log.Debug("broadcast relay read stopped", zap.Error(err))
			}
			return
		}
		c.mu.RLock()
		for _, fn := range c.handlers {
			fn(data)
		}
		c.mu.RUnlock()
	}
}

// Post implements Channel.
func (c *WSChannel) Post(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

// Subscribe implements Subscriber.
func (c *WSChannel) Subscribe(fn func(msg []byte)) (cancel func()) {
	c.mu.Lock()
	id := c.next
	c.next++
	c.handlers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Close closes the connection and waits for the read loop to exit.
func (c *WSChannel) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	return err
}
