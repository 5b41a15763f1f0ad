// Package broadcast carries opaque JSON messages between client instances
// of the same origin, and rate-limits what each instance sends.
package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when posting on a closed channel.
var ErrClosed = errors.New("broadcast: channel closed")

// Channel sends a message to every other instance listening on the channel.
type Channel interface {
	Post(ctx context.Context, msg []byte) error
}

// Subscriber delivers messages posted by other instances. The returned
// function cancels the subscription.
type Subscriber interface {
	Subscribe(fn func(msg []byte)) (cancel func())
}

// Hub is an in-process channel. Each instance takes its own Endpoint; a
// message posted on one endpoint reaches the subscribers of every other
// endpoint, in posting order, on a per-subscription goroutine.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscription]struct{})}
}

// Endpoint returns a new attachment point on the hub.
func (h *Hub) Endpoint() *Endpoint {
	return &Endpoint{hub: h}
}

type subscription struct {
	owner *Endpoint
	ch    chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Endpoint is one instance's view of a Hub. It implements Channel and
// Subscriber.
type Endpoint struct {
	hub *Hub

	mu     sync.Mutex
	closed bool
}

// Post implements Channel.
func (e *Endpoint) Post(ctx context.Context, msg []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	e.hub.mu.RLock()
	targets := make([]*subscription, 0, len(e.hub.subs))
	for s := range e.hub.subs {
		if s.owner != e {
			targets = append(targets, s)
		}
	}
	e.hub.mu.RUnlock()

	for _, s := range targets {
		cp := append([]byte(nil), msg...)
		select {
		case s.ch <- cp:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements Subscriber.
func (e *Endpoint) Subscribe(fn func(msg []byte)) (cancel func()) {
	s := &subscription{
		owner: e,
		ch:    make(chan []byte, 64),
		done:  make(chan struct{}),
	}
	e.hub.mu.Lock()
	e.hub.subs[s] = struct{}{}
	e.hub.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-s.ch:
				fn(msg)
			case <-s.done:
				return
			}
		}
	}()

	return func() {
		s.stop()
		e.hub.mu.Lock()
		delete(e.hub.subs, s)
		e.hub.mu.Unlock()
	}
}

// Close detaches the endpoint: its subscriptions stop and Post fails.
func (e *Endpoint) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	for s := range e.hub.subs {
		if s.owner == e {
			s.stop()
			delete(e.hub.subs, s)
		}
	}
}
