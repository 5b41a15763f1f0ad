package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the default throttle window.
const DefaultInterval = time.Second

// Publisher rate-limits messages sent over a Channel with a leading and
// trailing edge throttle: the first message of a window goes out at once,
// later ones collapse into a single pending message sent when the window
// ends. Only the latest pending message survives.
type Publisher struct {
	ch       Channel
	interval time.Duration
	log      *zap.Logger

	mu         sync.Mutex
	lastSent   time.Time
	pending    []byte
	hasPending bool
	timer      *time.Timer
	closed     bool
}

// NewPublisher wraps ch. A non-positive interval selects DefaultInterval.
// A nil ch yields a publisher whose Publish is a no-op.
func NewPublisher(ch Channel, interval time.Duration, log *zap.Logger) *Publisher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{ch: ch, interval: interval, log: log}
}

// Publish sends msg as JSON, subject to the throttle.
func (p *Publisher) Publish(msg any) {
	if p == nil || p.ch == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("failed to encode broadcast message", zap.Error(err))
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	elapsed := now.Sub(p.lastSent)
	if p.timer == nil && (p.lastSent.IsZero() || elapsed >= p.interval) {
		p.lastSent = now
		p.mu.Unlock()
		p.send(data)
		return
	}

	p.pending = data
	p.hasPending = true
	if p.timer == nil {
		p.timer = time.AfterFunc(p.interval-elapsed, p.flush)
	}
	p.mu.Unlock()
}

// flush sends the pending message when the trailing timer fires.
func (p *Publisher) flush() {
	p.mu.Lock()
	p.timer = nil
	if p.closed || !p.hasPending {
		p.mu.Unlock()
		return
	}
	data := p.pending
	p.pending = nil
	p.hasPending = false
	p.lastSent = time.Now()
	p.mu.Unlock()

	p.send(data)
}

// send gives a stalled channel at most one throttle window.
func (p *Publisher) send(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()
	if err := p.ch.Post(ctx, data); err != nil {
		p.log.Warn("broadcast send failed", zap.Error(err))
	}
}

// Close cancels an armed trailing timer. Nothing is sent after Close.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.pending = nil
	p.hasPending = false
}
