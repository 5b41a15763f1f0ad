// Package tablock elects the single client instance ("tab") allowed to
// mutate shared local state.
//
// The election is optimistic and storage based: the durable lock record is
// last-writer-wins, a primary refreshes it on every heartbeat, and any
// instance may claim a missing or expired lock. A deliberate takeover writes
// the lock for a not-yet-existing future instance before reloading, so the
// current primary cannot re-assert itself in between. This is best-effort,
// not fault tolerant against misbehaving instances; all instances share one
// trusted origin.
package tablock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atinyakov/modelsync/internal/client/broadcast"
	"github.com/atinyakov/modelsync/internal/kv"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mode is the coordinator state of one instance.
type Mode string

const (
	// ModePrimary holds the valid lock and may mutate records.
	ModePrimary Mode = "primary"
	// ModeSecondaryLocked is blocked: another instance holds the lock and
	// the active view needs exclusive access.
	ModeSecondaryLocked Mode = "secondary-locked"
	// ModeSecondaryReadonly is a secondary on an allow-listed read-only view.
	ModeSecondaryReadonly Mode = "secondary-readonly"
)

const (
	// DefaultLockTTL is how long a lock stays valid without a heartbeat.
	DefaultLockTTL = 10 * time.Second
	// DefaultHeartbeat is the polling and refresh interval.
	DefaultHeartbeat = 3 * time.Second
)

// DefaultReadOnlyViews are the shared reference library views reachable
// without holding the lock.
var DefaultReadOnlyViews = []string{"shared-libraries", "shared-library"}

// ErrAlreadyPrimary is returned by Takeover on the primary instance.
var ErrAlreadyPrimary = errors.New("tablock: already primary")

// Lock is the durable lock record visible to every instance.
type Lock struct {
	TabID string `json:"tabId"`
	// Timestamp is the last write time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	Takeover  bool  `json:"takeover"`
}

// Expired reports whether the lock is older than ttl at now.
func (l Lock) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(time.UnixMilli(l.Timestamp)) > ttl
}

// Message is the announcement published on lock changes.
type Message struct {
	Type  string `json:"type"`
	TabID string `json:"tabId"`
}

const messageTypeLock = "lock"

// Config tunes a Coordinator.
type Config struct {
	LockTTL       time.Duration
	Heartbeat     time.Duration
	ReadOnlyViews []string
	// Reload restarts the instance after a takeover. Optional.
	Reload func()
}

// Coordinator decides whether this instance is primary.
type Coordinator struct {
	durable  kv.Store
	session  kv.Store
	pub      *broadcast.Publisher
	sub      broadcast.Subscriber
	ttl      time.Duration
	interval time.Duration
	readOnly map[string]struct{}
	reload   func()
	log      *zap.Logger
	now      func() time.Time

	mu          sync.Mutex
	tabID       string
	mode        Mode
	view        string
	reloading   bool
	listeners   []func(Mode)
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
}

// New builds a Coordinator. durable is the origin-scoped store, session the
// store that survives a reload of this instance. pub and sub may be nil.
func New(durable, session kv.Store, pub *broadcast.Publisher, sub broadcast.Subscriber, cfg Config, log *zap.Logger) *Coordinator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.ReadOnlyViews == nil {
		cfg.ReadOnlyViews = DefaultReadOnlyViews
	}
	if log == nil {
		log = zap.NewNop()
	}
	views := make(map[string]struct{}, len(cfg.ReadOnlyViews))
	for _, v := range cfg.ReadOnlyViews {
		views[v] = struct{}{}
	}
	return &Coordinator{
		durable:  durable,
		session:  session,
		pub:      pub,
		sub:      sub,
		ttl:      cfg.LockTTL,
		interval: cfg.Heartbeat,
		readOnly: views,
		reload:   cfg.Reload,
		log:      log,
		now:      time.Now,
		mode:     ModeSecondaryLocked,
	}
}

// Start resolves this instance's identity, takes part in the election once
// and keeps polling in the background until ctx is done or Close is called.
//
// Identity comes from the takeover ticket if one was left by a takeover
// before the reload, else from the session store, else a new uuid.
func (c *Coordinator) Start(ctx context.Context) error {
	id, err := c.resolveIdentity(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tabID = id
	c.mu.Unlock()

	if err := c.Check(ctx); err != nil {
		return err
	}

	if c.sub != nil {
		unsubscribe := c.sub.Subscribe(c.onMessage)
		c.mu.Lock()
		c.unsubscribe = unsubscribe
		c.mu.Unlock()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := c.Check(loopCtx); err != nil && loopCtx.Err() == nil {
					c.log.Warn("tab lock check failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

func (c *Coordinator) resolveIdentity(ctx context.Context) (string, error) {
	ticket, ok, err := c.session.Get(ctx, kv.KeyTakeoverTicket)
	if err != nil {
		return "", fmt.Errorf("read takeover ticket: %w", err)
	}
	id := ticket
	if ok && ticket != "" {
		if err := c.session.Delete(ctx, kv.KeyTakeoverTicket); err != nil {
			c.log.Warn("failed to clear takeover ticket", zap.Error(err))
		}
	} else {
		stored, ok, err := c.session.Get(ctx, kv.KeyTabID)
		if err != nil {
			return "", fmt.Errorf("read tab id: %w", err)
		}
		id = stored
		if !ok || stored == "" {
			id = uuid.NewString()
		}
	}
	if err := c.session.Set(ctx, kv.KeyTabID, id); err != nil {
		c.log.Warn("failed to persist tab id", zap.Error(err))
	}
	return id, nil
}

func (c *Coordinator) onMessage(msg []byte) {
	var m Message
	if err := json.Unmarshal(msg, &m); err != nil || m.Type != messageTypeLock {
		return
	}
	if err := c.Check(context.Background()); err != nil {
		c.log.Warn("tab lock check after announcement failed", zap.Error(err))
	}
}

// Check runs one election cycle. A primary that finds another instance's
// valid lock demotes itself without re-asserting; otherwise it refreshes the
// timestamp. A secondary claims a missing or expired lock.
func (c *Coordinator) Check(ctx context.Context) error {
	c.mu.Lock()
	if c.reloading || c.tabID == "" {
		c.mu.Unlock()
		return nil
	}
	prev := c.mode
	announce := false

	lock, ok, err := c.readLock(ctx)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	now := c.now()

	switch {
	case ok && lock.TabID == c.tabID:
		if err := c.writeLock(ctx, Lock{TabID: c.tabID, Timestamp: now.UnixMilli()}); err != nil {
			c.mu.Unlock()
			return err
		}
		c.mode = ModePrimary
	case !ok || lock.Expired(now, c.ttl):
		won, err := c.claim(ctx, now)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if won {
			c.mode = ModePrimary
			announce = true
		} else {
			c.mode = c.secondaryMode()
		}
	default:
		c.mode = c.secondaryMode()
	}

	mode, tabID := c.mode, c.tabID
	listeners := append([]func(Mode){}, c.listeners...)
	c.mu.Unlock()

	if mode != prev {
		c.log.Info("tab mode changed",
			zap.String("tab_id", tabID),
			zap.String("from", string(prev)),
			zap.String("to", string(mode)))
		for _, fn := range listeners {
			fn(mode)
		}
	}
	if announce {
		c.pub.Publish(Message{Type: messageTypeLock, TabID: tabID})
	}
	return nil
}

// claim writes this instance's lock and reads it back. Concurrent claimers
// race at the storage layer; whoever wrote last owns the lock.
func (c *Coordinator) claim(ctx context.Context, now time.Time) (bool, error) {
	if err := c.writeLock(ctx, Lock{TabID: c.tabID, Timestamp: now.UnixMilli()}); err != nil {
		return false, err
	}
	lock, ok, err := c.readLock(ctx)
	if err != nil {
		return false, err
	}
	return ok && lock.TabID == c.tabID, nil
}

// secondaryMode must be called with c.mu held.
func (c *Coordinator) secondaryMode() Mode {
	if _, ok := c.readOnly[c.view]; ok {
		return ModeSecondaryReadonly
	}
	return ModeSecondaryLocked
}

// Takeover claims primary status for the reloaded future instance of this
// tab. It stores a fresh identifier in the session store, overwrites the
// durable lock with it before reloading, demotes this instance and calls
// the configured Reload. It returns the ticket.
func (c *Coordinator) Takeover(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.mode == ModePrimary {
		c.mu.Unlock()
		return "", ErrAlreadyPrimary
	}
	c.mu.Unlock()

	future := uuid.NewString()
	if err := c.session.Set(ctx, kv.KeyTakeoverTicket, future); err != nil {
		return "", fmt.Errorf("store takeover ticket: %w", err)
	}
	lock := Lock{TabID: future, Timestamp: c.now().UnixMilli(), Takeover: true}
	if err := c.writeLock(ctx, lock); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.reloading = true
	c.mode = ModeSecondaryLocked
	c.mu.Unlock()

	c.log.Info("tab takeover requested", zap.String("ticket", future))
	c.pub.Publish(Message{Type: messageTypeLock, TabID: future})
	if c.reload != nil {
		c.reload()
	}
	return future, nil
}

// SetView records the active view. Secondaries switch between locked and
// read-only accordingly; navigation itself is never blocked.
func (c *Coordinator) SetView(view string) {
	c.mu.Lock()
	c.view = view
	prev := c.mode
	if c.mode != ModePrimary {
		c.mode = c.secondaryMode()
	}
	mode := c.mode
	listeners := append([]func(Mode){}, c.listeners...)
	c.mu.Unlock()

	if mode != prev {
		for _, fn := range listeners {
			fn(mode)
		}
	}
}

// OnChange registers fn to be called after every mode change.
func (c *Coordinator) OnChange(fn func(Mode)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Mode returns the current mode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// IsPrimary reports whether this instance holds the lock.
func (c *Coordinator) IsPrimary() bool {
	return c.Mode() == ModePrimary
}

// CanMutate reports whether this instance may originate record mutations.
func (c *Coordinator) CanMutate() bool {
	return c.IsPrimary()
}

// TabID returns this instance's identity, empty before Start.
func (c *Coordinator) TabID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tabID
}

// Close stops polling and, if this instance is primary, releases the lock
// so another instance can claim it.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	cancel, done, unsubscribe := c.cancel, c.done, c.unsubscribe
	c.cancel, c.unsubscribe = nil, nil
	primary := c.mode == ModePrimary && !c.reloading
	tabID := c.tabID
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	if !primary {
		return nil
	}

	lock, ok, err := c.readLock(ctx)
	if err != nil {
		return err
	}
	if ok && lock.TabID == tabID {
		if err := c.durable.Delete(ctx, kv.KeyTabLock); err != nil {
			return fmt.Errorf("release tab lock: %w", err)
		}
		c.pub.Publish(Message{Type: messageTypeLock})
	}
	c.mu.Lock()
	c.mode = c.secondaryMode()
	c.mu.Unlock()
	return nil
}

// ReadLock returns the durable lock record, if any.
func (c *Coordinator) ReadLock(ctx context.Context) (Lock, bool, error) {
	return c.readLock(ctx)
}

func (c *Coordinator) readLock(ctx context.Context) (Lock, bool, error) {
	raw, ok, err := c.durable.Get(ctx, kv.KeyTabLock)
	if err != nil {
		return Lock{}, false, fmt.Errorf("read tab lock: %w", err)
	}
	if !ok {
		return Lock{}, false, nil
	}
	var lock Lock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil {
		c.log.Warn("ignoring malformed tab lock", zap.Error(err))
		return Lock{}, false, nil
	}
	return lock, true, nil
}

func (c *Coordinator) writeLock(ctx context.Context, lock Lock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	if err := c.durable.Set(ctx, kv.KeyTabLock, string(data)); err != nil {
		return fmt.Errorf("write tab lock: %w", err)
	}
	return nil
}
