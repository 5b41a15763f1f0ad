// Package syncer implements the offline-first sync engine: Pull brings remote
// records into the local store, Push drains the pending-change queue, and
// Sync runs both in that order.
package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atinyakov/modelsync/internal/client/api"
	"github.com/atinyakov/modelsync/internal/client/queue"
	"github.com/atinyakov/modelsync/internal/client/session"
	"github.com/atinyakov/modelsync/internal/kv"
	"github.com/atinyakov/modelsync/internal/models"
	"go.uber.org/zap"
)

// Defaults for Config.
const (
	DefaultPageSize          = 100
	DefaultInterval          = 30 * time.Second
	DefaultConflictPullDelay = 2 * time.Second

	// maxPullAttempts bounds restarts of a pull that saw writes while paging.
	maxPullAttempts = 3
)

// Status is the coarse state of the engine.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// State is a snapshot of the engine's sync state.
type State struct {
	Status     Status
	LastSyncAt time.Time
	SyncError  string
}

// LocalModels is the application's record store.
type LocalModels interface {
	// OwnedModelCount returns the number of locally held records that are
	// not shared by another user.
	OwnedModelCount() int
	// OnModelsReceived folds pulled records into the local store. It is
	// called after every successful pull, also with an empty slice.
	OnModelsReceived(ctx context.Context, records []models.Record, libs []models.SharedLibrary)
}

// Pruner is implemented by local stores that can drop records a full pull
// no longer lists. Prune removes records whose id is not in keep; it may
// keep records the server has never acknowledged.
type Pruner interface {
	Prune(ctx context.Context, keep map[string]struct{}) int
}

// Remote is the sync and auth API. *api.Client implements it.
type Remote interface {
	RequestMagicLink(ctx context.Context, email string) error
	VerifyMagicLink(ctx context.Context, token string) (*models.VerifyResponse, error)
	Logout(ctx context.Context, refreshToken string) error
	Status(ctx context.Context) (*models.StatusResponse, error)
	Pull(ctx context.Context, req models.PullRequest) (*models.PullResponse, error)
	Push(ctx context.Context, req models.PushRequest) (*models.PushResponse, error)
}

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	PageSize          int
	Interval          time.Duration
	ConflictPullDelay time.Duration
	MaxRetries        int
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ConflictPullDelay <= 0 {
		c.ConflictPullDelay = DefaultConflictPullDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = queue.DefaultMaxRetries
	}
	return c
}

// Deps are the engine's collaborators.
type Deps struct {
	Remote  Remote
	Session *session.Store
	Queue   *queue.Queue
	Store   kv.Store
	Local   LocalModels
	// Online reports connectivity. Nil means always online.
	Online func() bool
	Log    *zap.Logger
}

// Engine coordinates pulls and pushes for one client instance.
type Engine struct {
	cfg     Config
	remote  Remote
	session *session.Store
	queue   *queue.Queue
	store   kv.Store
	local   LocalModels
	online  func() bool
	log     *zap.Logger

	busy atomic.Bool

	mu            sync.Mutex
	state         State
	localReady    bool
	initialPulled bool
	pullTimer     *time.Timer
	closed        bool
}

// New returns an engine. Call Load before use to restore persisted state.
func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Queue != nil {
		deps.Queue.SetMaxRetries(cfg.MaxRetries)
	}
	return &Engine{
		cfg:     cfg,
		remote:  deps.Remote,
		session: deps.Session,
		queue:   deps.Queue,
		store:   deps.Store,
		local:   deps.Local,
		online:  deps.Online,
		log:     deps.Log,
		state:   State{Status: StatusIdle},
	}
}

// Load restores the session, the pending-change queue and lastSyncAt.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.session.Load(ctx); err != nil {
		return err
	}
	if err := e.queue.Load(ctx); err != nil {
		// A corrupt queue must not keep the application from starting.
		e.log.Warn("discarding unreadable pending changes", zap.Error(err))
	}
	raw, ok, err := e.store.Get(ctx, kv.KeyLastSyncAt)
	if err != nil {
		return err
	}
	if ok && raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			e.log.Warn("ignoring malformed lastSyncAt", zap.String("value", raw))
			return nil
		}
		e.mu.Lock()
		e.state.LastSyncAt = t
		e.mu.Unlock()
	}
	return nil
}

// Close stops a scheduled conflict pull.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.pullTimer != nil {
		e.pullTimer.Stop()
		e.pullTimer = nil
	}
}

func (e *Engine) isOnline() bool {
	return e.online == nil || e.online()
}

// IsAuthenticated reports whether a session exists.
func (e *Engine) IsAuthenticated() bool { return e.session.Authenticated() }

// State returns a snapshot of the sync state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SyncStatus returns the current status.
func (e *Engine) SyncStatus() Status { return e.State().Status }

// LastSyncAt returns the anchor of the next incremental pull.
func (e *Engine) LastSyncAt() time.Time { return e.State().LastSyncAt }

// SyncError returns the message of the last failure, or "".
func (e *Engine) SyncError() string { return e.State().SyncError }

// PendingCount returns the number of queued changes.
func (e *Engine) PendingCount() int { return e.queue.Len() }

// TrackChange queues one local mutation.
func (e *Engine) TrackChange(ctx context.Context, op models.Operation, rec models.Record) error {
	return e.queue.Track(ctx, op, rec)
}

// TrackChangeBatch queues several local mutations.
func (e *Engine) TrackChangeBatch(ctx context.Context, changes []queue.Change) error {
	return e.queue.TrackBatch(ctx, changes)
}

func (e *Engine) setStatus(s Status, msg string) {
	e.mu.Lock()
	e.state.Status = s
	e.state.SyncError = msg
	e.mu.Unlock()
}

// fail maps an operation error to the error or offline status.
func (e *Engine) fail(op string, err error) {
	switch {
	case errors.Is(err, api.ErrSessionExpired):
		e.resetSessionState()
		e.setStatus(StatusError, "session expired")
	case !e.isOnline():
		e.setStatus(StatusOffline, "")
	default:
		e.setStatus(StatusError, err.Error())
	}
	e.log.Warn(op+" failed", zap.Error(err))
}

// advanceLastSyncAt persists t unless it would move the anchor backwards.
func (e *Engine) advanceLastSyncAt(ctx context.Context, t time.Time) {
	if t.IsZero() {
		return
	}
	e.mu.Lock()
	if !t.After(e.state.LastSyncAt) {
		e.mu.Unlock()
		return
	}
	e.state.LastSyncAt = t
	e.mu.Unlock()

	if err := e.store.Set(ctx, kv.KeyLastSyncAt, t.UTC().Format(time.RFC3339Nano)); err != nil {
		e.log.Warn("failed to persist lastSyncAt", zap.Error(err))
	}
}

func (e *Engine) resetSessionState() {
	e.mu.Lock()
	e.initialPulled = false
	if e.pullTimer != nil {
		e.pullTimer.Stop()
		e.pullTimer = nil
	}
	e.mu.Unlock()
}

// HandleSessionExpired resets per-session state after the API client gave
// up on refreshing the session.
func (e *Engine) HandleSessionExpired() {
	e.resetSessionState()
	e.setStatus(StatusError, "session expired")
}
