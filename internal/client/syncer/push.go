package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/atinyakov/modelsync/internal/models"
	"go.uber.org/zap"
)

// PushResult is the outcome of Push. Count is the number of acknowledged
// changes.
type PushResult struct {
	Success bool
	Count   int
	Error   string
}

// Push sends the pending-change queue in one request. Without a session,
// while offline, with an empty queue or while a sync is in flight it returns
// success with a zero count and sends nothing.
func (e *Engine) Push(ctx context.Context) PushResult {
	if !e.session.Authenticated() || !e.isOnline() || e.queue.Len() == 0 {
		return PushResult{Success: true}
	}
	if !e.busy.CompareAndSwap(false, true) {
		e.log.Debug("push skipped, sync in flight")
		return PushResult{Success: true}
	}
	defer e.busy.Store(false)

	e.setStatus(StatusSyncing, "")
	n, err := e.push(ctx)
	if err != nil {
		e.fail("push", err)
		return PushResult{Error: err.Error()}
	}
	e.setStatus(StatusIdle, "")
	return PushResult{Success: true, Count: n}
}

func (e *Engine) push(ctx context.Context) (int, error) {
	batch := e.queue.Snapshot()
	if len(batch.Changes) == 0 {
		return 0, nil
	}
	req := models.PushRequest{Changes: make([]models.Change, 0, len(batch.Changes))}
	for _, c := range batch.Changes {
		req.Changes = append(req.Changes, models.Change{Operation: c.Operation, Record: c.Record})
	}

	resp, err := e.remote.Push(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("push %d changes: %w", len(req.Changes), err)
	}

	out := e.queue.Reconcile(ctx, batch, resp.Results)
	e.advanceLastSyncAt(ctx, resp.ServerTime)
	if out.NeedsPull {
		e.schedulePull()
	}

	e.log.Info("push complete",
		zap.Int("sent", len(req.Changes)),
		zap.Int("acknowledged", out.Acknowledged),
		zap.Int("dropped", out.Dropped),
		zap.Int("retrying", out.Retrying),
		zap.Int("abandoned", out.Abandoned))
	return out.Acknowledged, nil
}

// SyncResult is the outcome of Sync.
type SyncResult struct {
	Pull *PullResult
	Push PushResult
}

// Sync pulls, then pushes. A pull that fails while online does not prevent
// the push; while offline Sync returns nil without pushing.
func (e *Engine) Sync(ctx context.Context) *SyncResult {
	if !e.session.Authenticated() {
		return nil
	}
	p := e.Pull(ctx)
	if p == nil && !e.isOnline() {
		return nil
	}
	return &SyncResult{Pull: p, Push: e.Push(ctx)}
}

// Reasons returned by PushAllModels.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonOffline         = "offline"
	ReasonNoModels        = "no_models"
	ReasonBusy            = "busy"
	ReasonRequestFailed   = "request_failed"
)

// PushAllResult is the outcome of PushAllModels. Reason is set on failure.
type PushAllResult struct {
	Success   bool
	Count     int
	Conflicts []models.Conflict
	Reason    string
	Error     string
}

// PushAllModels uploads every given record as a create in one request. It
// is meant for the first sync of a store that was never synced, bypasses
// the queue and is mutually exclusive with Pull and Push.
func (e *Engine) PushAllModels(ctx context.Context, records []models.Record) PushAllResult {
	switch {
	case !e.session.Authenticated():
		return PushAllResult{Reason: ReasonUnauthenticated}
	case !e.isOnline():
		return PushAllResult{Reason: ReasonOffline}
	case len(records) == 0:
		return PushAllResult{Reason: ReasonNoModels}
	}
	if !e.busy.CompareAndSwap(false, true) {
		return PushAllResult{Reason: ReasonBusy}
	}
	defer e.busy.Store(false)

	e.setStatus(StatusSyncing, "")
	req := models.PushRequest{Changes: make([]models.Change, 0, len(records))}
	for _, r := range records {
		req.Changes = append(req.Changes, models.Change{Operation: models.OpCreate, Record: r})
	}
	resp, err := e.remote.Push(ctx, req)
	if err != nil {
		e.fail("push all models", err)
		return PushAllResult{Reason: ReasonRequestFailed, Error: err.Error()}
	}

	e.advanceLastSyncAt(ctx, resp.ServerTime)
	e.setStatus(StatusIdle, "")
	n := len(resp.Results.Created) + len(resp.Results.Updated)
	e.log.Info("bulk upload complete", zap.Int("sent", len(records)), zap.Int("accepted", n),
		zap.Int("conflicts", len(resp.Results.Conflicts)))
	return PushAllResult{Success: true, Count: n, Conflicts: resp.Results.Conflicts}
}

// Run drives the auto-sync loop until ctx is done: every Interval it syncs
// when a session exists, changes are queued, the client is online and no
// sync is in flight.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.session.Authenticated() && e.isOnline() && e.queue.Len() > 0 && !e.busy.Load() {
				e.Sync(ctx)
			}
		}
	}
}
