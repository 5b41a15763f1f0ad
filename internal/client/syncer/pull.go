package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/atinyakov/modelsync/internal/kv"
	"github.com/atinyakov/modelsync/internal/models"
	"go.uber.org/zap"
)

// PullResult is the outcome of a successful pull.
type PullResult struct {
	Records         []models.Record
	SharedLibraries []models.SharedLibrary
	// Full is set when the pull ignored lastSyncAt.
	Full       bool
	ServerTime time.Time
}

// Pull fetches remote records into the local store. It returns nil without
// a session, while offline, while another pull or push is running, and on
// failure; failures are reported through State.
func (e *Engine) Pull(ctx context.Context) *PullResult {
	if !e.session.Authenticated() || !e.isOnline() {
		return nil
	}
	if !e.busy.CompareAndSwap(false, true) {
		e.log.Debug("pull skipped, sync in flight")
		return nil
	}
	defer e.busy.Store(false)

	e.setStatus(StatusSyncing, "")
	res, err := e.pull(ctx)
	if err != nil {
		e.fail("pull", err)
		return nil
	}
	return res
}

func (e *Engine) pull(ctx context.Context) (*PullResult, error) {
	st, err := e.remote.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	full, err := e.needsFullPull(ctx, st)
	if err != nil {
		return nil, err
	}

	var since *time.Time
	if !full {
		last := e.LastSyncAt()
		since = &last
	}

	var res *PullResult
	for attempt := 1; ; attempt++ {
		var moved bool
		res, moved, err = e.fetch(ctx, since)
		if err != nil {
			return nil, err
		}
		if !moved || attempt == maxPullAttempts {
			break
		}
		e.log.Info("records changed while paging, restarting pull", zap.Int("attempt", attempt))
	}
	res.Full = full

	e.advanceLastSyncAt(ctx, res.ServerTime)
	e.setStatus(StatusIdle, "")

	e.queue.Rebase(ctx, res.Records)
	if e.local != nil {
		incoming := e.withoutPendingDeletes(res.Records)
		if p, ok := e.local.(Pruner); ok && full {
			p.Prune(ctx, e.keepOnFullPull(incoming))
		}
		e.local.OnModelsReceived(ctx, incoming, res.SharedLibraries)
	}
	if err := e.store.Set(ctx, kv.KeyInitialSyncDone, "true"); err != nil {
		e.log.Warn("failed to persist initial sync marker", zap.Error(err))
	}

	e.log.Info("pull complete",
		zap.Bool("full", full),
		zap.Int("records", len(res.Records)),
		zap.Int("sharedLibraries", len(res.SharedLibraries)))
	return res, nil
}

// fetch reads every page of one pull. moved reports that a write landed
// while paging: the result total changed, or a record on a later page was
// written after the first page's server time. Either can shift rows across
// an offset boundary and skip one.
func (e *Engine) fetch(ctx context.Context, since *time.Time) (res *PullResult, moved bool, err error) {
	res = &PullResult{}
	offset, total := 0, 0
	for page := 0; ; page++ {
		resp, err := e.remote.Pull(ctx, models.PullRequest{
			LastSyncAt: since,
			Limit:      e.cfg.PageSize,
			Offset:     offset,
		})
		if err != nil {
			return nil, false, fmt.Errorf("pull page %d: %w", page, err)
		}
		if page == 0 {
			res.ServerTime, total = resp.ServerTime, resp.Total
		} else {
			if resp.Total != total {
				moved = true
			}
			for _, r := range resp.Records {
				if !r.UpdatedAt.Before(res.ServerTime) {
					moved = true
				}
			}
		}
		res.Records = append(res.Records, resp.Records...)
		res.SharedLibraries = resp.SharedLibraries
		if !resp.HasMore || len(resp.Records) == 0 {
			return res, moved, nil
		}
		offset += len(resp.Records)
	}
}

// withoutPendingDeletes drops live records whose deletion is still queued,
// so a pull never brings back a record the user removed locally.
func (e *Engine) withoutPendingDeletes(records []models.Record) []models.Record {
	out := make([]models.Record, 0, len(records))
	for _, r := range records {
		if c, ok := e.queue.Get(r.ID); ok && !r.Deleted && c.Operation == models.OpDelete {
			e.log.Debug("skipping record with a queued delete", zap.String("id", r.ID))
			continue
		}
		out = append(out, r)
	}
	return out
}

// keepOnFullPull returns the ids a full pull leaves in place: everything
// the server listed plus every record with a queued change.
func (e *Engine) keepOnFullPull(records []models.Record) map[string]struct{} {
	keep := make(map[string]struct{}, len(records))
	for _, r := range records {
		keep[r.ID] = struct{}{}
	}
	for _, c := range e.queue.Snapshot().Changes {
		keep[c.Record.ID] = struct{}{}
	}
	return keep
}

// needsFullPull reports whether lastSyncAt must be ignored. Local owned
// records may trail the remote count by the deletes still queued; any larger
// gap means records are missing locally. A lastSyncAt older than the
// server's tombstone cutoff means deletions may have been purged unseen.
func (e *Engine) needsFullPull(ctx context.Context, st *models.StatusResponse) (bool, error) {
	done, ok, err := e.store.Get(ctx, kv.KeyInitialSyncDone)
	if err != nil {
		return false, fmt.Errorf("read initial sync marker: %w", err)
	}
	last := e.LastSyncAt()
	if !ok || done == "" || last.IsZero() {
		return true, nil
	}
	if st.TombstoneCutoff != nil && last.Before(*st.TombstoneCutoff) {
		e.log.Info("last sync predates tombstone retention, pulling everything",
			zap.Time("lastSyncAt", last), zap.Time("cutoff", *st.TombstoneCutoff))
		return true, nil
	}
	owned := 0
	if e.local != nil {
		owned = e.local.OwnedModelCount()
	}
	return owned < st.ActiveRecordCount-e.queue.PendingDeletes(), nil
}

// schedulePull runs one pull after ConflictPullDelay unless one is already
// scheduled.
func (e *Engine) schedulePull() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.pullTimer != nil {
		return
	}
	e.pullTimer = time.AfterFunc(e.cfg.ConflictPullDelay, func() {
		e.mu.Lock()
		e.pullTimer = nil
		e.mu.Unlock()
		e.Pull(context.Background())
	})
}
