// Package queue records local mutations that the remote store has not
// acknowledged yet. The queue holds at most one change per record id and is
// persisted after every mutation.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/atinyakov/modelsync/internal/kv"
	"github.com/atinyakov/modelsync/internal/models"
	"go.uber.org/zap"
)

// DefaultMaxRetries is the number of version conflicts after which a change
// is abandoned.
const DefaultMaxRetries = 3

// ErrInvalidChange is returned for an unknown operation or an empty id.
var ErrInvalidChange = errors.New("queue: invalid change")

// Change is one local mutation handed to Track or TrackBatch.
type Change struct {
	Operation models.Operation
	Record    models.Record
}

type entry struct {
	change models.PendingChange
	// gen increases whenever a local mutation replaces the change.
	gen uint64
}

// Queue is the pending-change queue. It is safe for concurrent use.
type Queue struct {
	store         kv.Store
	authenticated func() bool
	maxRetries    int
	log           *zap.Logger

	mu      sync.Mutex
	order   []string
	entries map[string]*entry
	gen     uint64
}

// New returns an empty queue persisted to store. authenticated gates
// tracking: changes made while it returns false are dropped. A nil
// authenticated always allows tracking.
func New(store kv.Store, authenticated func() bool, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		store:         store,
		authenticated: authenticated,
		maxRetries:    DefaultMaxRetries,
		log:           log,
		entries:       make(map[string]*entry),
	}
}

// SetMaxRetries overrides DefaultMaxRetries.
func (q *Queue) SetMaxRetries(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > 0 {
		q.maxRetries = n
	}
}

// Load replaces the in-memory queue with the persisted one.
func (q *Queue) Load(ctx context.Context) error {
	raw, ok, err := q.store.Get(ctx, kv.KeyPendingChanges)
	if err != nil {
		return fmt.Errorf("load pending changes: %w", err)
	}
	var changes []models.PendingChange
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &changes); err != nil {
			return fmt.Errorf("decode pending changes: %w", err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = q.order[:0]
	q.entries = make(map[string]*entry, len(changes))
	for _, c := range changes {
		if _, dup := q.entries[c.Record.ID]; !dup {
			q.order = append(q.order, c.Record.ID)
		}
		q.gen++
		q.entries[c.Record.ID] = &entry{change: c, gen: q.gen}
	}
	return nil
}

// Track records one local mutation.
//
// A later change for the same id replaces the earlier one, except that a
// create followed by an update stays a create, and a create followed by a
// delete cancels out.
func (q *Queue) Track(ctx context.Context, op models.Operation, rec models.Record) error {
	return q.TrackBatch(ctx, []Change{{Operation: op, Record: rec}})
}

// TrackBatch records several mutations. Within the batch the last change
// per id wins; the result is then merged into the queue like Track.
func (q *Queue) TrackBatch(ctx context.Context, changes []Change) error {
	for _, c := range changes {
		if !c.Operation.Valid() || c.Record.ID == "" {
			return fmt.Errorf("%w: %q %q", ErrInvalidChange, c.Operation, c.Record.ID)
		}
	}
	if q.authenticated != nil && !q.authenticated() {
		q.log.Debug("dropping untracked change while signed out", zap.Int("changes", len(changes)))
		return nil
	}

	last := make(map[string]int, len(changes))
	for i, c := range changes {
		last[c.Record.ID] = i
	}

	q.mu.Lock()
	for i, c := range changes {
		if last[c.Record.ID] != i {
			continue
		}
		q.merge(c)
	}
	data, err := q.encodeLocked()
	q.mu.Unlock()

	if err == nil {
		q.persist(ctx, data)
	}
	return nil
}

// merge must be called with q.mu held.
func (q *Queue) merge(c Change) {
	id := c.Record.ID
	rec := c.Record
	if c.Operation == models.OpDelete {
		rec = rec.Tombstone()
	}

	existing, ok := q.entries[id]
	if ok && rec.SyncVersion < existing.change.Record.SyncVersion && c.Operation != models.OpDelete {
		// Keep a base version moved forward by Rebase.
		rec.SyncVersion = existing.change.Record.SyncVersion
	}
	if ok && existing.change.Operation == models.OpCreate {
		switch c.Operation {
		case models.OpDelete:
			q.removeLocked(id)
			return
		case models.OpUpdate:
			c.Operation = models.OpCreate
		}
	}

	q.gen++
	next := &entry{
		change: models.PendingChange{
			Operation: c.Operation,
			Record:    rec,
			Retry:     models.RetryState{Status: models.RetryPending},
		},
		gen: q.gen,
	}
	if !ok {
		q.order = append(q.order, id)
	}
	q.entries[id] = next
}

// removeLocked must be called with q.mu held.
func (q *Queue) removeLocked(id string) {
	if _, ok := q.entries[id]; !ok {
		return
	}
	delete(q.entries, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *Queue) encodeLocked() ([]byte, error) {
	out := make([]models.PendingChange, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.entries[id].change)
	}
	data, err := json.Marshal(out)
	if err != nil {
		q.log.Error("failed to encode pending changes", zap.Error(err))
	}
	return data, err
}

// persist writes the queue. Failures such as an exhausted storage quota are
// logged and the in-memory queue keeps serving the session.
func (q *Queue) persist(ctx context.Context, data []byte) {
	if err := q.store.Set(ctx, kv.KeyPendingChanges, string(data)); err != nil {
		q.log.Warn("failed to persist pending changes", zap.Error(err), zap.Int("bytes", len(data)))
	}
}

// Batch is a snapshot of the queue sent in one push.
type Batch struct {
	Changes []models.PendingChange
	gens    map[string]uint64
}

// Snapshot returns the current queue in insertion order.
func (q *Queue) Snapshot() Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := Batch{
		Changes: make([]models.PendingChange, 0, len(q.order)),
		gens:    make(map[string]uint64, len(q.order)),
	}
	for _, id := range q.order {
		e := q.entries[id]
		b.Changes = append(b.Changes, e.change)
		b.gens[id] = e.gen
	}
	return b
}

// Outcome summarizes a reconciliation.
type Outcome struct {
	Acknowledged int
	Dropped      int
	Retrying     int
	Abandoned    int
	// NeedsPull is set when a version mismatch asks for a fresher base
	// version before the next push.
	NeedsPull bool
}

// Reconcile applies a push response to the changes in sent.
//
// Acknowledged ids and terminal conflicts leave the queue. A version
// mismatch advances the change's retry state and drops it once abandoned.
// Ids the server did not mention stay untouched. A change replaced by a new
// local mutation while the push was in flight is never removed.
func (q *Queue) Reconcile(ctx context.Context, sent Batch, res models.PushResults) Outcome {
	var out Outcome

	q.mu.Lock()
	changed := false
	current := func(id string) (*entry, bool) {
		gen, wasSent := sent.gens[id]
		e, ok := q.entries[id]
		if !wasSent || !ok {
			return nil, false
		}
		return e, e.gen == gen
	}

	ack := func(ids []string, op models.Operation) {
		for _, id := range ids {
			if _, wasSent := sent.gens[id]; !wasSent {
				continue
			}
			out.Acknowledged++
			e, same := current(id)
			switch {
			case same:
				q.removeLocked(id)
				changed = true
			case e != nil && op == models.OpCreate && e.change.Operation == models.OpCreate:
				// The record now exists remotely; the newer edit becomes an update.
				e.change.Operation = models.OpUpdate
				changed = true
			}
		}
	}
	ack(res.Created, models.OpCreate)
	ack(res.Updated, models.OpUpdate)
	ack(res.Deleted, models.OpDelete)

	for _, c := range res.Conflicts {
		if _, wasSent := sent.gens[c.ID]; !wasSent {
			continue
		}
		e, same := current(c.ID)
		switch {
		case c.Reason.Terminal():
			out.Dropped++
			if same {
				q.log.Info("dropping pending change rejected by server",
					zap.String("id", c.ID), zap.String("reason", string(c.Reason)))
				q.removeLocked(c.ID)
				changed = true
			}
		case c.Reason == models.ReasonVersionMismatch:
			out.NeedsPull = true
			if !same {
				continue
			}
			e.change.Retry = e.change.Retry.Next(q.maxRetries)
			changed = true
			if e.change.Retry.Status == models.RetryAbandoned {
				out.Abandoned++
				q.log.Warn("abandoning pending change after repeated version conflicts",
					zap.String("id", c.ID), zap.Int("attempts", e.change.Retry.Count))
				q.removeLocked(c.ID)
			} else {
				out.Retrying++
			}
		default:
			q.log.Warn("unknown conflict reason, keeping change",
				zap.String("id", c.ID), zap.String("reason", string(c.Reason)))
		}
	}

	var data []byte
	var err error
	if changed {
		data, err = q.encodeLocked()
	}
	q.mu.Unlock()

	if changed && err == nil {
		q.persist(ctx, data)
	}
	return out
}

// Rebase moves the base version of queued creates and updates to the
// server version of the same records, so the next push is evaluated against
// the latest remote state.
func (q *Queue) Rebase(ctx context.Context, records []models.Record) {
	q.mu.Lock()
	changed := false
	for _, r := range records {
		e, ok := q.entries[r.ID]
		if !ok || e.change.Operation == models.OpDelete || r.SyncVersion == 0 {
			continue
		}
		if e.change.Record.SyncVersion != r.SyncVersion {
			e.change.Record.SyncVersion = r.SyncVersion
			changed = true
		}
	}
	var data []byte
	var err error
	if changed {
		data, err = q.encodeLocked()
	}
	q.mu.Unlock()

	if changed && err == nil {
		q.persist(ctx, data)
	}
}

// Len returns the number of pending changes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// PendingDeletes returns the number of queued deletes.
func (q *Queue) PendingDeletes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.change.Operation == models.OpDelete {
			n++
		}
	}
	return n
}

// Get returns the pending change for id.
func (q *Queue) Get(id string) (models.PendingChange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return models.PendingChange{}, false
	}
	return e.change, true
}

// Clear empties the queue and its persisted copy.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	q.order = nil
	q.entries = make(map[string]*entry)
	q.mu.Unlock()
	if err := q.store.Delete(ctx, kv.KeyPendingChanges); err != nil {
		return fmt.Errorf("clear pending changes: %w", err)
	}
	return nil
}
