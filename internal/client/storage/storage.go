// Package storage is the application's local record store: a JSON file
// holding the user's records and the libraries shared with them.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atinyakov/modelsync/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for an unknown record id.
	ErrNotFound = errors.New("record not found")
	// ErrShared is returned when modifying a record another user shares.
	ErrShared = errors.New("shared records are read-only")
)

// DefaultFile is the file name used when no path is configured.
const DefaultFile = "records.json"

type LocalStorage struct {
	Records   []models.Record        `json:"records"`
	Libraries []models.SharedLibrary `json:"sharedLibraries"`

	path string
	log  *zap.Logger
	now  func() time.Time
	mu   sync.Mutex
}

// New returns an empty store persisted at path.
func New(path string, log *zap.Logger) *LocalStorage {
	if path == "" {
		path = DefaultFile
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalStorage{path: path, log: log, now: time.Now}
}

func (ls *LocalStorage) Load() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	f, err := os.Open(ls.path)
	if err != nil {
		if os.IsNotExist(err) {
			ls.Records = []models.Record{}
			ls.Libraries = nil
			return nil
		}
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(ls); err != nil {
		return fmt.Errorf("decode %s: %w", ls.path, err)
	}
	return nil
}

// Save writes the store atomically.
func (ls *LocalStorage) Save() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.saveLocked()
}

func (ls *LocalStorage) saveLocked() error {
	if dir := filepath.Dir(ls.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := ls.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(ls); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, ls.path)
}

// Add creates an owned record.
func (ls *LocalStorage) Add(title, content, category string) models.Record {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	now := ls.now().UTC()
	r := models.Record{
		ID:        uuid.NewString(),
		Title:     title,
		Content:   content,
		Category:  category,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ls.Records = append(ls.Records, r)
	return r
}

// Get returns the record with id.
func (ls *LocalStorage) Get(id string) (models.Record, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if i := ls.indexLocked(id); i >= 0 {
		return ls.Records[i], true
	}
	return models.Record{}, false
}

// List returns every record, owned and shared.
func (ls *LocalStorage) List() []models.Record {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return append([]models.Record(nil), ls.Records...)
}

// Owned returns the records that belong to the user.
func (ls *LocalStorage) Owned() []models.Record {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	var out []models.Record
	for _, r := range ls.Records {
		if !r.IsShared {
			out = append(out, r)
		}
	}
	return out
}

// SharedLibraries returns the libraries received with the last pull.
func (ls *LocalStorage) SharedLibraries() []models.SharedLibrary {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return append([]models.SharedLibrary(nil), ls.Libraries...)
}

// Edit replaces the fields of an owned record. Empty arguments keep the
// current value.
func (ls *LocalStorage) Edit(id, title, content, category string) (models.Record, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	i := ls.indexLocked(id)
	if i < 0 {
		return models.Record{}, ErrNotFound
	}
	r := &ls.Records[i]
	if r.IsShared {
		return models.Record{}, ErrShared
	}
	if title != "" {
		r.Title = title
	}
	if content != "" {
		r.Content = content
	}
	if category != "" {
		r.Category = category
	}
	r.UpdatedAt = ls.now().UTC()
	return *r, nil
}

// Delete removes an owned record and returns it.
func (ls *LocalStorage) Delete(id string) (models.Record, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	i := ls.indexLocked(id)
	if i < 0 {
		return models.Record{}, ErrNotFound
	}
	r := ls.Records[i]
	if r.IsShared {
		return models.Record{}, ErrShared
	}
	ls.Records = append(ls.Records[:i], ls.Records[i+1:]...)
	r.UpdatedAt = ls.now().UTC()
	return r, nil
}

// Reset removes every record and library and saves the empty store. The
// CLI calls it on logout so the next user starts from the server state.
func (ls *LocalStorage) Reset() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.Records = []models.Record{}
	ls.Libraries = nil
	return ls.saveLocked()
}

// OwnedModelCount implements syncer.LocalModels.
func (ls *LocalStorage) OwnedModelCount() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	n := 0
	for _, r := range ls.Records {
		if !r.IsShared {
			n++
		}
	}
	return n
}

// OnModelsReceived implements syncer.LocalModels.
//
// Tombstones remove the local copy. A record with a higher sync version
// replaces the local one unless the local copy was modified later, in which
// case only its version moves forward and the pending local edit wins. An
// empty library list removes every shared record.
func (ls *LocalStorage) OnModelsReceived(_ context.Context, records []models.Record, libs []models.SharedLibrary) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for _, in := range records {
		i := ls.indexLocked(in.ID)
		switch {
		case in.Deleted:
			if i >= 0 {
				ls.Records = append(ls.Records[:i], ls.Records[i+1:]...)
			}
		case i < 0:
			ls.Records = append(ls.Records, in)
		default:
			cur := &ls.Records[i]
			newer := in.SyncVersion > cur.SyncVersion
			if !in.UpdatedAt.Before(cur.UpdatedAt) && (newer || in.UpdatedAt.After(cur.UpdatedAt)) {
				*cur = in
			} else if newer {
				cur.SyncVersion = in.SyncVersion
			}
		}
	}

	if len(libs) == 0 {
		kept := ls.Records[:0]
		for _, r := range ls.Records {
			if !r.IsShared {
				kept = append(kept, r)
			}
		}
		ls.Records = kept
	}
	ls.Libraries = libs

	if err := ls.saveLocked(); err != nil {
		ls.log.Warn("failed to save merged records", zap.Error(err))
	}
}

// Prune implements syncer.Pruner. It drops every record whose id is not in
// keep and returns how many were removed. Records the server never
// acknowledged (sync version 0) are kept.
func (ls *LocalStorage) Prune(_ context.Context, keep map[string]struct{}) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	kept := ls.Records[:0]
	for _, r := range ls.Records {
		if _, ok := keep[r.ID]; ok || r.SyncVersion == 0 {
			kept = append(kept, r)
		}
	}
	removed := len(ls.Records) - len(kept)
	ls.Records = kept
	if removed == 0 {
		return 0
	}
	ls.log.Info("pruned records missing from the server", zap.Int("removed", removed))
	if err := ls.saveLocked(); err != nil {
		ls.log.Warn("failed to save pruned records", zap.Error(err))
	}
	return removed
}

func (ls *LocalStorage) indexLocked(id string) int {
	for i := range ls.Records {
		if ls.Records[i].ID == id {
			return i
		}
	}
	return -1
}
