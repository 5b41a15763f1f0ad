package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/modelsync/internal/models"
)

// Page size limits for pulls.
const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

var (
	// ErrInvalidChange is returned for a push entry without an id or with an
	// unknown operation.
	ErrInvalidChange = errors.New("invalid change")
	// ErrSelfShare is returned when a user shares a library with themselves.
	ErrSelfShare = errors.New("cannot share a library with its owner")
)

// SyncRepository defines the persistence operations needed by SyncService.
type SyncRepository interface {
	CountActive(ctx context.Context, userID string) (int, error)
	ListRecords(ctx context.Context, userID string, since *time.Time, limit, offset int) ([]models.Record, int, error)
	SharedLibraries(ctx context.Context, userID string) ([]models.SharedLibrary, error)
	ShareLibrary(ctx context.Context, ownerID, sharedWith, name string) error
	UnshareLibrary(ctx context.Context, ownerID, sharedWith string) error
	ApplyChanges(ctx context.Context, userID string, changes []models.Change, now time.Time) (models.PushResults, error)
}

// SyncService implements the pull and push side of the sync protocol.
type SyncService struct {
	repo SyncRepository
	// Now may be overridden before first use.
	Now func() time.Time
	// Retention is how long tombstones are kept. Zero means forever.
	Retention time.Duration
}

// NewSyncService constructs a SyncService with the provided SyncRepository.
func NewSyncService(repo SyncRepository) *SyncService {
	return &SyncService{repo: repo, Now: time.Now}
}

// Status returns the number of live records owned by userID.
func (s *SyncService) Status(ctx context.Context, userID string) (*models.StatusResponse, error) {
	n, err := s.repo.CountActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	resp := &models.StatusResponse{ActiveRecordCount: n}
	if s.Retention > 0 {
		cutoff := s.Now().UTC().Add(-s.Retention)
		resp.TombstoneCutoff = &cutoff
	}
	return resp, nil
}

// Pull returns one page of records for userID.
//
// ServerTime is taken before the query runs, so a client anchoring its next
// incremental pull on it never misses a write that raced with this one.
func (s *SyncService) Pull(ctx context.Context, userID string, req models.PullRequest) (*models.PullResponse, error) {
	serverTime := s.Now().UTC()

	limit := req.Limit
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	offset := max(req.Offset, 0)

	records, total, err := s.repo.ListRecords(ctx, userID, req.LastSyncAt, limit, offset)
	if err != nil {
		return nil, err
	}
	libs, err := s.repo.SharedLibraries(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &models.PullResponse{
		Records:         records,
		HasMore:         offset+len(records) < total,
		ServerTime:      serverTime,
		Count:           len(records),
		Total:           total,
		SharedLibraries: libs,
	}, nil
}

// Push applies a batch of changes for userID. Every write is stamped with
// the returned ServerTime, so the next incremental pull anchored on it
// returns the pushed records with their new sync versions.
func (s *SyncService) Push(ctx context.Context, userID string, req models.PushRequest) (*models.PushResponse, error) {
	for _, c := range req.Changes {
		if c.Record.ID == "" || !c.Operation.Valid() {
			return nil, fmt.Errorf("%w: id %q operation %q", ErrInvalidChange, c.Record.ID, c.Operation)
		}
	}
	serverTime := s.Now().UTC()
	results, err := s.repo.ApplyChanges(ctx, userID, req.Changes, serverTime)
	if err != nil {
		return nil, err
	}
	return &models.PushResponse{Results: results, ServerTime: serverTime}, nil
}

// ShareLibrary shares every record of ownerID with the user behind
// sharedWith.
func (s *SyncService) ShareLibrary(ctx context.Context, ownerID, sharedWith, name string) error {
	if ownerID == sharedWith {
		return ErrSelfShare
	}
	return s.repo.ShareLibrary(ctx, ownerID, sharedWith, name)
}

// UnshareLibrary withdraws a share.
func (s *SyncService) UnshareLibrary(ctx context.Context, ownerID, sharedWith string) error {
	return s.repo.UnshareLibrary(ctx, ownerID, sharedWith)
}
