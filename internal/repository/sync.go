package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/atinyakov/modelsync/internal/models"
	"github.com/lib/pq"
)

// PostgresSyncRepository stores records and library shares.
type PostgresSyncRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresSyncRepository creates a PostgresSyncRepository on db.
func NewPostgresSyncRepository(db *sql.DB) *PostgresSyncRepository {
	return &PostgresSyncRepository{DB: db}
}

const recordColumns = `r.id, r.title, r.content, r.category, r.created_at, r.updated_at,
	r.sync_version, r.deleted, r.owner_id <> $1 AS is_shared, COUNT(*) OVER () AS total`

const visibleTo = `(r.owner_id = $1 OR r.owner_id IN (SELECT owner_id FROM library_shares WHERE shared_with = $1))`

var (
	fullPullQuery = `SELECT ` + recordColumns + ` FROM records r
		WHERE ` + visibleTo + ` AND r.deleted = false
		ORDER BY r.updated_at, r.id LIMIT $2 OFFSET $3`

	incrementalPullQuery = `SELECT ` + recordColumns + ` FROM records r
		WHERE ` + visibleTo + ` AND r.updated_at >= $2
		ORDER BY r.updated_at, r.id LIMIT $3 OFFSET $4`
)

// CountActive returns the number of live records owned by userID.
func (r *PostgresSyncRepository) CountActive(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE owner_id = $1 AND deleted = false`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

// ListRecords returns one page of the records visible to userID, ordered by
// (updated_at, id), together with the total size of the result set. A nil
// since lists live records only; otherwise every record modified at or
// after since is listed, tombstones included.
func (r *PostgresSyncRepository) ListRecords(ctx context.Context, userID string, since *time.Time, limit, offset int) ([]models.Record, int, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if since == nil {
		rows, err = r.DB.QueryContext(ctx, fullPullQuery, userID, limit, offset)
	} else {
		rows, err = r.DB.QueryContext(ctx, incrementalPullQuery, userID, *since, limit, offset)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := make([]models.Record, 0, limit)
	total := 0
	for rows.Next() {
		var rec models.Record
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Content, &rec.Category,
			&rec.CreatedAt, &rec.UpdatedAt, &rec.SyncVersion, &rec.Deleted, &rec.IsShared, &total); err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	return records, total, nil
}

// SharedLibraries lists the libraries other users share with userID.
func (r *PostgresSyncRepository) SharedLibraries(ctx context.Context, userID string) ([]models.SharedLibrary, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT s.owner_id, s.name, COUNT(r.id)
		  FROM library_shares s
		  LEFT JOIN records r ON r.owner_id = s.owner_id AND r.deleted = false
		 WHERE s.shared_with = $1
		 GROUP BY s.owner_id, s.name
		 ORDER BY s.name, s.owner_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("shared libraries: %w", err)
	}
	defer rows.Close()

	libs := []models.SharedLibrary{}
	for rows.Next() {
		var lib models.SharedLibrary
		if err := rows.Scan(&lib.ID, &lib.Name, &lib.RecordCount); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		libs = append(libs, lib)
	}
	return libs, rows.Err()
}

// ShareLibrary makes every record of ownerID visible, read-only, to
// sharedWith under name.
func (r *PostgresSyncRepository) ShareLibrary(ctx context.Context, ownerID, sharedWith, name string) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO library_shares (owner_id, shared_with, name) VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, shared_with) DO UPDATE SET name = EXCLUDED.name
	`, ownerID, sharedWith, name)
	if err != nil {
		return fmt.Errorf("share library: %w", err)
	}
	return nil
}

// UnshareLibrary withdraws a share. Withdrawing a missing share is not an
// error.
func (r *PostgresSyncRepository) UnshareLibrary(ctx context.Context, ownerID, sharedWith string) error {
	_, err := r.DB.ExecContext(ctx,
		`DELETE FROM library_shares WHERE owner_id = $1 AND shared_with = $2`, ownerID, sharedWith)
	if err != nil {
		return fmt.Errorf("unshare library: %w", err)
	}
	return nil
}

type rowState struct {
	owner   string
	version int64
	deleted bool
}

// ApplyChanges applies a push batch for userID in one transaction, stamping
// every write with now and a new sync version.
//
// A create of an id the user already owns overwrites it without a version
// check. An update must carry the current sync version. Changes to records
// owned by someone else, or to missing or deleted records, come back as
// conflicts.
func (r *PostgresSyncRepository) ApplyChanges(ctx context.Context, userID string, changes []models.Change, now time.Time) (models.PushResults, error) {
	res := models.PushResults{
		Created:   []string{},
		Updated:   []string{},
		Deleted:   []string{},
		Conflicts: []models.Conflict{},
	}
	if len(changes) == 0 {
		return res, nil
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		ids = append(ids, c.Record.ID)
	}
	existing, err := lockRecords(ctx, tx, ids)
	if err != nil {
		return res, err
	}

	conflict := func(id string, reason models.ConflictReason) {
		res.Conflicts = append(res.Conflicts, models.Conflict{ID: id, Reason: reason})
	}

	for _, c := range changes {
		rec := c.Record
		cur, ok := existing[rec.ID]
		switch c.Operation {
		case models.OpCreate:
			switch {
			case !ok:
				if err := insertRecord(ctx, tx, userID, rec, now); err != nil {
					return res, err
				}
				existing[rec.ID] = rowState{owner: userID, version: 1}
				res.Created = append(res.Created, rec.ID)
			case cur.owner != userID:
				conflict(rec.ID, models.ReasonNoPermission)
			case cur.deleted:
				conflict(rec.ID, models.ReasonModelDeleted)
			default:
				if err := updateRecord(ctx, tx, rec, now); err != nil {
					return res, err
				}
				cur.version++
				existing[rec.ID] = cur
				res.Created = append(res.Created, rec.ID)
			}

		case models.OpUpdate:
			switch {
			case !ok:
				conflict(rec.ID, models.ReasonModelDeleted)
			case cur.owner != userID:
				conflict(rec.ID, models.ReasonNoPermission)
			case cur.deleted:
				conflict(rec.ID, models.ReasonModelDeleted)
			case rec.SyncVersion != cur.version:
				conflict(rec.ID, models.ReasonVersionMismatch)
			default:
				if err := updateRecord(ctx, tx, rec, now); err != nil {
					return res, err
				}
				cur.version++
				existing[rec.ID] = cur
				res.Updated = append(res.Updated, rec.ID)
			}

		case models.OpDelete:
			switch {
			case !ok:
				conflict(rec.ID, models.ReasonModelDeleted)
			case cur.owner != userID:
				conflict(rec.ID, models.ReasonNoPermission)
			case cur.deleted:
				res.Deleted = append(res.Deleted, rec.ID)
			default:
				if _, err := tx.ExecContext(ctx, `
					UPDATE records SET deleted = true, updated_at = $2, sync_version = sync_version + 1
					 WHERE id = $1
				`, rec.ID, now); err != nil {
					return res, fmt.Errorf("delete record: %w", err)
				}
				cur.deleted = true
				cur.version++
				existing[rec.ID] = cur
				res.Deleted = append(res.Deleted, rec.ID)
			}

		default:
			return res, fmt.Errorf("unknown operation %q", c.Operation)
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func lockRecords(ctx context.Context, tx *sql.Tx, ids []string) (map[string]rowState, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, owner_id, sync_version, deleted FROM records WHERE id = ANY($1) FOR UPDATE
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("lock records: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]rowState, len(ids))
	for rows.Next() {
		var id string
		var st rowState
		if err := rows.Scan(&id, &st.owner, &st.version, &st.deleted); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		existing[id] = st
	}
	return existing, rows.Err()
}

func insertRecord(ctx context.Context, tx *sql.Tx, userID string, rec models.Record, now time.Time) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO records (id, owner_id, title, content, category, created_at, updated_at, sync_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
	`, rec.ID, userID, rec.Title, rec.Content, rec.Category, created, now)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func updateRecord(ctx context.Context, tx *sql.Tx, rec models.Record, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE records SET title = $2, content = $3, category = $4, updated_at = $5,
		       sync_version = sync_version + 1
		 WHERE id = $1
	`, rec.ID, rec.Title, rec.Content, rec.Category, now)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return nil
}
