package repository

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/atinyakov/modelsync/internal/models"
	"github.com/lib/pq"
)

func setupMock(t *testing.T) (*PostgresSyncRepository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	repo := NewPostgresSyncRepository(db)
	cleanup := func() {
		db.Close()
	}
	return repo, mock, cleanup
}

var recordCols = []string{"id", "title", "content", "category", "created_at", "updated_at",
	"sync_version", "deleted", "is_shared", "total"}

func TestCountActive(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM records WHERE owner_id = $1 AND deleted = false`)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(455))

	n, err := repo.CountActive(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 455 {
		t.Errorf("count = %d; want 455", n)
	}

	mock.ExpectQuery(`SELECT COUNT`).WithArgs("u1").WillReturnError(errors.New("down"))
	if _, err := repo.CountActive(context.Background(), "u1"); err == nil {
		t.Error("expected error")
	}
}

func TestListRecords_Full(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`AND r.deleted = false ORDER BY r.updated_at, r.id LIMIT \$2 OFFSET \$3`).
		WithArgs("u1", 2, 0).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("a", "A", "body", "cat", ts, ts, int64(1), false, false, 3).
			AddRow("b", "B", "", "", ts, ts.Add(time.Second), int64(4), false, true, 3))

	recs, total, err := repo.ListRecords(context.Background(), "u1", nil, 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(recs) != 2 {
		t.Fatalf("total=%d len=%d", total, len(recs))
	}
	if recs[0].ID != "a" || recs[0].IsShared || recs[0].SyncVersion != 1 {
		t.Errorf("first record = %+v", recs[0])
	}
	if !recs[1].IsShared || recs[1].SyncVersion != 4 {
		t.Errorf("second record = %+v", recs[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestListRecords_IncrementalIncludesTombstones(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	since := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`AND r.updated_at >= \$2 ORDER BY r.updated_at, r.id LIMIT \$3 OFFSET \$4`).
		WithArgs("u1", since, 100, 100).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("gone", "", "", "", since, since, int64(7), true, false, 101))

	recs, total, err := repo.ListRecords(context.Background(), "u1", &since, 100, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 101 || len(recs) != 1 || !recs[0].Deleted {
		t.Errorf("got total=%d recs=%+v", total, recs)
	}
}

func TestListRecords_EmptyPage(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(`FROM records r`).
		WithArgs("u1", 100, 0).
		WillReturnRows(sqlmock.NewRows(recordCols))

	recs, total, err := repo.ListRecords(context.Background(), "u1", nil, 100, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0 || recs == nil || len(recs) != 0 {
		t.Errorf("want empty non-nil page, got total=%d recs=%v", total, recs)
	}
}

func TestSharedLibraries(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(`FROM library_shares s`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "name", "count"}).
			AddRow("u2", "Team prompts", 12))

	libs, err := repo.SharedLibraries(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []models.SharedLibrary{{ID: "u2", Name: "Team prompts", RecordCount: 12}}
	if !reflect.DeepEqual(libs, want) {
		t.Errorf("libs = %+v; want %+v", libs, want)
	}
}

func TestShareAndUnshare(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO library_shares`).
		WithArgs("u1", "u2", "Mine").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM library_shares WHERE owner_id = $1 AND shared_with = $2`)).
		WithArgs("u1", "u2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.ShareLibrary(context.Background(), "u1", "u2", "Mine"); err != nil {
		t.Fatalf("ShareLibrary: %v", err)
	}
	if err := repo.UnshareLibrary(context.Background(), "u1", "u2"); err != nil {
		t.Fatalf("UnshareLibrary: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestApplyChanges_Partitions(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	changes := []models.Change{
		{Operation: models.OpCreate, Record: models.Record{ID: "new", Title: "N"}},
		{Operation: models.OpCreate, Record: models.Record{ID: "mine", Title: "M"}},
		{Operation: models.OpUpdate, Record: models.Record{ID: "fresh", Title: "F", SyncVersion: 2}},
		{Operation: models.OpUpdate, Record: models.Record{ID: "stale", SyncVersion: 1}},
		{Operation: models.OpUpdate, Record: models.Record{ID: "theirs", SyncVersion: 1}},
		{Operation: models.OpUpdate, Record: models.Record{ID: "missing", SyncVersion: 1}},
		{Operation: models.OpDelete, Record: models.Record{ID: "del"}},
		{Operation: models.OpDelete, Record: models.Record{ID: "tomb"}},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, owner_id, sync_version, deleted FROM records WHERE id = ANY\(\$1\) FOR UPDATE`).
		WithArgs(pq.Array([]string{"new", "mine", "fresh", "stale", "theirs", "missing", "del", "tomb"})).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "sync_version", "deleted"}).
			AddRow("mine", "u1", int64(5), false).
			AddRow("fresh", "u1", int64(2), false).
			AddRow("stale", "u1", int64(3), false).
			AddRow("theirs", "u2", int64(1), false).
			AddRow("del", "u1", int64(1), false).
			AddRow("tomb", "u1", int64(2), true))
	mock.ExpectExec(`INSERT INTO records`).
		WithArgs("new", "u1", "N", "", "", now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE records SET title = \$2`).
		WithArgs("mine", "M", "", "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE records SET title = \$2`).
		WithArgs("fresh", "F", "", "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE records SET deleted = true`).
		WithArgs("del", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := repo.ApplyChanges(context.Background(), "u1", changes, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(res.Created, []string{"new", "mine"}) {
		t.Errorf("Created = %v", res.Created)
	}
	if !reflect.DeepEqual(res.Updated, []string{"fresh"}) {
		t.Errorf("Updated = %v", res.Updated)
	}
	if !reflect.DeepEqual(res.Deleted, []string{"del", "tomb"}) {
		t.Errorf("Deleted = %v", res.Deleted)
	}
	wantConflicts := []models.Conflict{
		{ID: "stale", Reason: models.ReasonVersionMismatch},
		{ID: "theirs", Reason: models.ReasonNoPermission},
		{ID: "missing", Reason: models.ReasonModelDeleted},
	}
	if !reflect.DeepEqual(res.Conflicts, wantConflicts) {
		t.Errorf("Conflicts = %+v", res.Conflicts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestApplyChanges_Empty(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	res, err := repo.ApplyChanges(context.Background(), "u1", nil, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Created == nil || res.Conflicts == nil {
		t.Error("empty results should still encode as arrays")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no SQL expected: %v", err)
	}
}

func TestApplyChanges_RollbackOnError(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(pq.Array([]string{"x"})).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "sync_version", "deleted"}))
	mock.ExpectExec(`INSERT INTO records`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.ApplyChanges(context.Background(), "u1",
		[]models.Change{{Operation: models.OpCreate, Record: models.Record{ID: "x"}}}, now)
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
