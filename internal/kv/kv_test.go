package kv

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", "v1"))
	require.NoError(t, m.Set(ctx, "k", "v2"))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, m.Delete(ctx, "k"))
	require.NoError(t, m.Delete(ctx, "k"))
	assert.Equal(t, 0, m.Len())
}

func TestMemory_Quota(t *testing.T) {
	ctx := context.Background()
	m := &Memory{Quota: 10}

	require.NoError(t, m.Set(ctx, "a", "1234"))
	err := m.Set(ctx, "b", "123456789")
	assert.True(t, errors.Is(err, ErrQuotaExceeded))

	// Overwriting frees the previous value's bytes first.
	require.NoError(t, m.Set(ctx, "a", "12345678"))
	v, _, _ := m.Get(ctx, "a")
	assert.Equal(t, "12345678", v)

	_, ok, _ := m.Get(ctx, "b")
	assert.False(t, ok)
}

func TestSQLite_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "origin.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, KeyLastSyncAt, "2024-01-01T00:00:00Z"))
	require.NoError(t, s.Close())

	// A second instance on the same file sees the write.
	other, err := OpenSQLite(path)
	require.NoError(t, err)
	defer other.Close()

	v, ok, err := other.Get(ctx, KeyLastSyncAt)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2024-01-01T00:00:00Z", v)

	require.NoError(t, other.Delete(ctx, KeyLastSyncAt))
	_, ok, err = other.Get(ctx, KeyLastSyncAt)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_GetError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM kv WHERE key = ?`)).
		WithArgs("k").
		WillReturnError(errors.New("disk I/O error"))

	_, _, err = NewSQLite(db).Get(context.Background(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get k")
	assert.NoError(t, mock.ExpectationsWereMet())
}
