package db

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// StartCleaner periodically purges tombstones older than retention, and
// magic links and refresh tokens that can no longer be used. It returns
// immediately; the loop stops when ctx is done.
func StartCleaner(
	ctx context.Context,
	db *sql.DB,
	interval time.Duration,
	retention time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				Clean(ctx, db, time.Now(), retention, log)
			}
		}
	}()
}

// Clean runs one cleaning pass. Failures are logged and do not stop the
// remaining statements.
func Clean(ctx context.Context, db *sql.DB, now time.Time, retention time.Duration, log *zap.Logger) {
	steps := []struct {
		what  string
		query string
		arg   time.Time
	}{
		{"tombstones", `DELETE FROM records WHERE deleted = true AND updated_at < $1`, now.Add(-retention)},
		{"magic links", `DELETE FROM magic_links WHERE used = true OR expires_at < $1`, now},
		{"refresh tokens", `DELETE FROM refresh_tokens WHERE revoked = true OR expires_at < $1`, now},
	}
	for _, s := range steps {
		res, err := db.ExecContext(ctx, s.query, s.arg)
		if err != nil {
			log.Error("failed to clean "+s.what, zap.Error(err))
			continue
		}
		if rows, _ := res.RowsAffected(); rows > 0 {
			log.Info("cleaned "+s.what, zap.Int64("removed", rows))
		}
	}
}
