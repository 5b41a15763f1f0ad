package db

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func bufferLogger(buf *bytes.Buffer) *zap.Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(buf),
		zapcore.InfoLevel,
	)
	return zap.New(core)
}

func TestClean_AllSteps(t *testing.T) {
	dbMock, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	defer dbMock.Close()

	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM records WHERE deleted = true").
		WithArgs(now.Add(-24 * time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM magic_links").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM refresh_tokens").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var buf bytes.Buffer
	Clean(context.Background(), dbMock, now, 24*time.Hour, bufferLogger(&buf))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "cleaned tombstones") || !strings.Contains(out, "cleaned refresh tokens") {
		t.Errorf("expected cleaning logs, got:\n%s", out)
	}
	if strings.Contains(out, "cleaned magic links") {
		t.Errorf("nothing removed should not be logged, got:\n%s", out)
	}
}

func TestClean_ErrorLoggedAndContinues(t *testing.T) {
	dbMock, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	defer dbMock.Close()

	mock.ExpectExec("DELETE FROM records").
		WithArgs(sqlmock.AnyArg()).
		WillReturnError(fmt.Errorf("db fail"))
	mock.ExpectExec("DELETE FROM magic_links").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM refresh_tokens").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	var buf bytes.Buffer
	Clean(context.Background(), dbMock, time.Now(), time.Hour, bufferLogger(&buf))

	if !strings.Contains(buf.String(), "failed to clean tombstones") {
		t.Errorf("expected error log, got:\n%s", buf.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestStartCleaner_RunsOnTick(t *testing.T) {
	dbMock, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	defer dbMock.Close()

	mock.ExpectExec("DELETE FROM records").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM magic_links").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM refresh_tokens").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartCleaner(ctx, dbMock, 50*time.Millisecond, time.Hour, zap.NewNop())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			cancel()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("cleaner did not run: %v", mock.ExpectationsWereMet())
}

func TestStartCleaner_CancelBeforeTicker(t *testing.T) {
	dbMock, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	defer dbMock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	StartCleaner(ctx, dbMock, 100*time.Millisecond, time.Hour, zap.NewNop())
	cancel()
	time.Sleep(150 * time.Millisecond)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected sql calls: %v", err)
	}
}
