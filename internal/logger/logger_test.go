package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestInit_InvalidLevel(t *testing.T) {
	l := New()
	if err := l.Init("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if l.Log == nil {
		t.Fatal("Log must stay usable after a failed Init")
	}
}

func TestInit_Valid(t *testing.T) {
	l := New()
	if err := l.Init("Info"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if ce := l.Log.Check(zap.DebugLevel, "debug"); ce != nil {
		t.Error("debug should be disabled at info level")
	}
}

func TestInitFile_WritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	l := New()
	if err := l.InitFile("debug", FileOptions{Path: path, MaxSizeMB: 1}); err != nil {
		t.Fatalf("InitFile failed: %v", err)
	}
	l.Log.Info("sync finished")
	_ = l.Log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"sync finished"`) {
		t.Errorf("log file = %q", data)
	}
}

func TestInitFile_EmptyPath(t *testing.T) {
	if err := New().InitFile("info", FileOptions{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
}
