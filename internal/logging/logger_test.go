package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"

	"truman/internal/config"
)

func TestNewLevels(t *testing.T) {
	lg, closeLog, err := New(config.LogConfig{Level: "warn"})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer closeLog()
	if lg.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info must be disabled at warn")
	}
	if !lg.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("warn must be enabled")
	}
	if _, _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected bad level error")
	}
}

func TestDebugEnvForcesDebug(t *testing.T) {
	t.Setenv(debugEnv, "1")
	lg, closeLog, err := New(config.LogConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer closeLog()
	if !lg.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected %s=1 to enable debug", debugEnv)
	}
}

func TestErrorFileTee(t *testing.T) {
	path := filepath.Join(t.TempDir(), "error.log")
	lg, closeLog, err := New(config.LogConfig{Level: "info", ErrorFile: path})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	lg.Info("not in file")
	lg.Error("in file")
	closeLog()
	closeLog()
	lg.Error("after close")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read error log: %v", err)
	}
	if strings.Contains(string(data), "after close") {
		t.Fatalf("error file still written after close: %s", data)
	}
	if !strings.Contains(string(data), "in file") || strings.Contains(string(data), "not in file") {
		t.Fatalf("unexpected error log contents: %s", data)
	}
}

func TestRateLimiter(t *testing.T) {
	r := NewRateLimiter(time.Second)
	now := time.Unix(10, 0)
	if !r.Allow("k", now) {
		t.Fatalf("first line must pass")
	}
	if r.Allow("k", now.Add(500*time.Millisecond)) {
		t.Fatalf("second line within interval must be held")
	}
	if !r.Allow("other", now) {
		t.Fatalf("keys are independent")
	}
	if !r.Allow("k", now.Add(time.Second)) {
		t.Fatalf("line after interval must pass")
	}
}
