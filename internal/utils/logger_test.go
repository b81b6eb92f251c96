package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func resetLogger() {
	once = sync.Once{}
	loggerInstance = nil
}

// TestGetLogger verifies singleton pattern - same instance returned
func TestGetLogger(t *testing.T) {
	logger1 := GetLogger()
	logger2 := GetLogger()

	if logger1 != logger2 {
		t.Error("GetLogger() should return same singleton instance")
	}
}

// TestDebugHiddenUnlessVerbose verifies debug lines only appear in verbose mode
func TestDebugHiddenUnlessVerbose(t *testing.T) {
	resetLogger()
	var buf bytes.Buffer
	logger := GetLogger()
	logger.SetOutput(&buf)

	logger.Debug("hidden message")
	if strings.Contains(buf.String(), "hidden message") {
		t.Errorf("debug output should be suppressed when not verbose, got %q", buf.String())
	}

	SetVerboseMode(true)
	logger.Debug("visible message", "task", "t1")
	out := buf.String()
	if !strings.Contains(out, "visible message") {
		t.Errorf("debug output should appear in verbose mode, got %q", out)
	}
	if !strings.Contains(out, "task=t1") {
		t.Errorf("expected structured field task=t1, got %q", out)
	}
}

// TestWarnErrorAlwaysShown verifies non-debug levels are printed
func TestWarnErrorAlwaysShown(t *testing.T) {
	resetLogger()
	var buf bytes.Buffer
	logger := GetLogger()
	logger.SetOutput(&buf)

	logger.Warn("warn line")
	logger.Error("error line", "err", "boom")

	out := buf.String()
	for _, want := range []string{"warn line", "error line", "err=boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got %q", want, out)
		}
	}
}

// TestBackgroundLoggerWritesFile verifies lines land in the log file
func TestBackgroundLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bg.log")
	bl, err := NewBackgroundLoggerWithPath(path)
	if err != nil {
		t.Fatalf("NewBackgroundLoggerWithPath() error = %v", err)
	}
	if !bl.IsEnabled() {
		t.Fatal("expected background logger to be enabled")
	}

	bl.Print("snapshot delivered", "tasks", 3)
	bl.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "snapshot delivered") || !strings.Contains(content, "tasks=3") {
		t.Errorf("expected structured line in log, got %q", content)
	}
	if bl.GetLogPath() != path {
		t.Errorf("GetLogPath() = %q, want %q", bl.GetLogPath(), path)
	}
}

// TestBackgroundLoggerDisabled verifies the disabled logger discards output
func TestBackgroundLoggerDisabled(t *testing.T) {
	bl, err := NewBackgroundLoggerWithEnabled(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bl.IsEnabled() {
		t.Error("expected disabled background logger")
	}
	bl.Print("dropped")
	bl.Close()
}
