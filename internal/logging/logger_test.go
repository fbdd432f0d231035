package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// captureOutput points both sinks at a buffer for the duration of fn.
func captureOutput(t *testing.T, level string, fn func()) string {
	t.Helper()

	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		RestoreOutput()
	})

	fn()
	return buf.String()
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		logFunc  func()
		expected string
		visible  bool
	}{
		{"info at INFO", "INFO", func() { Info("info %d", 1) }, "info 1", true},
		{"warn at INFO", "INFO", func() { Warn("warn msg") }, "warn msg", true},
		{"error at ERROR", "ERROR", func() { Error("boom") }, "boom", true},
		{"debug hidden at INFO", "INFO", func() { Debug("hidden") }, "hidden", false},
		{"debug at DEBUG", "DEBUG", func() { Debug("shown") }, "shown", true},
		{"info hidden at WARN", "WARN", func() { Info("quiet") }, "quiet", false},
		{"success at INFO", "INFO", func() { Success("done") }, "SUCCESS", true},
		{"success hidden at ERROR", "ERROR", func() { Success("done") }, "SUCCESS", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := captureOutput(t, tt.level, tt.logFunc)
			if got := strings.Contains(out, tt.expected); got != tt.visible {
				t.Errorf("output contains %q = %v, want %v (output: %q)", tt.expected, got, tt.visible, out)
			}
		})
	}
}

func TestValidateLogLevel(t *testing.T) {
	tests := []struct {
		level   string
		wantErr bool
	}{
		{"DEBUG", false},
		{"INFO", false},
		{"WARN", false},
		{"ERROR", false},
		{"info", true},
		{"TRACE", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			err := ValidateLogLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateLogLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
		})
	}
}

func TestSplitLevel(t *testing.T) {
	tests := []struct {
		line      string
		wantLevel string
		wantMsg   string
	}{
		{"2024/01/02 15:04:05 [WARN] serf: EventCh is full", "WARN", "serf: EventCh is full"},
		{"2025-08-10T01:01:14.224+0530 [ERROR] raft: failed to contact", "ERROR", "raft: failed to contact"},
		{"something unstructured", "INFO", "something unstructured"},
	}

	for _, tt := range tests {
		level, msg := splitLevel(tt.line)
		if level != tt.wantLevel || msg != tt.wantMsg {
			t.Errorf("splitLevel(%q) = (%q, %q), want (%q, %q)", tt.line, level, msg, tt.wantLevel, tt.wantMsg)
		}
	}
}

func TestLibraryWriterFoldsNoise(t *testing.T) {
	out := captureOutput(t, "DEBUG", func() {
		w := NewLibraryWriter("raft")
		for i := 0; i < 3; i++ {
			w.Write([]byte("2024/01/02 15:04:05 [ERROR] raft: failed to heartbeat to: peer=10.0.0.2:6969\n"))
		}
		w.Write([]byte("2024/01/02 15:04:05 [INFO] raft: entering follower state\n"))

		// let the reader goroutine drain the pipe before flushing
		time.Sleep(50 * time.Millisecond)
		w.Close()
	})

	if !strings.Contains(out, "(raft) entering follower state") {
		t.Errorf("expected plain line to be re-logged, got %q", out)
	}
	if !strings.Contains(out, "(x3)") {
		t.Errorf("expected folded heartbeat failures, got %q", out)
	}
}

func TestFormatID(t *testing.T) {
	SetLevel("INFO")
	defer SetLevel("INFO")

	long := "0123456789abcdef0123"
	if got := FormatID(long); got != "0123456789ab" {
		t.Errorf("FormatID() = %q, want truncated id", got)
	}
	if got := FormatID("short"); got != "short" {
		t.Errorf("FormatID() = %q, want %q", got, "short")
	}

	SetLevel("DEBUG")
	if got := FormatID(long); got != long {
		t.Errorf("FormatID() at DEBUG = %q, want full id", got)
	}
}
