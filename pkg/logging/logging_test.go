package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestInitAndLevels(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelInfo, &buf)

	Debug("Test", "debug message should be suppressed")
	Info("Test", "info message %d", 42)

	out := buf.String()
	if strings.Contains(out, "debug message") {
		t.Error("Debug message should be suppressed at Info level")
	}
	if !strings.Contains(out, "info message 42") {
		t.Errorf("Expected info message in output, got: %s", out)
	}
	if !strings.Contains(out, "subsystem=Test") {
		t.Errorf("Expected subsystem attribute in output, got: %s", out)
	}
}

func TestErrorIncludesErrAttr(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, &buf)

	Error("Test", errSentinel("boom"), "operation failed")

	if !strings.Contains(buf.String(), "error=boom") {
		t.Errorf("Expected error attribute, got: %s", buf.String())
	}
}

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

func TestTruncateID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "short"},
		{"12345678", "12345678"},
		{"123456789abcdef", "12345678..."},
	}

	for _, tt := range tests {
		if got := TruncateID(tt.in); got != tt.want {
			t.Errorf("TruncateID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLogLevelString(t *testing.T) {
	if LevelDebug.String() != "DEBUG" || LevelError.String() != "ERROR" {
		t.Error("LogLevel String() mismatch")
	}
	if LogLevel(99).String() != "UNKNOWN" {
		t.Error("Unknown level should stringify as UNKNOWN")
	}
}
