package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewFormat(t *testing.T) {
	t.Setenv("GO_ENV", "production")
	var buf bytes.Buffer
	New(&buf, "info").Info("hello", "id", 42)
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"id":42`) {
		t.Errorf("production output should be JSON, got %q", buf.String())
	}

	t.Setenv("GO_ENV", "")
	buf.Reset()
	New(&buf, "warn").Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info record should be filtered at warn, got %q", buf.String())
	}
}

func TestL(t *testing.T) {
	if L() == nil {
		t.Fatal("L() returned nil")
	}
	if L() != L() {
		t.Error("L() should return the same logger")
	}
}
