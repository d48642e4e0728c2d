package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestNewWritesServiceAndMilliseconds(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "quote-worker", "info")

	logger.Info("step_completed", "step", "ocr-document", "elapsed", 1500*time.Microsecond)
	logger.Debug("hidden")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one json line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "quote-worker" || line["step"] != "ocr-document" {
		t.Fatalf("unexpected fields: %v", line)
	}
	if line["elapsed_ms"] != 1.5 {
		t.Fatalf("expected elapsed_ms=1.5, got %v", line["elapsed_ms"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
