package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewJSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(&buf, "info", "json")
	log.Info("hello", slog.String("adapter", "dingtalk"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected json output, got %q: %v", buf.String(), err)
	}
	if record["adapter"] != "dingtalk" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestNewTextFormatFiltersLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(&buf, "warn", "text")
	log.Info("dropped")
	log.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info record should be filtered: %q", out)
	}
	if !strings.Contains(out, "msg=kept") {
		t.Fatalf("warn record missing: %q", out)
	}
}
