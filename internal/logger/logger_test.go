package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/funnyzak/rewind/internal/config"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&config.LogConfig{Level: "debug"}, "json", &buf)

	log.With("component", "recorder").Info("captured",
		"id", "abc",
		"status", 201,
		"duration", 15*time.Millisecond,
		"error", errors.New("boom"),
	)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a JSON line, got %q: %v", buf.String(), err)
	}
	if line["message"] != "captured" || line["component"] != "recorder" || line["id"] != "abc" {
		t.Fatalf("unexpected log line %v", line)
	}
	if line["status"].(float64) != 201 {
		t.Fatalf("unexpected status field %v", line["status"])
	}
	if line["error"] != "boom" {
		t.Fatalf("unexpected error field %v", line["error"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&config.LogConfig{Level: "warn"}, "json", &buf)
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	log.Warn("shown")
	if buf.Len() == 0 {
		t.Fatalf("warn should be written")
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&config.LogConfig{Level: "nope"}, "json", &buf)
	log.Debug("hidden")
	log.Info("shown")
	if bytes.Count(buf.Bytes(), []byte("\n")) != 1 {
		t.Fatalf("expected exactly one line, got %q", buf.String())
	}
}
