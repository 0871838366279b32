package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

// capture points the global logger at a buffer for the duration of the test
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Logger
	Logger = zerolog.New(&buf)
	t.Cleanup(func() { Logger = prev })
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestHelpersChainLevelMethods(t *testing.T) {
	tests := []struct {
		name  string
		log   func()
		field string
		want  string
	}{
		{"component", func() { WithComponent("broadcast").Info().Msg("hello") }, "component", "broadcast"},
		{"channel", func() { WithChannel("alerts", "power").Warn().Msg("hello") }, "channel", "power"},
		{"request id", func() { WithRequestID("req-1").Error().Msg("hello") }, "request_id", "req-1"},
		{"error", func() { WithError(errors.New("boom")).Debug().Msg("hello") }, "error", "boom"},
	}

	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := capture(t)
			tt.log()

			entry := decodeLine(t, buf)
			if entry[tt.field] != tt.want {
				t.Errorf("expected %s=%q, got %v", tt.field, tt.want, entry[tt.field])
			}
			if entry["message"] != "hello" {
				t.Errorf("unexpected message %v", entry["message"])
			}
		})
	}
}

func TestWithChannel_KeepsComponent(t *testing.T) {
	buf := capture(t)
	log := WithChannel("pipeline", "temperature")
	log.Info().Msg("x")

	entry := decodeLine(t, buf)
	if entry["component"] != "pipeline" {
		t.Errorf("expected component pipeline, got %v", entry["component"])
	}
}
