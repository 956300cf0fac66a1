package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(Config{Level: "debug"}, &buf), "scheduler")
	logger.Debug().Str("symbol", "005930").Msg("tick")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "scheduler" || line["symbol"] != "005930" {
		t.Fatalf("unexpected fields: %#v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Fatal("timestamp missing")
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn"}, &buf)
	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
}
