package zerolog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/creditkit/creditkit/pkg/creditkit"
)

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.Info("ledger entry applied",
		creditkit.Field{Key: "user_id", Value: "user1"},
		creditkit.Field{Key: "balance", Value: int64(700)},
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["message"] != "ledger entry applied" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["user_id"] != "user1" {
		t.Errorf("user_id = %v, want user1", entry["user_id"])
	}
	if entry["balance"] != float64(700) {
		t.Errorf("balance = %v, want 700", entry["balance"])
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4", len(lines))
	}
	for i, level := range []string{"debug", "info", "warn", "error"} {
		if !strings.Contains(lines[i], `"level":"`+level+`"`) {
			t.Errorf("line %d = %s, want level %s", i, lines[i], level)
		}
	}
}

func TestLoggerRespectsLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("filtered levels leaked: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn level missing: %s", out)
	}
}
