package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "warn", false)
	if err != nil {
		t.Fatalf("NewWithWriter() error: %v", err)
	}

	logger.Info().Msg("hidden")
	logger.Warn().Str("conversation_id", "c1").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line at warn level, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["message"] != "shown" || entry["conversation_id"] != "c1" || entry["service"] != "chatsync" {
		t.Errorf("unexpected entry %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected a timestamp")
	}
}

func TestNewWithWriter_Pretty(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "", true)
	if err != nil {
		t.Fatalf("NewWithWriter() error: %v", err)
	}
	logger.Info().Msg("hello")

	if strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected console output, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("expected message in output, got %q", buf.String())
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New("loud", false); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
