package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/duetline/duetline/pkg/orchestrator"
)

func TestLogger_ImplementsOrchestratorLogger(t *testing.T) {
	var _ orchestrator.Logger = (*Logger)(nil)
}

func TestLogger_WritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: LevelDebug, Console: false, Out: &buf})

	l.Info("transcription completed", "sessionID", "abc123", "length", 42)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log line, got error: %v, line: %s", err, buf.String())
	}

	if entry["message"] != "transcription completed" {
		t.Errorf("expected message field, got %v", entry["message"])
	}
	if entry["sessionID"] != "abc123" {
		t.Errorf("expected sessionID=abc123, got %v", entry["sessionID"])
	}
	if entry["length"] != float64(42) {
		t.Errorf("expected length=42, got %v", entry["length"])
	}
}

func TestLogger_ErrorArgRendersAsErrField(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: LevelDebug, Console: false, Out: &buf})

	l.Error("LLM generation failed", "sessionID", "abc123", "error", errors.New("boom"))

	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("expected log line to contain the error text, got: %s", buf.String())
	}
}

func TestLogger_RespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: LevelWarn, Console: false, Out: &buf})

	l.Debug("should not appear")
	l.Info("should not appear either")

	if buf.Len() != 0 {
		t.Errorf("expected no output below the configured level, got: %s", buf.String())
	}

	l.Warn("should appear")
	if buf.Len() == 0 {
		t.Error("expected output at the configured level")
	}
}
