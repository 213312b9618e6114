package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInitJSONWritesParsableLines(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSON: true, Output: &buf})

	WithComponent("claimant").Info().Str("medium_hash", "abc").Msg("claimed batch")

	line := strings.TrimSpace(buf.String())
	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("output not valid JSON: %v\nline: %s", err, line)
	}
	if decoded["component"] != "claimant" {
		t.Errorf("component = %v, want claimant", decoded["component"])
	}
	if decoded["message"] != "claimed batch" {
		t.Errorf("message = %v, want %q", decoded["message"], "claimed batch")
	}
}

func TestInitRespectsLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSON: true, Output: &buf})

	Logger.Info().Msg("should be suppressed")
	Logger.Error().Msg("should appear")

	out := buf.String()
	if strings.Contains(out, "should be suppressed") {
		t.Error("info line was emitted despite ErrorLevel filter")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("error line was not emitted")
	}
}

func TestWithMediumAddsField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSON: true, Output: &buf})

	WithMedium("deadbeef").Debug().Msg("starting claim loop")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output not valid JSON: %v", err)
	}
	if decoded["medium_hash"] != "deadbeef" {
		t.Errorf("medium_hash = %v, want deadbeef", decoded["medium_hash"])
	}
}

func TestWithWorkerAddsField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSON: true, Output: &buf})

	WithWorker(3).Debug().Msg("worker started")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output not valid JSON: %v", err)
	}
	if decoded["worker"] != float64(3) {
		t.Errorf("worker = %v, want 3", decoded["worker"])
	}
}
