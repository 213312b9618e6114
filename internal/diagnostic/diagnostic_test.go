package diagnostic

import (
	"errors"
	"testing"

	"github.com/vm-wylbur/ntt-copy/internal/classify"
)

func TestRecordDoesNotSkipBeforeThreshold(t *testing.T) {
	s := New(10)
	for i := 0; i < 9; i++ {
		skip, _ := s.Record("medium-a", 1, errors.New("read failed"))
		if skip {
			t.Fatalf("skip = true on attempt %d, want false before threshold", i+1)
		}
	}
}

func TestRecordCheckpointsAtThresholdWithoutAutoSkipForGenericError(t *testing.T) {
	s := New(3)
	var skip bool
	for i := 0; i < 3; i++ {
		skip, _ = s.Record("medium-a", 1, errors.New("generic failure"))
	}
	if skip {
		t.Error("skip = true for a generic (non-BEYOND_EOF) error, want false")
	}
}

func TestRecordAutoSkipsOnBeyondEOF(t *testing.T) {
	s := New(2)
	s.Record("medium-a", 1, errors.New("warmup"))
	skip, reason := s.Record("medium-a", 1, &classify.ShortRead{Expected: 100, Got: 50})
	if !skip {
		t.Fatal("skip = false for BEYOND_EOF at threshold, want true")
	}
	if reason != "BEYOND_EOF" {
		t.Errorf("reason = %q, want BEYOND_EOF", reason)
	}
}

func TestClaimedByTagFormatsSentinel(t *testing.T) {
	got := ClaimedByTag("BEYOND_EOF")
	if got != "DIAGNOSTIC_SKIP:BEYOND_EOF" {
		t.Errorf("ClaimedByTag = %q, want DIAGNOSTIC_SKIP:BEYOND_EOF", got)
	}
}

func TestFlushProblemsReturnsNilWhenNoCheckpoints(t *testing.T) {
	s := New(10)
	data, err := s.FlushProblems()
	if err != nil {
		t.Fatalf("FlushProblems: %v", err)
	}
	if data != nil {
		t.Errorf("FlushProblems = %s, want nil with no checkpoints", data)
	}
}

func TestFlushProblemsIncludesCheckpointedEvents(t *testing.T) {
	s := New(1)
	s.Record("medium-a", 5, errors.New("boom"))

	data, err := s.FlushProblems()
	if err != nil {
		t.Fatalf("FlushProblems: %v", err)
	}
	if data == nil {
		t.Fatal("FlushProblems = nil, want JSON payload after a checkpoint")
	}
}

func TestForgetClearsHistoryForSubsequentRuns(t *testing.T) {
	s := New(2)
	s.Record("medium-a", 1, errors.New("x"))
	s.Forget("medium-a", 1)

	// After forgetting, a fresh run of failures should need threshold
	// attempts again, not immediately checkpoint. Without Forget this
	// BEYOND_EOF error would be the second failure and auto-skip.
	skip, _ := s.Record("medium-a", 1, &classify.ShortRead{Expected: 100, Got: 50})
	if skip {
		t.Error("skip = true immediately after Forget, want history reset")
	}
}
