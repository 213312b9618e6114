// Package diagnostic watches per-inode retry history for a run's workers and
// emits a structured checkpoint when an inode keeps failing. When the
// pattern matches a recognized unrecoverable signature (BEYOND_EOF), it
// force-skips the inode so one bad file cannot stall the worker.
package diagnostic

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vm-wylbur/ntt-copy/internal/classify"
	"github.com/vm-wylbur/ntt-copy/internal/logging"
	"github.com/vm-wylbur/ntt-copy/internal/metrics"
	"github.com/vm-wylbur/ntt-copy/internal/types"
)

// inodeKey identifies one inode within a single medium.
type inodeKey struct {
	mediumHash string
	ino        uint64
}

// entry tracks one inode's failure history.
type entry struct {
	retryCount   int
	lastErrors   []string // bounded ring of the most recent messages
	checkpointed bool
}

const maxRememberedErrors = 5

// Event is a structured diagnostic checkpoint, either logged or folded
// into the medium's deferred problems summary.
type Event struct {
	MediumHash string    `json:"medium_hash"`
	Ino        uint64    `json:"ino"`
	RetryCount int       `json:"retry_count"`
	LastErrors []string  `json:"last_errors"`
	AutoSkip   bool      `json:"auto_skip"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Service is a diagnostic tracker guarded by a mutex, so one Service can be
// shared by all of a supervisor's workers. An entry is dropped when its
// inode is auto-skipped or Forget is called; the map has no size cap and
// does not spill entries anywhere.
type Service struct {
	mu        sync.Mutex
	entries   map[inodeKey]*entry
	deferred  []Event // in memory only; rendered by FlushProblems
	threshold int
}

// New returns a Service that emits a checkpoint after threshold
// consecutive failures for the same inode.
func New(threshold int) *Service {
	return &Service{
		entries:   make(map[inodeKey]*entry),
		threshold: threshold,
	}
}

// Record registers one failed attempt for (mediumHash, ino) and reports
// whether the inode should now be force-skipped (and, if so, why).
func (s *Service) Record(mediumHash string, ino uint64, err error) (skip bool, reason string) {
	key := inodeKey{mediumHash, ino}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.retryCount++
	e.lastErrors = append(e.lastErrors, err.Error())
	if len(e.lastErrors) > maxRememberedErrors {
		e.lastErrors = e.lastErrors[len(e.lastErrors)-maxRememberedErrors:]
	}

	if e.retryCount < s.threshold || e.checkpointed {
		return false, ""
	}
	e.checkpointed = true

	autoSkip := classify.IsBeyondEOF(err)
	if autoSkip {
		reason = "BEYOND_EOF"
	}

	event := Event{
		MediumHash: mediumHash,
		Ino:        ino,
		RetryCount: e.retryCount,
		LastErrors: append([]string(nil), e.lastErrors...),
		AutoSkip:   autoSkip,
		Reason:     reason,
	}
	s.deferred = append(s.deferred, event)
	metrics.DiagnosticCheckpointsTotal.WithLabelValues(mediumHash).Inc()

	logging.WithComponent("diagnostic").Warn().
		Str("medium_hash", mediumHash).
		Uint64("ino", ino).
		Int("retry_count", e.retryCount).
		Bool("auto_skip", autoSkip).
		Msg("diagnostic checkpoint")

	if autoSkip {
		delete(s.entries, key) // terminal: no further bookkeeping needed
	}
	return autoSkip, reason
}

// ClaimedByTag returns the sentinel claimed_by value for a force-skipped
// inode, e.g. "DIAGNOSTIC_SKIP:BEYOND_EOF".
func ClaimedByTag(reason string) string {
	return types.SentinelDiagnosticSkip + reason
}

// Forget drops tracking state for an inode that succeeded or failed
// permanently, so
// a transient run of failures doesn't count against a later, unrelated
// run of failures for the same row.
func (s *Service) Forget(mediumHash string, ino uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, inodeKey{mediumHash, ino})
}

// FlushProblems renders the accumulated deferred events as a JSON blob
// suitable for the medium.problems column. It does not write to the
// database itself, and the only caller (`run`, via
// Supervisor.FlushDiagnostics) logs the JSON rather than writing it to
// medium.problems; the events are lost on crash (spec.md §4.7: "best-
// effort operator telemetry").
func (s *Service) FlushProblems() ([]byte, error) {
	s.mu.Lock()
	events := append([]Event(nil), s.deferred...)
	s.mu.Unlock()

	if len(events) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(map[string]any{"diagnostic_events": events})
	if err != nil {
		return nil, fmt.Errorf("marshal diagnostic events: %w", err)
	}
	return data, nil
}
