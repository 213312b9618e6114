package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vm-wylbur/ntt-copy/internal/types"
)

// Outcome is what the claim-analyze-execute pipeline decided for one
// inode, ready to be folded into a transactional batch commit.
type Outcome struct {
	Inode        *types.Inode
	Fingerprint  []byte // nil on failure, and nil for non-file successes (no blob)
	Success      bool
	ErrorType    types.ErrorKind
	ErrorMessage string
	ClaimedBy    string // sentinel tag to leave behind on permanent failure/skip, "" to clear the claim

	// HardlinksMaterialized is the number of non-excluded Paths actually
	// hardlinked into the archive tree for this inode in this batch — one
	// per Path, not one per inode, so a multi-path (hardlinked) inode
	// credits its blob's hardlink count correctly.
	HardlinksMaterialized int64
}

// CommitBatch applies a whole batch of outcomes in a single transaction:
// either every inode's row update (and, for successes, the denormalized
// blobs upsert) lands, or none does. No partial-batch commit on a
// terminal failure within the batch, per spec.md §4.5/§9.
//
// After the per-row updates, successful outcomes are grouped by fingerprint
// (groupByFingerprint, ordered with the generic types.NewSorted collection)
// so that several inodes sharing content in one batch — e.g. multiple
// zero-length files — produce one blobs upsert instead of duplicate
// ON CONFLICT statements for the same key inside one transaction.
func (s *Store) CommitBatch(ctx context.Context, outcomes []Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, o := range outcomes {
		if err := applyOutcome(ctx, tx, o); err != nil {
			return fmt.Errorf("apply outcome for ino %d: %w", o.Inode.Ino, err)
		}
	}

	for _, group := range groupByFingerprint(outcomes) {
		if err := upsertBlob(ctx, tx, group); err != nil {
			return fmt.Errorf("upsert blob: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch transaction: %w", err)
	}
	return nil
}

func applyOutcome(ctx context.Context, tx pgx.Tx, o Outcome) error {
	in := o.Inode
	if o.Success {
		_, err := tx.Exec(ctx,
			`UPDATE inode SET status = 'success', fingerprint = $1, claimed_by = NULL,
			 processed_at = now() WHERE medium_hash = $2 AND ino = $3`,
			o.Fingerprint, in.MediumHash, in.Ino,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE path SET fingerprint = $1 WHERE medium_hash = $2 AND ino = $3`,
			o.Fingerprint, in.MediumHash, in.Ino,
		)
		return err
	}

	status := types.StatusFailedRetryable
	claimedBy := o.ClaimedBy // "" clears the claim so the row is reclaimable
	if o.ClaimedBy != "" {
		status = types.StatusFailedPermanent
	}

	_, err := tx.Exec(ctx,
		`UPDATE inode SET status = $1, error_type = $2,
		 errors = array_append(errors, $3), claimed_by = NULLIF($4, ''),
		 attempt_count = attempt_count + 1
		 WHERE medium_hash = $5 AND ino = $6`,
		status, string(o.ErrorType), o.ErrorMessage, claimedBy, in.MediumHash, in.Ino,
	)
	return err
}

// groupByFingerprint collapses successful outcomes sharing content into
// one representative blob row each, using the deterministic hex-keyed
// Sorted collection so the upsert order is stable for any given batch.
func groupByFingerprint(outcomes []Outcome) []fingerprintGroup {
	byHex := make(map[string]*fingerprintGroup)
	var order []string
	for _, o := range outcomes {
		if !o.Success || o.Fingerprint == nil {
			continue
		}
		hex := string(o.Fingerprint)
		g, ok := byHex[hex]
		if !ok {
			g = &fingerprintGroup{fingerprint: o.Fingerprint}
			byHex[hex] = g
			order = append(order, hex)
		}
		g.count += o.HardlinksMaterialized
	}

	groups := make([]fingerprintGroup, 0, len(order))
	sorted := types.NewSorted(order, func(h string) string { return h })
	for _, hex := range sorted.Items() {
		groups = append(groups, *byHex[hex])
	}
	return groups
}

type fingerprintGroup struct {
	fingerprint []byte
	count       int64
}

// upsertBlob inserts a Blob row for the fingerprint if absent, or
// increments its hardlink count otherwise, crediting the number of new
// hardlinks just materialized (spec.md §4.5 step 3) against both the
// observed count (n_hardlinks) and the expected count (expected_hardlinks,
// the running total of distinct Paths referencing this fingerprint).
func upsertBlob(ctx context.Context, tx pgx.Tx, g fingerprintGroup) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO blobs (fingerprint, n_hardlinks, expected_hardlinks, external_last_checked)
		 VALUES ($1, $2, $2, NULL)
		 ON CONFLICT (fingerprint) DO UPDATE
		 SET n_hardlinks = blobs.n_hardlinks + excluded.n_hardlinks,
		     expected_hardlinks = blobs.expected_hardlinks + excluded.expected_hardlinks`,
		g.fingerprint, g.count,
	)
	return err
}

// ResetRetryable moves every failed_retryable inode on mediumHash back to
// pending, clearing its claim. failed_permanent rows are left untouched:
// the core does not auto-promote permanent failures (spec.md §9 Open
// Question 2); that is a deliberate operator action outside this core.
func (s *Store) ResetRetryable(ctx context.Context, mediumHash string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inode SET status = 'pending', claimed_by = NULL, claimed_at = NULL
		 WHERE medium_hash = $1 AND status = 'failed_retryable'`,
		mediumHash,
	)
	if err != nil {
		return 0, fmt.Errorf("reset retryable: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StaleClaimTTL returns the effective stale-claim TTL for mediumHash:
// the per-medium override if set, else def.
func (s *Store) StaleClaimTTL(ctx context.Context, mediumHash string, def time.Duration) (time.Duration, error) {
	var override *time.Duration
	err := s.pool.QueryRow(ctx,
		`SELECT stale_claim_ttl_override FROM medium WHERE medium_hash = $1`,
		mediumHash,
	).Scan(&override)
	if err != nil {
		if err == pgx.ErrNoRows {
			return def, nil
		}
		return def, fmt.Errorf("load stale_claim_ttl_override: %w", err)
	}
	if override != nil {
		return *override, nil
	}
	return def, nil
}
