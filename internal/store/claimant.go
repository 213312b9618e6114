package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vm-wylbur/ntt-copy/internal/types"
)

// claimBatchSQL implements the block-sampling-then-re-randomize claim
// query: the inner ORDER BY random() LIMIT sampleSize bounds the window
// Postgres has to consider so the planner never builds a full sorted
// scan of the eligible set, and re-randomizes on every call so concurrent
// workers don't converge on the same leading edge of the index. FOR
// UPDATE SKIP LOCKED gives claim exclusivity without blocking.
const claimBatchSQL = `
UPDATE inode SET claimed_by = $1, claimed_at = now()
WHERE (medium_hash, ino) IN (
  SELECT medium_hash, ino FROM (
    SELECT medium_hash, ino FROM inode
    WHERE medium_hash = $2
      AND fs_type = 'f'
      AND claimed_by IS NULL
      AND status IN ('pending', 'failed_retryable')
    ORDER BY random()
    LIMIT $3
    FOR UPDATE SKIP LOCKED
  ) AS sample
  ORDER BY random()
  LIMIT $4
)
RETURNING medium_hash, ino, fs_type, size, mtime, nlink, fingerprint,
  status, error_type, errors, claimed_by, claimed_at, processed_at, attempt_count,
  symlink_target
`

// claimNonFileBatchSQL is the "separate lightweight path" for directories,
// symlinks, and special files: they carry no bytes to read, so they skip
// the hasher/CAS entirely and are claimed independently of file inodes.
const claimNonFileBatchSQL = `
UPDATE inode SET claimed_by = $1, claimed_at = now()
WHERE (medium_hash, ino) IN (
  SELECT medium_hash, ino FROM inode
  WHERE medium_hash = $2
    AND fs_type != 'f'
    AND claimed_by IS NULL
    AND status IN ('pending', 'failed_retryable')
  ORDER BY random()
  LIMIT $3
  FOR UPDATE SKIP LOCKED
)
RETURNING medium_hash, ino, fs_type, size, mtime, nlink, fingerprint,
  status, error_type, errors, claimed_by, claimed_at, processed_at, attempt_count,
  symlink_target
`

// reclaimStaleSQL is the second, separate recovery path for claims whose
// worker died or stalled: any file row without a sentinel tag whose claim
// is older than ttl is considered abandoned (processed_at is not
// consulted). Kept in its own statement,
// never mixed into claimBatchSQL, so the two recovery paths stay
// independently auditable.
const reclaimStaleSQL = `
UPDATE inode SET claimed_by = $1, claimed_at = now()
WHERE (medium_hash, ino) IN (
  SELECT medium_hash, ino FROM (
    SELECT medium_hash, ino FROM inode
    WHERE medium_hash = $2
      AND fs_type = 'f'
      AND claimed_by IS NOT NULL
      AND claimed_by NOT LIKE 'MAX_RETRIES_EXCEEDED'
      AND claimed_by NOT LIKE 'DIAGNOSTIC_SKIP:%'
      AND claimed_at < now() - $3::interval
    ORDER BY random()
    LIMIT $4
    FOR UPDATE SKIP LOCKED
  ) AS sample
  ORDER BY random()
  LIMIT $5
)
RETURNING medium_hash, ino, fs_type, size, mtime, nlink, fingerprint,
  status, error_type, errors, claimed_by, claimed_at, processed_at, attempt_count,
  symlink_target
`

// ClaimBatch claims up to batchSize pending/failed_retryable file inodes
// for mediumHash, tagging them with workerTag. sampleSize bounds the
// candidate window considered before the outer re-randomized LIMIT.
func (s *Store) ClaimBatch(ctx context.Context, mediumHash, workerTag string, sampleSize, batchSize int) (types.InodeBatch, error) {
	inodes, err := s.runClaimQuery(ctx, claimBatchSQL, workerTag, mediumHash, sampleSize, batchSize)
	if err != nil {
		return types.InodeBatch{}, fmt.Errorf("claim batch: %w", err)
	}
	return types.NewInodeBatch(inodes), nil
}

// ReclaimStale recovers up to batchSize inodes whose claim has gone
// stale (older than ttl, no sentinel tag), re-tagging them with
// workerTag so a new worker can make progress on abandoned work.
func (s *Store) ReclaimStale(ctx context.Context, mediumHash, workerTag string, ttl time.Duration, sampleSize, batchSize int) (types.InodeBatch, error) {
	inodes, err := s.runClaimQuery(ctx, reclaimStaleSQL, workerTag, mediumHash, ttl, sampleSize, batchSize)
	if err != nil {
		return types.InodeBatch{}, fmt.Errorf("reclaim stale: %w", err)
	}
	return types.NewInodeBatch(inodes), nil
}

// ClaimNonFileBatch claims up to batchSize pending/failed_retryable
// directory, symlink, or special inodes for mediumHash. Directories and
// symlinks have no bytes to read, so they bypass the hasher/CAS entirely;
// this is the separate lightweight claim path for them, independent of
// ClaimBatch's file-only eligibility predicate.
func (s *Store) ClaimNonFileBatch(ctx context.Context, mediumHash, workerTag string, batchSize int) (types.InodeBatch, error) {
	inodes, err := s.runClaimQuery(ctx, claimNonFileBatchSQL, workerTag, mediumHash, batchSize)
	if err != nil {
		return types.InodeBatch{}, fmt.Errorf("claim non-file batch: %w", err)
	}
	return types.NewInodeBatch(inodes), nil
}

func (s *Store) runClaimQuery(ctx context.Context, sql string, args ...any) ([]*types.Inode, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inodes []*types.Inode
	for rows.Next() {
		inode, err := scanInode(rows)
		if err != nil {
			return nil, err
		}
		inodes = append(inodes, inode)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachPaths(ctx, inodes); err != nil {
		return nil, err
	}
	return inodes, nil
}

func scanInode(rows pgx.Rows) (*types.Inode, error) {
	var in types.Inode
	var fsType string
	err := rows.Scan(
		&in.MediumHash, &in.Ino, &fsType, &in.Size, &in.MTime, &in.NLink, &in.Fingerprint,
		&in.Status, &in.ErrorType, &in.Errors, &in.ClaimedBy, &in.ClaimedAt, &in.ProcessedAt, &in.AttemptCount,
		&in.SymlinkTarget,
	)
	if err != nil {
		return nil, err
	}
	in.FSType = types.FSType(fsType)
	return &in, nil
}

// attachPaths loads path rows for each claimed inode so the hasher and
// materializer have raw path bytes without a round trip per inode.
func (s *Store) attachPaths(ctx context.Context, inodes []*types.Inode) error {
	if len(inodes) == 0 {
		return nil
	}
	byKey := make(map[uint64]*types.Inode, len(inodes))
	mediumHash := inodes[0].MediumHash
	inoList := make([]uint64, 0, len(inodes))
	for _, in := range inodes {
		byKey[in.Ino] = in
		inoList = append(inoList, in.Ino)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT ino, raw_path, exclude_reason, fingerprint FROM path
		 WHERE medium_hash = $1 AND ino = ANY($2)`,
		mediumHash, inoList,
	)
	if err != nil {
		return fmt.Errorf("load paths: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ino uint64
		var p types.Path
		if err := rows.Scan(&ino, &p.RawPath, &p.ExcludeReason, &p.Fingerprint); err != nil {
			return fmt.Errorf("scan path: %w", err)
		}
		p.MediumHash = mediumHash
		p.Ino = ino
		if in, ok := byKey[ino]; ok {
			in.Paths = append(in.Paths, p)
		}
	}
	return rows.Err()
}

// ReleaseClaim clears claimed_by/claimed_at on an inode without changing
// its status. The supervisor does not call it; its soft-deadline path
// commits unfinished inodes as retryable failures instead.
func (s *Store) ReleaseClaim(ctx context.Context, mediumHash string, ino uint64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE inode SET claimed_by = NULL, claimed_at = NULL
		 WHERE medium_hash = $1 AND ino = $2`,
		mediumHash, ino,
	)
	if err != nil {
		return fmt.Errorf("release claim (%s, %d): %w", mediumHash, ino, err)
	}
	return nil
}

// ReleaseBatch clears claimed_by/claimed_at for every ino in a batch
// without changing status, leaving the rows exactly as they were before
// ClaimBatch/ClaimNonFileBatch claimed them. Used by the dry-run path:
// a dry run previews the work a real run would do and must leave the DB
// byte-identical to before it started, so claimed rows are released
// instead of committed.
func (s *Store) ReleaseBatch(ctx context.Context, mediumHash string, inos []uint64) error {
	if len(inos) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE inode SET claimed_by = NULL, claimed_at = NULL
		 WHERE medium_hash = $1 AND ino = ANY($2)`,
		mediumHash, inos,
	)
	if err != nil {
		return fmt.Errorf("release batch: %w", err)
	}
	return nil
}
