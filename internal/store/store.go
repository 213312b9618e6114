// Package store is the PostgreSQL-backed persistence layer for the
// copy/dedup engine: work claiming, transactional batch commits, and
// queue-depth reconciliation, all via pgx/v5.
package store

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaDDL string

// Store wraps a pgx connection pool and exposes the claim/commit/
// reconcile operations the engine's components need.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dbURL and returns a ready Store. Callers must call
// Close when done.
func Open(ctx context.Context, dbURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// ApplySchema applies the embedded logical schema idempotently. Safe to
// call on every startup; every statement is CREATE ... IF NOT EXISTS.
func (s *Store) ApplySchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// EnsurePartition creates the per-medium list partitions for inode and
// path the first time a medium is processed. Partition names are derived
// from mediumHash, which is already a fixed-width hex digest and safe to
// interpolate as an identifier after validation.
func (s *Store) EnsurePartition(ctx context.Context, mediumHash string) error {
	if err := validateMediumHash(mediumHash); err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS inode_%s PARTITION OF inode FOR VALUES IN ('%s')`,
			mediumHash, mediumHash,
		),
		fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS path_%s PARTITION OF path FOR VALUES IN ('%s')`,
			mediumHash, mediumHash,
		),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure partition for medium %s: %w", mediumHash, err)
		}
	}
	return nil
}

// validateMediumHash rejects anything that isn't a plain hex string, since
// the hash is interpolated directly into a partition name (no bind
// parameter support for DDL identifiers in pgx).
func validateMediumHash(h string) error {
	if len(h) == 0 || len(h) > 64 {
		return fmt.Errorf("invalid medium_hash length: %d", len(h))
	}
	for _, c := range h {
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHex {
			return fmt.Errorf("invalid medium_hash %q: must be hex", h)
		}
	}
	return nil
}
