package store

import (
	"context"
	"fmt"

	"github.com/vm-wylbur/ntt-copy/internal/metrics"
)

// QueueStat is one (status, count) pair for a medium.
type QueueStat struct {
	Status string
	Count  int64
}

// ReconcileQueueStats recomputes queue_stats for mediumHash from the
// authoritative inode table and republishes it to the Prometheus gauge.
// The core never trusts queue_stats for correctness decisions. The schema
// defines no trigger on inode, so this full-scan recompute is the only
// thing that writes queue_stats; `run` calls it once after the supervisor
// finishes, and the `reconcile` subcommand calls it on demand (spec.md
// Design Notes: "a DB-side schema concern" the core treats strictly as a
// monitoring hint).
func (s *Store) ReconcileQueueStats(ctx context.Context, mediumHash string) ([]QueueStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM inode WHERE medium_hash = $1 GROUP BY status`,
		mediumHash,
	)
	if err != nil {
		return nil, fmt.Errorf("reconcile queue stats: %w", err)
	}
	defer rows.Close()

	var stats []QueueStat
	for rows.Next() {
		var st QueueStat
		if err := rows.Scan(&st.Status, &st.Count); err != nil {
			return nil, fmt.Errorf("scan queue stat: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin queue_stats refresh: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM queue_stats WHERE medium_hash = $1`, mediumHash); err != nil {
		return nil, fmt.Errorf("clear queue_stats: %w", err)
	}
	for _, st := range stats {
		if _, err := tx.Exec(ctx,
			`INSERT INTO queue_stats (medium_hash, status, count, updated_at)
			 VALUES ($1, $2, $3, now())`,
			mediumHash, st.Status, st.Count,
		); err != nil {
			return nil, fmt.Errorf("insert queue_stats: %w", err)
		}
		metrics.QueueDepth.WithLabelValues(mediumHash, st.Status).Set(float64(st.Count))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit queue_stats refresh: %w", err)
	}
	return stats, nil
}
