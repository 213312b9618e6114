// Package supervisor spawns N worker goroutines bound to a single medium,
// runs each through the claim-analyze-execute loop, propagates shutdown
// signals, and aggregates stats. Fan-out structure (WaitGroup, buffered
// error channel, atomic counters) is carried from the teacher's
// scanner.Scanner.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vm-wylbur/ntt-copy/internal/cache"
	"github.com/vm-wylbur/ntt-copy/internal/cas"
	"github.com/vm-wylbur/ntt-copy/internal/classify"
	"github.com/vm-wylbur/ntt-copy/internal/diagnostic"
	"github.com/vm-wylbur/ntt-copy/internal/hasher"
	"github.com/vm-wylbur/ntt-copy/internal/logging"
	"github.com/vm-wylbur/ntt-copy/internal/materializer"
	"github.com/vm-wylbur/ntt-copy/internal/metrics"
	"github.com/vm-wylbur/ntt-copy/internal/progress"
	"github.com/vm-wylbur/ntt-copy/internal/store"
	"github.com/vm-wylbur/ntt-copy/internal/types"
)

// Config controls one supervised run against a single medium.
type Config struct {
	MediumHash          string
	Workers             int
	BatchSize           int
	SampleSize          int
	MaxRetries          int
	DiagnosticThreshold int
	StaleClaimTTL       time.Duration
	BatchDeadline       time.Duration // soft deadline; 0 disables
	DryRun              bool
	ResumeCachePath     string // empty disables the resumption cache
	ShowProgress        bool   // display a terminal heartbeat spinner while Run is active
}

// Stats aggregates lock-free counters across all workers for one run.
type Stats struct {
	Claimed   atomic.Int64
	Succeeded atomic.Int64
	Retried   atomic.Int64
	Failed    atomic.Int64
	StartTime time.Time
}

func (s *Stats) String() string {
	return fmt.Sprintf("claimed %s, succeeded %s, retried %s, failed %s in %s",
		humanize.Comma(s.Claimed.Load()), humanize.Comma(s.Succeeded.Load()),
		humanize.Comma(s.Retried.Load()), humanize.Comma(s.Failed.Load()),
		time.Since(s.StartTime).Round(time.Second))
}

// Supervisor runs a worker pool against one medium.
type Supervisor struct {
	cfg          Config
	st           *store.Store
	casStore     *cas.Store
	materializer *materializer.Materializer
	hasher       *hasher.Hasher
	diag         *diagnostic.Service
	stats        *Stats
}

// New wires up a Supervisor's components. mountRoot and stageDir are
// passed through to the hasher; archiveRoot to the materializer. If
// cfg.ResumeCachePath is set, the hasher's resumption fast path is
// enabled against it.
func New(cfg Config, st *store.Store, casStore *cas.Store, mountRoot, archiveRoot, stageDir string) (*Supervisor, error) {
	h := hasher.New(mountRoot, stageDir, cfg.Workers)
	if cfg.ResumeCachePath != "" {
		c, err := cache.Open(cfg.ResumeCachePath)
		if err != nil {
			return nil, fmt.Errorf("open resumption cache: %w", err)
		}
		h = h.WithResumption(c, casStore)
	}

	return &Supervisor{
		cfg:          cfg,
		st:           st,
		casStore:     casStore,
		materializer: materializer.New(archiveRoot, casStore),
		hasher:       h,
		diag:         diagnostic.New(cfg.DiagnosticThreshold),
		stats:        &Stats{StartTime: time.Now()},
	}, nil
}

// Run starts cfg.Workers goroutines, each independently looping claim →
// hash → stage CAS → materialize → commit until ctx is cancelled or a
// claim returns no work. Graceful shutdown: workers finish their current
// batch's commit (or roll it back) before exiting; Run does not return
// until every worker has done so.
func (sup *Supervisor) Run(ctx context.Context) (*Stats, error) {
	log := logging.WithComponent("supervisor").With().Str("medium_hash", sup.cfg.MediumHash).Logger()
	log.Info().Int("workers", sup.cfg.Workers).Msg("starting run")

	var wg sync.WaitGroup
	errCh := make(chan error, sup.cfg.Workers)

	if sup.cfg.ShowProgress {
		stop := sup.runHeartbeat()
		defer stop()
	}

	for i := 0; i < sup.cfg.Workers; i++ {
		wg.Add(1)
		workerID := i
		go func() {
			defer wg.Done()
			metrics.WorkersActive.WithLabelValues(sup.cfg.MediumHash).Inc()
			defer metrics.WorkersActive.WithLabelValues(sup.cfg.MediumHash).Dec()

			if err := sup.runWorker(ctx, workerID); err != nil {
				errCh <- fmt.Errorf("worker %d: %w", workerID, err)
			}
		}()
	}

	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		log.Error().Err(err).Msg("worker exited with error")
		if firstErr == nil {
			firstErr = err
		}
	}

	log.Info().Str("stats", sup.stats.String()).Msg("run finished")
	return sup.stats, firstErr
}

// runHeartbeat displays a spinner describing live stats while a run is in
// progress, and returns a stop function that finishes the bar with a
// final summary line. Grounded on the teacher's own progressbar-based
// run summary, adapted from "files scanned so far" to the Stats counters.
func (sup *Supervisor) runHeartbeat() func() {
	bar := progress.New(true, -1)
	ticker := time.NewTicker(200 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				bar.Describe(sup.stats)
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
		bar.Finish(sup.stats)
	}
}

// runWorker loops claim→process→commit until ctx is done or a claim call
// returns an empty batch, signaling no more eligible work right now.
func (sup *Supervisor) runWorker(ctx context.Context, workerID int) error {
	log := logging.WithWorker(workerID)
	workerTag := fmt.Sprintf("worker-%d-%d", workerID, time.Now().UnixNano())

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := sup.st.ClaimBatch(ctx, sup.cfg.MediumHash, workerTag, sup.cfg.SampleSize, sup.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		if batch.Len() == 0 {
			// No fresh file work; recover file claims abandoned by a dead
			// or stalled worker before turning to non-file inodes.
			ttl, terr := sup.st.StaleClaimTTL(ctx, sup.cfg.MediumHash, sup.cfg.StaleClaimTTL)
			if terr != nil {
				return fmt.Errorf("stale claim ttl: %w", terr)
			}
			batch, err = sup.st.ReclaimStale(ctx, sup.cfg.MediumHash, workerTag, ttl, sup.cfg.SampleSize, sup.cfg.BatchSize)
			if err != nil {
				return fmt.Errorf("reclaim stale: %w", err)
			}
		}
		if batch.Len() == 0 {
			// No file work left to claim; fall back to the separate
			// lightweight path for directories, symlinks, and specials
			// before concluding there is nothing left to do at all.
			batch, err = sup.st.ClaimNonFileBatch(ctx, sup.cfg.MediumHash, workerTag, sup.cfg.BatchSize)
			if err != nil {
				return fmt.Errorf("claim non-file batch: %w", err)
			}
		}
		if batch.Len() == 0 {
			log.Debug().Msg("no claimable work, worker exiting")
			return nil
		}
		sup.stats.Claimed.Add(int64(batch.Len()))
		metrics.InodesClaimedTotal.WithLabelValues(sup.cfg.MediumHash).Add(float64(batch.Len()))

		batchCtx := ctx
		var cancel context.CancelFunc
		if sup.cfg.BatchDeadline > 0 {
			batchCtx, cancel = context.WithTimeout(ctx, sup.cfg.BatchDeadline)
		}
		hashTimer := metrics.NewTimer()
		outcomes := sup.processBatch(batchCtx, batch, workerTag)
		hashTimer.ObserveDurationVec(metrics.HashDuration, sup.cfg.MediumHash)
		if cancel != nil {
			cancel()
		}

		if sup.cfg.DryRun {
			// A dry run must leave the CAS, archive tree, and DB
			// byte-identical to before it started (spec.md §6); resolveOutcome
			// already skipped every mutating step, so all that is left is to
			// undo ClaimBatch/ClaimNonFileBatch's own row mutation by
			// releasing the claim rather than committing it.
			inos := make([]uint64, 0, batch.Len())
			for _, in := range batch.Items() {
				inos = append(inos, in.Ino)
			}
			if err := sup.st.ReleaseBatch(context.WithoutCancel(ctx), sup.cfg.MediumHash, inos); err != nil {
				return fmt.Errorf("release dry-run batch: %w", err)
			}
			sup.tallyOutcomes(outcomes)
			continue
		}
		commitTimer := metrics.NewTimer()
		// The batch is committed even if ctx was cancelled meanwhile, so a
		// shutdown signal does not strand the claimed rows.
		err = sup.st.CommitBatch(context.WithoutCancel(ctx), outcomes)
		commitTimer.ObserveDurationVec(metrics.CommitDuration, sup.cfg.MediumHash)
		if err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
		sup.tallyOutcomes(outcomes)
	}
}

// processBatch hashes, stages, and materializes every inode in batch,
// producing one store.Outcome per inode ready for a single transactional
// commit. It never partially commits: outcomes are only ever returned
// together for CommitBatch to apply as one transaction.
func (sup *Supervisor) processBatch(ctx context.Context, batch types.InodeBatch, workerTag string) []store.Outcome {
	results := sup.hasher.HashBatch(batch)
	outcomes := make([]store.Outcome, 0, len(results))

	for _, r := range results {
		select {
		case <-ctx.Done():
			outcomes = append(outcomes, store.Outcome{Inode: r.Inode, Success: false, ErrorType: types.ErrorKindUnknown, ErrorMessage: "batch deadline exceeded"})
			continue
		default:
		}
		outcomes = append(outcomes, sup.resolveOutcome(r, workerTag))
	}
	return outcomes
}

// resolveOutcome dispatches a hashed result to the file pipeline (hash
// already done by HashBatch) or to the non-file lightweight path, and
// short-circuits every mutating step for a dry run: no CAS commit, no
// archive-tree write, per spec.md §6 ("no filesystem mutation and no DB
// commit").
func (sup *Supervisor) resolveOutcome(r hasher.Result, workerTag string) store.Outcome {
	if r.Err != nil {
		return sup.failureOutcome(r, workerTag)
	}

	if r.Inode.FSType != types.FSTypeFile {
		return sup.resolveNonFileOutcome(r, workerTag)
	}

	if sup.cfg.DryRun {
		if r.StagedPath != "" {
			_ = os.Remove(r.StagedPath)
		}
		sup.diag.Forget(r.Inode.MediumHash, r.Inode.Ino)
		return store.Outcome{Inode: r.Inode, Fingerprint: r.Fingerprint, Success: true}
	}

	var written int64
	if r.StagedPath != "" {
		// Empty StagedPath means the hasher confirmed the blob was already
		// committed in a prior run (resumption cache hit) — nothing left
		// to stage or copy.
		var err error
		_, written, err = sup.casStore.Commit(r.StagedPath, r.Fingerprint)
		if err != nil {
			wrapped := classify.WrapHashError(err)
			return sup.failureOutcome(hasher.Result{Inode: r.Inode, Err: wrapped, ErrKind: types.ErrorKindHash}, workerTag)
		}
	}
	r.Inode.Fingerprint = r.Fingerprint // materializePaths reads this off the inode, not a param

	links, err := sup.materializePaths(r.Inode)
	if err != nil {
		return sup.failureOutcome(hasher.Result{Inode: r.Inode, Err: err, ErrKind: types.ErrorKindPath}, workerTag)
	}

	if written > 0 {
		metrics.CASBytesWrittenTotal.WithLabelValues(sup.cfg.MediumHash).Add(float64(written))
		metrics.CASBlobsCreatedTotal.WithLabelValues(sup.cfg.MediumHash).Inc()
	}
	metrics.HardlinksCreatedTotal.WithLabelValues(sup.cfg.MediumHash).Add(float64(links))
	sup.diag.Forget(r.Inode.MediumHash, r.Inode.Ino)

	return store.Outcome{Inode: r.Inode, Fingerprint: r.Fingerprint, Success: true, HardlinksMaterialized: links}
}

// resolveNonFileOutcome is the separate lightweight path for directories,
// symlinks, and special files (spec.md §4.1): no read, no hash, no CAS,
// no blob. Directories and symlinks get an archive-tree entry per
// non-excluded Path (spec.md §4.4); sockets, pipes, and device nodes are
// recorded as terminal success without ever being recreated on disk.
func (sup *Supervisor) resolveNonFileOutcome(r hasher.Result, workerTag string) store.Outcome {
	inode := r.Inode
	if sup.cfg.DryRun {
		sup.diag.Forget(inode.MediumHash, inode.Ino)
		return store.Outcome{Inode: inode, Success: true}
	}

	switch inode.FSType {
	case types.FSTypeDir, types.FSTypeSymlink:
		links, err := sup.materializePaths(inode)
		if err != nil {
			return sup.failureOutcome(hasher.Result{Inode: inode, Err: err, ErrKind: types.ErrorKindPath}, workerTag)
		}
		sup.diag.Forget(inode.MediumHash, inode.Ino)
		return store.Outcome{Inode: inode, Success: true, HardlinksMaterialized: links}
	default:
		sup.diag.Forget(inode.MediumHash, inode.Ino)
		return store.Outcome{Inode: inode, Success: true}
	}
}

// materializePaths places an archive-tree entry for every non-excluded
// Path of inode (spec.md §4.4: "for each Path of the Inode"), not just
// the one path used to read its content — a hardlinked inode with N
// reachable paths must yield N archive links, not one. Stops and returns
// the count materialized so far at the first error.
func (sup *Supervisor) materializePaths(inode *types.Inode) (int64, error) {
	var n int64
	for _, p := range inode.Paths {
		if p.Excluded() {
			continue
		}
		if err := sup.materializer.Materialize(inode, p, inode.SymlinkTarget); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (sup *Supervisor) failureOutcome(r hasher.Result, workerTag string) store.Outcome {
	metrics.InodeErrorsTotal.WithLabelValues(sup.cfg.MediumHash, string(r.ErrKind)).Inc()

	skip, reason := sup.diag.Record(r.Inode.MediumHash, r.Inode.Ino, r.Err)
	if skip {
		return store.Outcome{
			Inode: r.Inode, Success: false, ErrorType: r.ErrKind,
			ErrorMessage: r.Err.Error(), ClaimedBy: diagnostic.ClaimedByTag(reason),
		}
	}

	hasAlternate := len(r.Inode.Paths) > 1
	decision := classify.Classify(r.Err, r.ErrKind, r.Inode.AttemptCount+1, sup.cfg.MaxRetries, hasAlternate)

	claimedBy := ""
	if decision == classify.FailPermanent {
		claimedBy = types.SentinelMaxRetries
		sup.diag.Forget(r.Inode.MediumHash, r.Inode.Ino) // terminal: drop its history
	}
	return store.Outcome{
		Inode: r.Inode, Success: false, ErrorType: r.ErrKind,
		ErrorMessage: r.Err.Error(), ClaimedBy: claimedBy,
	}
}

func (sup *Supervisor) tallyOutcomes(outcomes []store.Outcome) {
	for _, o := range outcomes {
		if o.Success {
			sup.stats.Succeeded.Add(1)
			metrics.InodesCommittedTotal.WithLabelValues(sup.cfg.MediumHash).Inc()
		} else if o.ClaimedBy != "" {
			sup.stats.Failed.Add(1)
		} else {
			sup.stats.Retried.Add(1)
		}
	}
}

// Close flushes the resumption cache (if enabled) so its entries survive
// into the next run. Call after Run returns.
func (sup *Supervisor) Close() error {
	return sup.hasher.Close()
}

// FlushDiagnostics returns the JSON payload of any diagnostic checkpoints
// accumulated this run (nil if there were none). It writes nothing to
// the database.
func (sup *Supervisor) FlushDiagnostics() ([]byte, error) {
	return sup.diag.FlushProblems()
}
