package main

import (
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vm-wylbur/ntt-copy/internal/cas"
	"github.com/vm-wylbur/ntt-copy/internal/config"
	"github.com/vm-wylbur/ntt-copy/internal/logging"
	"github.com/vm-wylbur/ntt-copy/internal/metrics"
	"github.com/vm-wylbur/ntt-copy/internal/store"
	"github.com/vm-wylbur/ntt-copy/internal/supervisor"
)

// errNothingToDo signals the "no claimable work" outcome (exit code 2),
// distinct from a terminal failure.
var errNothingToDo = errors.New("nothing to do")

type runOptions struct {
	mediumHash    string
	configPath    string
	stageDir      string
	batchDeadline string
	showProgress  bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{showProgress: true}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run claim-analyze-execute workers against one medium until the queue drains",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.mediumHash, "medium", "", "medium_hash to process (required)")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to a YAML/TOML/JSON config file")
	cmd.Flags().StringVar(&opts.stageDir, "stage-dir", "", "Scratch directory for staged content (same filesystem as cas-root)")
	cmd.Flags().StringVar(&opts.batchDeadline, "batch-deadline", "", "Soft per-batch time budget (e.g. 5m); empty disables")
	cmd.Flags().BoolVar(&opts.showProgress, "progress", true, "Show a terminal heartbeat while running")
	_ = cmd.MarkFlagRequired("medium")

	// Registers the shared engine flags (--workers, --cas-root, ...) on
	// this command's flag set so cobra parses them from argv; the throwaway
	// viper here is never read, config.Load rebinds the real one in RunE.
	config.BindFlags(viper.New(), cmd.Flags())

	return cmd
}

func runRun(cmd *cobra.Command, opts *runOptions) error {
	cfg, err := config.Load(cmd.Flags(), opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level: logging.Level(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	log := logging.WithComponent("cmd").With().Str("medium_hash", opts.mediumHash).Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		stopMetrics := serveMetrics(cfg.MetricsAddr, log)
		defer stopMetrics()
	}

	st, err := store.Open(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.ApplySchema(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if err := st.EnsurePartition(ctx, opts.mediumHash); err != nil {
		return fmt.Errorf("ensure partition: %w", err)
	}

	casStore := cas.New(cfg.CASRoot)

	batchDeadline, err := parseDuration(opts.batchDeadline)
	if err != nil {
		return fmt.Errorf("invalid --batch-deadline: %w", err)
	}

	supCfg := supervisor.Config{
		MediumHash:          opts.mediumHash,
		Workers:             cfg.Workers,
		BatchSize:           cfg.BatchSize,
		SampleSize:          cfg.SampleSize,
		MaxRetries:          cfg.MaxRetries,
		DiagnosticThreshold: cfg.DiagnosticThreshold,
		StaleClaimTTL:       cfg.StaleClaimTTL,
		BatchDeadline:       batchDeadline,
		DryRun:              cfg.DryRun,
		ResumeCachePath:     resumeCachePath(cfg),
		ShowProgress:        opts.showProgress,
	}

	stageDir := opts.stageDir
	if stageDir == "" {
		stageDir = cfg.CASRoot + "/.stage"
	}

	mountPoint := filepath.Join(cfg.MountRoot, opts.mediumHash)
	sup, err := supervisor.New(supCfg, st, casStore, mountPoint, cfg.ArchiveRoot, stageDir)
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}
	defer func() {
		if cerr := sup.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("close supervisor")
		}
	}()

	stats, err := sup.Run(ctx)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	if problems, ferr := sup.FlushDiagnostics(); ferr != nil {
		log.Warn().Err(ferr).Msg("flush diagnostics")
	} else if problems != nil {
		log.Info().RawJSON("problems", problems).Msg("diagnostic checkpoints recorded")
	}

	if _, rerr := st.ReconcileQueueStats(ctx, opts.mediumHash); rerr != nil {
		log.Warn().Err(rerr).Msg("reconcile queue stats")
	}

	log.Info().Str("stats", stats.String()).Msg("done")
	if stats.Claimed.Load() == 0 {
		return errNothingToDo
	}
	return nil
}

// resumeCachePath derives the BoltDB path under the CAS root. The file is
// shared by all media (entries are keyed by medium_hash). An empty cas
// root disables resumption rather than guessing a location.
func resumeCachePath(cfg *config.Config) string {
	if cfg.CASRoot == "" {
		return ""
	}
	return cfg.CASRoot + "/.resume.db"
}

func parseDuration(s string) (d time.Duration, err error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// serveMetrics starts the Prometheus scrape endpoint in the background
// and returns a function that shuts it down. A listen failure is logged,
// not fatal — metrics are an observability aid, not load-bearing for a
// run's correctness.
func serveMetrics(addr string, log zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server exited")
		}
	}()

	return func() {
		_ = srv.Close()
	}
}
