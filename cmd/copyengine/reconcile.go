package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vm-wylbur/ntt-copy/internal/config"
	"github.com/vm-wylbur/ntt-copy/internal/logging"
	"github.com/vm-wylbur/ntt-copy/internal/store"
)

func newReconcileCmd() *cobra.Command {
	var mediumHash, configPath string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute queue_stats for a medium from the authoritative inode table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags(), configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logging.Init(logging.Config{Level: logging.Level(cfg.LogLevel), JSON: cfg.LogJSON})

			ctx := cmd.Context()
			st, err := store.Open(ctx, cfg.DBURL)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			stats, err := st.ReconcileQueueStats(ctx, mediumHash)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			for _, s := range stats {
				fmt.Printf("%s\t%s\t%d\n", mediumHash, s.Status, s.Count)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mediumHash, "medium", "", "medium_hash to reconcile (required)")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML/TOML/JSON config file")
	_ = cmd.MarkFlagRequired("medium")
	config.BindFlags(viper.New(), cmd.Flags())

	return cmd
}
