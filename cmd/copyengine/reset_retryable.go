package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vm-wylbur/ntt-copy/internal/config"
	"github.com/vm-wylbur/ntt-copy/internal/logging"
	"github.com/vm-wylbur/ntt-copy/internal/store"
)

// newResetRetryableCmd exposes the explicit operator action that moves
// every failed_retryable inode on a medium back into the claimable queue.
// failed_permanent rows are untouched: promoting those back requires
// deciding they're worth re-attempting at all, which is an operator
// judgment call this command does not make for them.
func newResetRetryableCmd() *cobra.Command {
	var mediumHash, configPath string

	cmd := &cobra.Command{
		Use:   "reset-retryable",
		Short: "Move failed_retryable inodes on a medium back into the claimable queue",
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

			n, err := st.ResetRetryable(ctx, mediumHash)
			if err != nil {
				return fmt.Errorf("reset retryable: %w", err)
			}
			fmt.Printf("%d inodes reset to pending\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&mediumHash, "medium", "", "medium_hash to reset (required)")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML/TOML/JSON config file")
	_ = cmd.MarkFlagRequired("medium")
	config.BindFlags(viper.New(), cmd.Flags())

	return cmd
}
