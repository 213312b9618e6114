// Package config loads engine configuration from flags, environment
// variables, and an optional config file, in that precedence order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every recognized engine option (spec.md §6).
type Config struct {
	Workers              int           `mapstructure:"workers"`
	BatchSize            int           `mapstructure:"batch_size"`
	SampleSize           int           `mapstructure:"sample_size"`
	MaxRetries           int           `mapstructure:"max_retries"`
	DiagnosticThreshold  int           `mapstructure:"diagnostic_threshold"`
	CASRoot              string        `mapstructure:"cas_root"`
	ArchiveRoot          string        `mapstructure:"archive_root"`
	MountRoot            string        `mapstructure:"mount_root"`
	DBURL                string        `mapstructure:"db_url"`
	DryRun               bool          `mapstructure:"dry_run"`
	StaleClaimTTL        time.Duration `mapstructure:"stale_claim_ttl"`
	LogLevel             string        `mapstructure:"log_level"`
	LogJSON              bool          `mapstructure:"log_json"`
	MetricsAddr          string        `mapstructure:"metrics_addr"`
}

// defaults mirrors spec.md §6's recognized-option defaults plus the ambient
// additions documented in SPEC_FULL.md §6.
func defaults() map[string]any {
	return map[string]any{
		"workers":              4,
		"batch_size":           50,
		"sample_size":          1000,
		"max_retries":          50,
		"diagnostic_threshold": 10,
		"cas_root":             "",
		"archive_root":         "",
		"mount_root":           "",
		"db_url":               "",
		"dry_run":              false,
		"stale_claim_ttl":      30 * time.Minute,
		"log_level":            "info",
		"log_json":             false,
		"metrics_addr":         "",
	}
}

// BindFlags registers the shared engine flags on fs (each subcommand calls it
// once at construction) and binds them
// into v so that flags > env > file > defaults precedence holds.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Int("workers", 4, "Workers per medium")
	fs.Int("batch-size", 50, "Inodes claimed per batch")
	fs.Int("sample-size", 1000, "Claim-stage sampling window")
	fs.Int("max-retries", 50, "Per-inode retry budget")
	fs.Int("diagnostic-threshold", 10, "Retries before a diagnostic checkpoint")
	fs.String("cas-root", "", "Path to the by-hash content store")
	fs.String("archive-root", "", "Path to the archive tree root")
	fs.String("mount-root", "", "Path under which per-medium mounts appear")
	fs.String("db-url", "", "PostgreSQL connection string")
	fs.Bool("dry-run", false, "Preview without filesystem or database mutation")
	fs.Duration("stale-claim-ttl", 30*time.Minute, "Age after which an unstale-progressed claim is reclaimable")
	fs.String("log-level", "info", "debug, info, warn, or error")
	fs.Bool("log-json", false, "Emit structured JSON logs instead of console output")
	fs.String("metrics-addr", "", "Address to serve Prometheus metrics on (empty disables)")

	_ = v.BindPFlag("workers", fs.Lookup("workers"))
	_ = v.BindPFlag("batch_size", fs.Lookup("batch-size"))
	_ = v.BindPFlag("sample_size", fs.Lookup("sample-size"))
	_ = v.BindPFlag("max_retries", fs.Lookup("max-retries"))
	_ = v.BindPFlag("diagnostic_threshold", fs.Lookup("diagnostic-threshold"))
	_ = v.BindPFlag("cas_root", fs.Lookup("cas-root"))
	_ = v.BindPFlag("archive_root", fs.Lookup("archive-root"))
	_ = v.BindPFlag("mount_root", fs.Lookup("mount-root"))
	_ = v.BindPFlag("db_url", fs.Lookup("db-url"))
	_ = v.BindPFlag("dry_run", fs.Lookup("dry-run"))
	_ = v.BindPFlag("stale_claim_ttl", fs.Lookup("stale-claim-ttl"))
	_ = v.BindPFlag("log_level", fs.Lookup("log-level"))
	_ = v.BindPFlag("log_json", fs.Lookup("log-json"))
	_ = v.BindPFlag("metrics_addr", fs.Lookup("metrics-addr"))
}

// Load builds a Viper instance reading, in precedence order, already-parsed
// flags on fs, `COPYENGINE_*` environment variables, and an optional config
// file at configPath (skipped silently if empty or missing), falling back to
// defaults(). fs is expected to already carry the flags BindFlags registers
// (a cobra command calls BindFlags once at construction, before argv
// parsing); Load only binds their parsed values, it does not redeclare
// them, so calling it from a command's RunE after cobra has parsed fs is
// safe.
func Load(fs *pflag.FlagSet, configPath string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix("copyengine")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file %s: %w", configPath, err)
			}
		}
	}

	if fs != nil {
		// Flag names use dashes (--cas-root) while config keys use
		// underscores (cas_root); bind each flag under its config key.
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if bindErr == nil {
				bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that required fields are present and internally
// consistent.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.SampleSize < c.BatchSize {
		return fmt.Errorf("sample_size (%d) must be >= batch_size (%d)", c.SampleSize, c.BatchSize)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1, got %d", c.MaxRetries)
	}
	if c.DiagnosticThreshold < 1 || c.DiagnosticThreshold > c.MaxRetries {
		return fmt.Errorf("diagnostic_threshold (%d) must be in [1, max_retries=%d]", c.DiagnosticThreshold, c.MaxRetries)
	}
	if !c.DryRun {
		if c.CASRoot == "" {
			return fmt.Errorf("cas_root is required")
		}
		if c.ArchiveRoot == "" {
			return fmt.Errorf("archive_root is required")
		}
		if c.DBURL == "" {
			return fmt.Errorf("db_url is required")
		}
	}
	if c.StaleClaimTTL <= 0 {
		return fmt.Errorf("stale_claim_ttl must be positive")
	}
	return nil
}
