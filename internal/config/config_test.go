package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func validConfig() Config {
	return Config{
		Workers:             4,
		BatchSize:           50,
		SampleSize:          1000,
		MaxRetries:          50,
		DiagnosticThreshold: 10,
		CASRoot:             "/cas",
		ArchiveRoot:         "/archive",
		DBURL:               "postgres://localhost/copyengine",
		StaleClaimTTL:       1,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsZeroWorkers(t *testing.T) {
	c := validConfig()
	c.Workers = 0
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for workers=0")
	}
}

func TestValidateRejectsSampleSizeBelowBatchSize(t *testing.T) {
	c := validConfig()
	c.SampleSize = 10
	c.BatchSize = 50
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error when sample_size < batch_size")
	}
}

func TestValidateRejectsDiagnosticThresholdAboveMaxRetries(t *testing.T) {
	c := validConfig()
	c.MaxRetries = 5
	c.DiagnosticThreshold = 10
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error when diagnostic_threshold > max_retries")
	}
}

func TestValidateRequiresRootsUnlessDryRun(t *testing.T) {
	c := validConfig()
	c.CASRoot = ""
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for missing cas_root")
	}

	c.DryRun = true
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil when dry_run skips root requirements", err)
	}
}

func TestValidateRejectsNonPositiveStaleClaimTTL(t *testing.T) {
	c := validConfig()
	c.StaleClaimTTL = 0
	if err := c.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for stale_claim_ttl=0")
	}
}

// TestLoadDoesNotPanicWhenFlagsAlreadyRegistered mirrors how a cobra
// command actually uses this package: BindFlags registers flags once at
// construction, cobra parses argv into that same flag set, and then Load
// is called from RunE against the already-populated set. Load must only
// bind parsed values, never re-declare the flags, or this would panic
// with "flag redefined".
func TestLoadDoesNotPanicWhenFlagsAlreadyRegistered(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(viper.New(), fs)

	if err := fs.Parse([]string{"--workers", "8", "--cas-root", "/cas", "--archive-root", "/archive", "--db-url", "postgres://x"}); err != nil {
		t.Fatalf("fs.Parse: %v", err)
	}

	cfg, err := Load(fs, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.CASRoot != "/cas" {
		t.Errorf("CASRoot = %q, want /cas", cfg.CASRoot)
	}
}
