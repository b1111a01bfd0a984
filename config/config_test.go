package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/leaseflow")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Lifecycle.SignatureWindow != 72*time.Hour {
		t.Errorf("SignatureWindow = %s, want 72h", cfg.Lifecycle.SignatureWindow)
	}
	if cfg.Lifecycle.FeeWindow != 48*time.Hour || cfg.Lifecycle.DepositWindow != 48*time.Hour {
		t.Errorf("payment windows = %s/%s, want 48h each", cfg.Lifecycle.FeeWindow, cfg.Lifecycle.DepositWindow)
	}
	if !cfg.Lifecycle.FeeRate.Equal(decimal.NewFromFloat(0.05)) {
		t.Errorf("FeeRate = %s, want 0.05", cfg.Lifecycle.FeeRate)
	}
	if cfg.Sweep.OutboxBatchSize != 50 || cfg.Sweep.OutboxMaxAttempts != 5 {
		t.Errorf("outbox settings = %d/%d, want 50/5", cfg.Sweep.OutboxBatchSize, cfg.Sweep.OutboxMaxAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/leaseflow")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SIGNATURE_WINDOW", "24h")
	t.Setenv("AGREEMENT_FEE_RATE", "0.03")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lifecycle.SignatureWindow != 24*time.Hour {
		t.Errorf("SignatureWindow = %s, want 24h", cfg.Lifecycle.SignatureWindow)
	}
	if !cfg.Lifecycle.FeeRate.Equal(decimal.RequireFromString("0.03")) {
		t.Errorf("FeeRate = %s, want 0.03", cfg.Lifecycle.FeeRate)
	}
}

func TestLoadRequiredVars(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "s3cret")
	if _, err := Load(); err == nil {
		t.Error("Load should fail without DATABASE_URL")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/leaseflow")
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Error("Load should fail without JWT_SECRET")
	}
}

func TestLoadRejectsBadFeeRate(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/leaseflow")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("AGREEMENT_FEE_RATE", "five percent")

	if _, err := Load(); err == nil {
		t.Error("Load should reject a non-numeric fee rate")
	}
}
