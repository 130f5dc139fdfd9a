package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnBadNumbers(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "0")
	t.Setenv("RECEIPT_CACHE_TTL_SECONDS", "soon")
	t.Setenv("MAX_CONFLICT_RETRIES", "-2")
	t.Setenv("LOYALTY_EARN_PESOS_PER_POINT", "-5")
	t.Setenv("LOYALTY_REDEEM_PESO_PER_POINT", "abc")

	cfg := Load()
	if cfg.AccessTokenTTL() != 480*time.Minute {
		t.Fatalf("expected default token ttl, got %s", cfg.AccessTokenTTL())
	}
	if cfg.ReceiptCacheTTL() != 10*time.Minute {
		t.Fatalf("expected default receipt ttl, got %s", cfg.ReceiptCacheTTL())
	}
	if cfg.MaxConflictRetries != 3 {
		t.Fatalf("expected default retries, got %d", cfg.MaxConflictRetries)
	}
	if !cfg.EarnPesosPerPoint.Equal(decimal.NewFromInt(10)) || !cfg.RedeemPesoPerPoint.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected default loyalty rates, got %s and %s", cfg.EarnPesosPerPoint, cfg.RedeemPesoPerPoint)
	}
}

func TestLoadReadsLoyaltyRates(t *testing.T) {
	t.Setenv("LOYALTY_EARN_PESOS_PER_POINT", "20")
	t.Setenv("LOYALTY_REDEEM_PESO_PER_POINT", "0.5")
	t.Setenv("BOOTSTRAP_OWNER_USERNAME", "  Nena ")

	cfg := Load()
	if !cfg.EarnPesosPerPoint.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected earn rate 20, got %s", cfg.EarnPesosPerPoint)
	}
	if !cfg.RedeemPesoPerPoint.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected redeem rate 0.5, got %s", cfg.RedeemPesoPerPoint)
	}
	if cfg.BootstrapOwnerUsername != "nena" {
		t.Fatalf("expected normalized username, got %q", cfg.BootstrapOwnerUsername)
	}
}

func TestLoggingFollowsEnvironment(t *testing.T) {
	dev := Config{AppEnv: "development", LogLevel: "debug"}.Logging()
	if !dev.Development || dev.DisableStacktrace {
		t.Fatalf("expected development logging, got %+v", dev)
	}
	prod := Config{AppEnv: "production", LogLevel: "info"}.Logging()
	if prod.Development || !prod.DisableStacktrace {
		t.Fatalf("expected production logging, got %+v", prod)
	}
}
