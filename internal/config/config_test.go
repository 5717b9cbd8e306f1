package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("TRACE_CACHE_TTL_SECONDS", "")
	t.Setenv("LOT_LOCK_TTL_SECONDS", "")
	t.Setenv("SEED_DEMO_DATA", "")

	cfg := Load()
	if cfg.Address() != ":8080" {
		t.Fatalf("expected default address :8080, got %s", cfg.Address())
	}
	if cfg.TraceCacheTTL() != 30*time.Second || cfg.LotLockTTL() != 15*time.Second {
		t.Fatalf("unexpected ttl defaults %v / %v", cfg.TraceCacheTTL(), cfg.LotLockTTL())
	}
	if !cfg.SeedDemoData {
		t.Fatalf("expected demo data seeded by default")
	}
}

func TestLoadRejectsInvalidNumbers(t *testing.T) {
	t.Setenv("TRACE_CACHE_TTL_SECONDS", "-5")
	t.Setenv("LOT_LOCK_TTL_SECONDS", "soon")
	t.Setenv("REDIS_DB", "x")
	t.Setenv("SEED_DEMO_DATA", "false")

	cfg := Load()
	if cfg.TraceCacheTTLSeconds != 30 || cfg.LotLockTTLSeconds != 15 || cfg.RedisDB != 0 {
		t.Fatalf("expected fallbacks, got %+v", cfg)
	}
	if cfg.SeedDemoData {
		t.Fatalf("expected SEED_DEMO_DATA=false to be honoured")
	}
}
