package app

import "testing"

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("LOG_MODE", "development")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("http addr: want=:8080 got=%q", cfg.HTTPAddr)
	}
	if !cfg.SweepEnabled || !cfg.WorkerEnabled {
		t.Fatalf("background loops should default on: sweep=%v worker=%v", cfg.SweepEnabled, cfg.WorkerEnabled)
	}
	if cfg.Checkout.DefaultCurrency != "USD" {
		t.Fatalf("default currency: want=USD got=%q", cfg.Checkout.DefaultCurrency)
	}
}

func TestLoadConfigRequiresRedis(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error without REDIS_ADDR")
	}
}

func TestProductionRequiresSecrets(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("LOG_MODE", "production")
	t.Setenv("KMS_MASTER_KEYS", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error without KMS keys in production")
	}
}
