//go:build unit

package config

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Server.Port)
	}
	if cfg.DB.Driver != "sqlite3" {
		t.Errorf("expected default driver sqlite3, got %q", cfg.DB.Driver)
	}
	if cfg.DB.MigrationsPath != "migrations" {
		t.Errorf("expected default migrations path, got %q", cfg.DB.MigrationsPath)
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("expected default cache ttl 5m, got %v", cfg.Cache.TTL)
	}
	if cfg.Sweep.Interval != 10*time.Minute {
		t.Errorf("expected default sweep interval 10m, got %v", cfg.Sweep.Interval)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Errorf("unexpected default log config: %+v", cfg.Log)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("INKPRESS_DB_DRIVER", "mysql")
	t.Setenv("INKPRESS_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.DB.Driver != "mysql" {
		t.Errorf("expected env override for driver, got %q", cfg.DB.Driver)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected env override for log level, got %q", cfg.Log.Level)
	}
}
