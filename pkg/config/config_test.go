package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Providers.Default != "gemini" {
		t.Errorf("provider = %q", cfg.Providers.Default)
	}
	if cfg.Pipeline.Workers != 4 || cfg.Pipeline.RetryMax != 3 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.ClaimTimeout != 5*time.Minute {
		t.Errorf("claim timeout = %v", cfg.Pipeline.ClaimTimeout)
	}
}

func TestMergeOverridesNonZero(t *testing.T) {
	m := NewManager()
	m.merge(&Config{
		Server:   ServerConfig{Port: 9090},
		Database: DatabaseConfig{DSN: "postgres://localhost/legalflow"},
		Providers: ProvidersConfig{
			Gemini: GeminiConfig{Model: "gemini-2.5-pro"},
		},
	})

	cfg := m.Get()
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Database.DSN != "postgres://localhost/legalflow" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Providers.Gemini.Model != "gemini-2.5-pro" {
		t.Errorf("model = %q", cfg.Providers.Gemini.Model)
	}
	// Untouched fields keep defaults.
	if cfg.Server.Host != "localhost" {
		t.Errorf("host = %q", cfg.Server.Host)
	}
	if cfg.Providers.Default != "gemini" {
		t.Errorf("provider = %q", cfg.Providers.Default)
	}
}

func TestMergeZeroValuesIgnored(t *testing.T) {
	m := NewManager()
	m.merge(&Config{})

	cfg := m.Get()
	if cfg.Server.Port != 8080 || cfg.Pipeline.Workers != 4 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LEGALFLOW_PORT", "7070")
	t.Setenv("LEGALFLOW_REDIS_ADDR", "localhost:6379")
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("LEGALFLOW_WORKERS", "not-a-number")

	m := NewManager()
	m.loadEnv()

	cfg := m.Get()
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Providers.Gemini.APIKey != "test-key" {
		t.Errorf("api key = %q", cfg.Providers.Gemini.APIKey)
	}
	// Unparseable numbers keep the default.
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("workers = %d", cfg.Pipeline.Workers)
	}
}
