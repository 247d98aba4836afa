package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.CDPAddress != "127.0.0.1" || cfg.CDPPort != 9222 {
		t.Fatalf("CDP defaults = %s:%d, want 127.0.0.1:9222", cfg.CDPAddress, cfg.CDPPort)
	}
	if cfg.BackendURL != "http://127.0.0.1:8000" {
		t.Fatalf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.BindAddr != "127.0.0.1:8190" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.FlushEvery != 300*time.Second {
		t.Fatalf("FlushEvery = %v, want 5m", cfg.FlushEvery)
	}
	if cfg.EvalTimeout != 10*time.Second {
		t.Fatalf("EvalTimeout = %v, want 10s", cfg.EvalTimeout)
	}
	if !cfg.PortAutoFallback {
		t.Fatal("PortAutoFallback default = false, want true")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WEBTRAIL_CDP_ADDRESS", "10.0.0.5")
	t.Setenv("WEBTRAIL_CDP_PORT", "9333")
	t.Setenv("WEBTRAIL_BACKEND_URL", "https://backend.example/")
	t.Setenv("WEBTRAIL_API_TOKEN", "tok")
	t.Setenv("WEBTRAIL_SEARCH_SPACE_ID", "42")
	t.Setenv("WEBTRAIL_TAB_URL_FILTER", "example.com")
	t.Setenv("WEBTRAIL_FLUSH_INTERVAL_SEC", "60")
	t.Setenv("WEBTRAIL_BIND_CANDIDATES", "127.0.0.1:8191, 127.0.0.1:8192")
	t.Setenv("WEBTRAIL_LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.CDPURL() != "http://10.0.0.5:9333" {
		t.Fatalf("CDPURL() = %q", cfg.CDPURL())
	}
	if cfg.BackendURL != "https://backend.example" {
		t.Fatalf("BackendURL = %q, want trailing slash trimmed", cfg.BackendURL)
	}
	if cfg.APIToken != "tok" || cfg.SearchSpaceID != 42 {
		t.Fatalf("credentials = %q/%d", cfg.APIToken, cfg.SearchSpaceID)
	}
	if cfg.TabURLFilter != "example.com" {
		t.Fatalf("TabURLFilter = %q", cfg.TabURLFilter)
	}
	if cfg.FlushEvery != time.Minute {
		t.Fatalf("FlushEvery = %v, want 1m", cfg.FlushEvery)
	}
	if len(cfg.PortCandidates) != 2 || cfg.PortCandidates[1] != "127.0.0.1:8192" {
		t.Fatalf("PortCandidates = %v", cfg.PortCandidates)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want lowercased", cfg.LogLevel)
	}
}

func TestLoadClampsShortIntervals(t *testing.T) {
	t.Setenv("WEBTRAIL_EVAL_TIMEOUT_MS", "5")
	t.Setenv("WEBTRAIL_FLUSH_INTERVAL_SEC", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.EvalTimeout != time.Second {
		t.Fatalf("EvalTimeout = %v, want clamped to 1s", cfg.EvalTimeout)
	}
	if cfg.FlushEvery != 10*time.Second {
		t.Fatalf("FlushEvery = %v, want clamped to 10s", cfg.FlushEvery)
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("WEBTRAIL_CDP_PORT", "not-a-port")
	t.Setenv("WEBTRAIL_SEARCH_SPACE_ID", "abc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CDPPort != 9222 {
		t.Fatalf("CDPPort = %d, want default 9222", cfg.CDPPort)
	}
	if cfg.SearchSpaceID != 0 {
		t.Fatalf("SearchSpaceID = %d, want default 0", cfg.SearchSpaceID)
	}
}
