package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEffectiveAppliesDefaults(t *testing.T) {
	cfg, _, err := LoadEffective(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.PageSize != 30 {
		t.Fatalf("page size default = %d", cfg.Sync.PageSize)
	}
	if cfg.Send.MaxAttempts != 3 {
		t.Fatalf("max attempts default = %d", cfg.Send.MaxAttempts)
	}
	if cfg.Cache.Backend != "pebble" || cfg.Cache.Limit != 200 {
		t.Fatalf("cache defaults = %q/%d", cfg.Cache.Backend, cfg.Cache.Limit)
	}
	if cfg.Addr() != "0.0.0.0:8471" {
		t.Fatalf("default addr = %q", cfg.Addr())
	}
}

func TestLoadEffectiveReadsFile(t *testing.T) {
	path := writeConfig(t, `
agent:
  user_id: "1001"
backend:
  base_url: "https://chat.example.com/api"
sync:
  page_size: 50
`)
	cfg, _, err := LoadEffective(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.UserID != "1001" {
		t.Fatalf("user id = %q", cfg.Agent.UserID)
	}
	if cfg.Backend.BaseURL != "https://chat.example.com/api" {
		t.Fatalf("base url = %q", cfg.Backend.BaseURL)
	}
	if cfg.Sync.PageSize != 50 {
		t.Fatalf("page size = %d", cfg.Sync.PageSize)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
backend:
  base_url: "https://file.example.com"
`)
	t.Setenv("DMSYNC_BACKEND_URL", "https://env.example.com")
	t.Setenv("DMSYNC_PAGE_SIZE", "17")
	t.Setenv("DMSYNC_ADDR", "127.0.0.1:9000")

	cfg, envUsed, err := LoadEffective(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !envUsed {
		t.Fatal("env overrides not detected")
	}
	if cfg.Backend.BaseURL != "https://env.example.com" {
		t.Fatalf("base url = %q, env should win over file", cfg.Backend.BaseURL)
	}
	if cfg.Sync.PageSize != 17 {
		t.Fatalf("page size = %d", cfg.Sync.PageSize)
	}
	if cfg.Addr() != "127.0.0.1:9000" {
		t.Fatalf("addr = %q", cfg.Addr())
	}
}

func TestResolveConfigPathPrecedence(t *testing.T) {
	t.Setenv("DMSYNC_CONFIG", "/from/env.yaml")
	if got := ResolveConfigPath("/from/flag.yaml", true); got != "/from/flag.yaml" {
		t.Fatalf("explicit flag lost: %q", got)
	}
	if got := ResolveConfigPath("/default.yaml", false); got != "/from/env.yaml" {
		t.Fatalf("env fallback lost: %q", got)
	}
}
