package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("load with no config file: %v", err)
	}
	if path == "" {
		t.Fatalf("expected a resolved config path")
	}
	if cfg.DefaultProvider != "" {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadParsesProviders(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "workroom")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := []byte(`
default_provider: cloud
providers:
  cloud:
    base_url: https://sandboxes.example.com
    api_key: secret
    template: node-20
    ports: [3000, 5173]
    timeout_seconds: 600
  local:
    workdir: /tmp/proj
sync:
  debounce_ms: 250
  batch_cap: 40
`)
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultProvider != "cloud" {
		t.Fatalf("default provider: got %q", cfg.DefaultProvider)
	}
	if cfg.Providers.Cloud.BaseURL != "https://sandboxes.example.com" {
		t.Fatalf("cloud base url: got %q", cfg.Providers.Cloud.BaseURL)
	}
	if got := cfg.Providers.Cloud.ResolveAPIKey(); got != "secret" {
		t.Fatalf("api key: got %q", got)
	}
	if len(cfg.Providers.Cloud.Ports) != 2 || cfg.Providers.Cloud.Ports[1] != 5173 {
		t.Fatalf("ports: got %v", cfg.Providers.Cloud.Ports)
	}
	if cfg.Sync.DebounceMS != 250 || cfg.Sync.BatchCap != 40 {
		t.Fatalf("sync overrides: got %+v", cfg.Sync)
	}
}

func TestResolveAPIKeyFallsBackToEnv(t *testing.T) {
	t.Setenv("WORKROOM_API_KEY", "from-env")
	cfg := CloudConfig{}
	if got := cfg.ResolveAPIKey(); got != "from-env" {
		t.Fatalf("api key from env: got %q", got)
	}
}
