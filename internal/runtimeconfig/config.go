package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DefaultProvider string    `yaml:"default_provider"`
	Providers       Providers `yaml:"providers"`
	Sync            Sync      `yaml:"sync"`
	Snapshot        Snapshot  `yaml:"snapshot"`
}

type Providers struct {
	Cloud CloudConfig `yaml:"cloud"`
	Local LocalConfig `yaml:"local"`
}

type CloudConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	APIKeyEnv      string `yaml:"api_key_env"`
	Template       string `yaml:"template"`
	Ports          []int  `yaml:"ports"`
	TimeoutSeconds int64  `yaml:"timeout_seconds"` // initial sandbox timeout
}

type LocalConfig struct {
	Workdir string `yaml:"workdir"`
	Ports   []int  `yaml:"ports"`
}

type Sync struct {
	DebounceMS int64 `yaml:"debounce_ms"`
	BatchCap   int   `yaml:"batch_cap"`
}

type Snapshot struct {
	ChunkBytes        int   `yaml:"chunk_bytes"`
	ChunkFiles        int   `yaml:"chunk_files"`
	InterChunkDelayMS int64 `yaml:"inter_chunk_delay_ms"`
}

// ResolveAPIKey returns the cloud API key, preferring the literal value
// over the environment indirection.
func (c CloudConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	envName := strings.TrimSpace(c.APIKeyEnv)
	if envName == "" {
		envName = "WORKROOM_API_KEY"
	}
	return strings.TrimSpace(os.Getenv(envName))
}

// Timeout returns the configured initial sandbox timeout.
func (c CloudConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "workroom", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "workroom", "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.DefaultProvider = strings.TrimSpace(cfg.DefaultProvider)
	return cfg, path, nil
}
