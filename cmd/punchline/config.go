package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all punchline server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	SandboxRoot     string `json:"sandbox_root"`
	ResourceCommand string `json:"resource_command"`
	DBPath          string `json:"db_path"`
	PolicyPath      string `json:"policy_path"`
	FallbackDir     string `json:"fallback_dir"`
	LogLevel        string `json:"log_level"`

	BackendURL    string `json:"backend_url"`
	BackendModel  string `json:"backend_model"`
	BackendAPIKey string `json:"backend_api_key"`

	Moderation  string `json:"moderation"` // "heuristic" or "model"
	PoolSize    int    `json:"pool_size"`
	RebuildSpec string `json:"rebuild_spec"`
}

func defaultConfig() Config {
	dir := punchlineDir()
	return Config{
		SandboxRoot:     filepath.Join(dir, "corpus"),
		ResourceCommand: "punchline-fs",
		DBPath:          filepath.Join(dir, "punchline.db"),
		PolicyPath:      filepath.Join(dir, "policy.json"),
		FallbackDir:     filepath.Join(dir, "fallback"),
		LogLevel:        "info",
		BackendModel:    "gpt-4o-mini",
		Moderation:      "heuristic",
		PoolSize:        4,
		RebuildSpec:     "0 3 * * *",
	}
}

func punchlineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".punchline"
	}
	return filepath.Join(home, ".punchline")
}

func settingsPath() string {
	return filepath.Join(punchlineDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PUNCHLINE_SANDBOX_ROOT"); v != "" {
		cfg.SandboxRoot = v
	}
	if v := os.Getenv("PUNCHLINE_RESOURCE_COMMAND"); v != "" {
		cfg.ResourceCommand = v
	}
	if v := os.Getenv("PUNCHLINE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PUNCHLINE_POLICY_PATH"); v != "" {
		cfg.PolicyPath = v
	}
	if v := os.Getenv("PUNCHLINE_FALLBACK_DIR"); v != "" {
		cfg.FallbackDir = v
	}
	if v := os.Getenv("PUNCHLINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PUNCHLINE_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("PUNCHLINE_BACKEND_MODEL"); v != "" {
		cfg.BackendModel = v
	}
	if v := os.Getenv("PUNCHLINE_BACKEND_API_KEY"); v != "" {
		cfg.BackendAPIKey = v
	}
	if v := os.Getenv("PUNCHLINE_MODERATION"); v != "" {
		cfg.Moderation = v
	}
	if v := os.Getenv("PUNCHLINE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("PUNCHLINE_REBUILD_SPEC"); v != "" {
		cfg.RebuildSpec = v
	}

	return cfg
}

// resourceCommand splits the configured resource service command into argv.
func (c Config) resourceCommand() []string {
	return strings.Fields(c.ResourceCommand)
}
