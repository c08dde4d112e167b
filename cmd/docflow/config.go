package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all docflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	SweepIntervalMs int    `json:"sweep_interval_ms"`
	VaultPassphrase string `json:"vault_passphrase"`
	VaultSalt       string `json:"vault_salt"`
	NotifyWebhook   string `json:"notify_webhook"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:      ":4200",
		DBPath:          filepath.Join(docflowDir(), "docflow.db"),
		LogLevel:        "info",
		PoolSize:        10,
		SweepIntervalMs: 30_000,
	}
}

func docflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".docflow"
	}
	return filepath.Join(home, ".docflow")
}

func settingsPath() string {
	return filepath.Join(docflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("DOCFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DOCFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DOCFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DOCFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("DOCFLOW_SWEEP_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepIntervalMs = n
		}
	}
	if v := os.Getenv("DOCFLOW_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("DOCFLOW_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("DOCFLOW_NOTIFY_WEBHOOK"); v != "" {
		cfg.NotifyWebhook = v
	}

	return cfg
}
