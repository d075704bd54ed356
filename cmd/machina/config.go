package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all machina server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	Scheduler     bool   `json:"scheduler"`
	RecoverMissed bool   `json:"recover_missed"`
	VacuumOnStart bool   `json:"vacuum_on_start"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        "", // empty means in-memory state
		LogLevel:      "info",
		PoolSize:      10,
		Scheduler:     true,
		RecoverMissed: true,
	}
}

func machinaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".machina"
	}
	return filepath.Join(home, ".machina")
}

func settingsPath() string {
	return filepath.Join(machinaDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("MACHINA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MACHINA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MACHINA_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("MACHINA_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}
	if v := os.Getenv("MACHINA_RECOVER_MISSED"); v != "" {
		cfg.RecoverMissed = v == "true" || v == "1"
	}
	if v := os.Getenv("MACHINA_VACUUM_ON_START"); v != "" {
		cfg.VacuumOnStart = v == "true" || v == "1"
	}

	return cfg
}
