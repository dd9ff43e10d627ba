package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cascadehq/cascade/internal/planner"
)

// Config holds all cascade server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string                         `json:"db_path"`
	LogLevel      string                         `json:"log_level"`
	SweepSeconds  int                            `json:"sweep_seconds"`
	VacuumHours   int                            `json:"vacuum_hours"`
	QueueBuffer   int                            `json:"queue_buffer"`
	ScanLimit     int                            `json:"scan_limit"`
	AllowFullScan bool                           `json:"allow_full_scan"`
	Indexes       map[string][]planner.IndexSpec `json:"indexes"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(cascadeDir(), "cascade.db"),
		LogLevel:     "info",
		SweepSeconds: 60,
		VacuumHours:  24,
		QueueBuffer:  256,
		ScanLimit:    500,
	}
}

func cascadeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cascade"
	}
	return filepath.Join(home, ".cascade")
}

func settingsPath() string {
	return filepath.Join(cascadeDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CASCADE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CASCADE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CASCADE_SWEEP_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepSeconds = n
		}
	}
	if v := os.Getenv("CASCADE_VACUUM_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VacuumHours = n
		}
	}
	if v := os.Getenv("CASCADE_QUEUE_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueBuffer = n
		}
	}
	if v := os.Getenv("CASCADE_SCAN_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanLimit = n
		}
	}
	if v := os.Getenv("CASCADE_ALLOW_FULL_SCAN"); v != "" {
		cfg.AllowFullScan = v == "true" || v == "1"
	}

	return cfg
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.SweepSeconds) * time.Second
}

func (c Config) vacuumInterval() time.Duration {
	if c.VacuumHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.VacuumHours) * time.Hour
}
