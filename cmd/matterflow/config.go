package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all matterflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	ReminderLookahead string `json:"reminder_lookahead"` // Go duration, e.g. "48h"
	ReminderInterval  string `json:"reminder_interval"`  // Go duration, e.g. "60s"
	OTelMetrics       bool   `json:"otel_metrics"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(matterflowDir(), "matterflow.db"),
		LogLevel:          "info",
		ReminderLookahead: "48h",
		ReminderInterval:  "60s",
	}
}

func matterflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".matterflow"
	}
	return filepath.Join(home, ".matterflow")
}

func settingsPath() string {
	return filepath.Join(matterflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("MATTERFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MATTERFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MATTERFLOW_REMINDER_LOOKAHEAD"); v != "" {
		cfg.ReminderLookahead = v
	}
	if v := os.Getenv("MATTERFLOW_REMINDER_INTERVAL"); v != "" {
		cfg.ReminderInterval = v
	}
	if v := os.Getenv("MATTERFLOW_OTEL_METRICS"); v != "" {
		cfg.OTelMetrics = v == "true" || v == "1"
	}

	return cfg
}

func (c Config) reminderLookahead() time.Duration {
	d, err := time.ParseDuration(c.ReminderLookahead)
	if err != nil {
		return 48 * time.Hour
	}
	return d
}

func (c Config) reminderInterval() time.Duration {
	d, err := time.ParseDuration(c.ReminderInterval)
	if err != nil {
		return 60 * time.Second
	}
	return d
}
