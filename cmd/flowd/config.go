package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all flowd worker configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	LogFormat    string `json:"log_format"` // text or json
	PoolSize     int    `json:"pool_size"`
	StepLimit    int    `json:"step_limit"`
	PollSeconds  int    `json:"poll_seconds"`
	RetryCount   int    `json:"retry_count"`
	AIResponse   string `json:"ai_response"` // static stand-in reply
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(flowDir(), "flow.db"),
		LogLevel:    "info",
		LogFormat:   "text",
		PoolSize:    10,
		StepLimit:   1000,
		PollSeconds: 60,
		RetryCount:  3,
	}
}

func flowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ghostworker"
	}
	return filepath.Join(home, ".ghostworker")
}

func settingsPath() string {
	return filepath.Join(flowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("GHOSTWORKER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GHOSTWORKER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GHOSTWORKER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("GHOSTWORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("GHOSTWORKER_STEP_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StepLimit = n
		}
	}
	if v := os.Getenv("GHOSTWORKER_POLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollSeconds = n
		}
	}
	if v := os.Getenv("GHOSTWORKER_RETRY_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryCount = n
		}
	}
	if v := os.Getenv("GHOSTWORKER_AI_RESPONSE"); v != "" {
		cfg.AIResponse = v
	}

	return cfg
}

func (c Config) pollInterval() time.Duration {
	if c.PollSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.PollSeconds) * time.Second
}
