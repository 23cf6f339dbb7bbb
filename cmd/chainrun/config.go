package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all chainrun server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr  string `json:"listen_addr"`
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	PoolSize    int    `json:"pool_size"`
	Panel       bool   `json:"panel"`
	ExecutorURL string `json:"executor_url"`
	TracingURL  string `json:"tracing_url"`

	// StopWaitSeconds bounds how long a stop blocks for the job to settle.
	StopWaitSeconds int `json:"stop_wait_seconds"`
	// StreamIdleGraceSeconds ends a stalled run stream.
	StreamIdleGraceSeconds int `json:"stream_idle_grace_seconds"`
	// RunEventCap bounds the durable per-run event log.
	RunEventCap int `json:"run_event_cap"`
	// RowConcurrency bounds parallel experiment rows.
	RowConcurrency int `json:"row_concurrency"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:             ":4200",
		DBPath:                 filepath.Join(chainrunDir(), "chainrun.db"),
		LogLevel:               "info",
		PoolSize:               10,
		StopWaitSeconds:        10,
		StreamIdleGraceSeconds: 60,
		RunEventCap:            2000,
		RowConcurrency:         8,
	}
}

func chainrunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainrun"
	}
	return filepath.Join(home, ".chainrun")
}

func settingsPath() string {
	return filepath.Join(chainrunDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CHAINRUN_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CHAINRUN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CHAINRUN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHAINRUN_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CHAINRUN_PANEL"); v != "" {
		cfg.Panel = v == "true" || v == "1"
	}
	if v := os.Getenv("CHAINRUN_EXECUTOR_URL"); v != "" {
		cfg.ExecutorURL = v
	}
	if v := os.Getenv("CHAINRUN_TRACING_URL"); v != "" {
		cfg.TracingURL = v
	}
	if v := os.Getenv("CHAINRUN_STOP_WAIT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StopWaitSeconds = n
		}
	}
	if v := os.Getenv("CHAINRUN_STREAM_IDLE_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StreamIdleGraceSeconds = n
		}
	}
	if v := os.Getenv("CHAINRUN_RUN_EVENT_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RunEventCap = n
		}
	}
	if v := os.Getenv("CHAINRUN_ROW_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RowConcurrency = n
		}
	}

	return cfg
}

func (c Config) stopWait() time.Duration {
	return time.Duration(c.StopWaitSeconds) * time.Second
}

func (c Config) streamIdleGrace() time.Duration {
	return time.Duration(c.StreamIdleGraceSeconds) * time.Second
}
