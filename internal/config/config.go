// Package config loads process-wide cache defaults.
// Settings are layered: defaults → cachekit-config.json → environment
// variables (env vars win). These are the process-wide fallbacks consulted
// when a decorator-level option (see the top-level cachekit package) is
// left unset; decorator configuration always overrides these defaults.
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds process-wide cache defaults.
type Config struct {
	L2ConnectionURL string `json:"l2ConnectionUrl"` // e.g. redis://host:6379/0
	L2PoolSize      int    `json:"l2PoolSize"`
	L2SocketTimeout time.Duration `json:"l2SocketTimeoutMs"`
	DefaultTTL      time.Duration `json:"defaultTtlSeconds"`
	MasterKeyHex    string `json:"masterKeyHex"` // hex-encoded; never logged
	LogLevel        string `json:"logLevel"`
}

// Load returns config with defaults overridden by cachekit-config.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "cachekit-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		L2ConnectionURL: "",
		L2PoolSize:      10,
		L2SocketTimeout:  2 * time.Second,
		DefaultTTL:       5 * time.Minute,
		LogLevel:         "info",
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	var raw struct {
		L2ConnectionURL string `json:"l2ConnectionUrl"`
		L2PoolSize      int    `json:"l2PoolSize"`
		L2SocketTimeoutMs int  `json:"l2SocketTimeoutMs"`
		DefaultTTLSeconds int  `json:"defaultTtlSeconds"`
		MasterKeyHex    string `json:"masterKeyHex"`
		LogLevel        string `json:"logLevel"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
		return
	}
	if raw.L2ConnectionURL != "" {
		cfg.L2ConnectionURL = raw.L2ConnectionURL
	}
	if raw.L2PoolSize > 0 {
		cfg.L2PoolSize = raw.L2PoolSize
	}
	if raw.L2SocketTimeoutMs > 0 {
		cfg.L2SocketTimeout = time.Duration(raw.L2SocketTimeoutMs) * time.Millisecond
	}
	if raw.DefaultTTLSeconds > 0 {
		cfg.DefaultTTL = time.Duration(raw.DefaultTTLSeconds) * time.Second
	}
	if raw.MasterKeyHex != "" {
		cfg.MasterKeyHex = raw.MasterKeyHex
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
	log.Printf("[CONFIG] Loaded %s", path)
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("CACHEKIT_L2_URL"); v != "" {
		cfg.L2ConnectionURL = v
	}
	if v := os.Getenv("CACHEKIT_L2_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.L2PoolSize = n
		}
	}
	if v := os.Getenv("CACHEKIT_L2_SOCKET_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.L2SocketTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("CACHEKIT_DEFAULT_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("CACHEKIT_MASTER_KEY_HEX"); v != "" {
		cfg.MasterKeyHex = v
	}
	if v := os.Getenv("CACHEKIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
