// Package config loads the pulsewire client configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Server connection
	ServerURL string `yaml:"server_url"`

	// Session behaviour
	Session SessionConfig `yaml:"session"`

	// Reconnect backoff
	Backoff BackoffConfig `yaml:"backoff"`

	// Hybrid polling
	Poll PollConfig `yaml:"poll"`

	// Remote persistence (Redis)
	Redis RedisConfig `yaml:"redis"`

	// Local persistence
	Storage StorageConfig `yaml:"storage"`

	// Observability endpoint
	Metrics MetricsConfig `yaml:"metrics"`
}

// SessionConfig holds per-session behaviour.
type SessionConfig struct {
	ID            string `yaml:"id"`
	AutoReconnect bool   `yaml:"auto_reconnect"`
	// Persistence is one of: none, local, remote.
	Persistence string `yaml:"persistence"`
	HistoryCap  int    `yaml:"history_cap"`
	// SendRate throttles outbound messages per second (0 = unlimited).
	SendRate float64 `yaml:"send_rate"`
	// SendBurst is the throttle burst size.
	SendBurst int `yaml:"send_burst"`
}

// BackoffConfig holds the reconnect backoff policy.
type BackoffConfig struct {
	FloorMs   int `yaml:"floor_ms"`
	CeilingMs int `yaml:"ceiling_ms"`
}

// PollConfig holds the hybrid poll coordinator settings.
type PollConfig struct {
	FetchTimeoutMs int `yaml:"fetch_timeout_ms"`
	IntervalMs     int `yaml:"interval_ms"`
	MaxAttempts    int `yaml:"max_attempts"`
	RetryDelayMs   int `yaml:"retry_delay_ms"`
}

// RedisConfig holds remote store settings.
type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Namespace  string `yaml:"namespace"`
	TTLSeconds int    `yaml:"ttl_seconds"`
	// KeepaliveCron schedules the remote TTL refresh while connected.
	KeepaliveCron string `yaml:"keepalive_cron"`
}

// StorageConfig holds local store settings.
type StorageConfig struct {
	Dir       string `yaml:"dir"`
	Namespace string `yaml:"namespace"`
}

// MetricsConfig holds the observability HTTP endpoint settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.ServerURL == "" {
		cfg.ServerURL = getEnv("PULSEWIRE_SERVER_URL", "ws://localhost:8000/ws/chat/")
	}
	if cfg.Session.Persistence == "" {
		cfg.Session.Persistence = "local"
	}
	if cfg.Session.HistoryCap == 0 {
		cfg.Session.HistoryCap = 1000
	}
	if cfg.Backoff.FloorMs == 0 {
		cfg.Backoff.FloorMs = 1000
	}
	if cfg.Backoff.CeilingMs == 0 {
		cfg.Backoff.CeilingMs = 30000
	}
	if cfg.Poll.FetchTimeoutMs == 0 {
		cfg.Poll.FetchTimeoutMs = 5000
	}
	if cfg.Poll.IntervalMs == 0 {
		cfg.Poll.IntervalMs = 30000
	}
	if cfg.Poll.MaxAttempts == 0 {
		cfg.Poll.MaxAttempts = 3
	}
	if cfg.Poll.RetryDelayMs == 0 {
		cfg.Poll.RetryDelayMs = 2000
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = getEnv("PULSEWIRE_REDIS_ADDR", "localhost:6379")
	}
	if cfg.Redis.Namespace == "" {
		cfg.Redis.Namespace = "session"
	}
	if cfg.Redis.TTLSeconds == 0 {
		cfg.Redis.TTLSeconds = getEnvInt("REDIS_SESSION_TTL", 3600)
	}
	if cfg.Redis.KeepaliveCron == "" {
		cfg.Redis.KeepaliveCron = "@every 10m"
	}
	if cfg.Storage.Namespace == "" {
		cfg.Storage.Namespace = "session"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9100
	}
}

// Durations

func (c BackoffConfig) Floor() time.Duration   { return time.Duration(c.FloorMs) * time.Millisecond }
func (c BackoffConfig) Ceiling() time.Duration { return time.Duration(c.CeilingMs) * time.Millisecond }

func (c PollConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMs) * time.Millisecond
}
func (c PollConfig) Interval() time.Duration   { return time.Duration(c.IntervalMs) * time.Millisecond }
func (c PollConfig) RetryDelay() time.Duration { return time.Duration(c.RetryDelayMs) * time.Millisecond }

func (c RedisConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
