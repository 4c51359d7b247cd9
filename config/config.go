// Package config holds the daemon's configuration surface. Values come
// from environment variables (REALTIME_*), optionally seeded from a YAML
// file; environment always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`
	// AllowedOrigins lists origins permitted to open cross-origin
	// connections. Empty means same-origin only is not enforced.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowedOrigins"`
	// RedisURL is the shared store connection string. Empty runs the broker
	// in single-process mode.
	RedisURL string `yaml:"redis_url" json:"redisUrl"`
	// JWTSecret signs and verifies connection credentials.
	JWTSecret string `yaml:"jwt_secret" json:"jwtSecret"`
	// JWTIssuer is the expected credential issuer.
	JWTIssuer string `yaml:"jwt_issuer" json:"jwtIssuer"`
	// HeartbeatTimeout is how long a silent transport survives.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" json:"heartbeatTimeout"`
	// RateLimitMax and RateLimitWindow set the default inbound event cap.
	RateLimitMax    int           `yaml:"rate_limit_max" json:"rateLimitMax"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window" json:"rateLimitWindow"`
	// ReapInterval / ReapThreshold drive stale-connection reaping.
	ReapInterval  time.Duration `yaml:"reap_interval" json:"reapInterval"`
	ReapThreshold time.Duration `yaml:"reap_threshold" json:"reapThreshold"`
	// StatsInterval is how often aggregate stats are logged.
	StatsInterval time.Duration `yaml:"stats_interval" json:"statsInterval"`
	// StoreCheckInterval is how often shared-store health is probed.
	StoreCheckInterval time.Duration `yaml:"store_check_interval" json:"storeCheckInterval"`
	// HistoryLength caps the rolling per-channel message log.
	HistoryLength int64 `yaml:"history_length" json:"historyLength"`
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() Config {
	return Config{
		Listen:             ":8080",
		JWTIssuer:          "givebridge",
		HeartbeatTimeout:   60 * time.Second,
		RateLimitMax:       60,
		RateLimitWindow:    time.Minute,
		ReapInterval:       5 * time.Minute,
		ReapThreshold:      30 * time.Minute,
		StatsInterval:      10 * time.Minute,
		StoreCheckInterval: time.Minute,
		HistoryLength:      100,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (when
// non-empty and present), then environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("config: REALTIME_JWT_SECRET is required")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REALTIME_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("REALTIME_ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		c.AllowedOrigins = c.AllowedOrigins[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, p)
			}
		}
	}
	if v := os.Getenv("REALTIME_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("REALTIME_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("REALTIME_JWT_ISSUER"); v != "" {
		c.JWTIssuer = v
	}
	envDuration("REALTIME_HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout)
	envDuration("REALTIME_RATE_LIMIT_WINDOW", &c.RateLimitWindow)
	envDuration("REALTIME_REAP_INTERVAL", &c.ReapInterval)
	envDuration("REALTIME_REAP_THRESHOLD", &c.ReapThreshold)
	envDuration("REALTIME_STATS_INTERVAL", &c.StatsInterval)
	envDuration("REALTIME_STORE_CHECK_INTERVAL", &c.StoreCheckInterval)
	if v := os.Getenv("REALTIME_RATE_LIMIT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateLimitMax = n
		}
	}
	if v := os.Getenv("REALTIME_HISTORY_LENGTH"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.HistoryLength = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
