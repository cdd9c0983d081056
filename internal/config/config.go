// Package config loads relay settings from defaults, an optional YAML file
// and environment variables, in that order of precedence.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the per-connection token bucket.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// ServerConfig holds HTTP listener and access settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	TrustProxy      bool          `yaml:"trust_proxy"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LimitsConfig bounds what a single connection may consume.
type LimitsConfig struct {
	MaxMessageSize int64           `yaml:"max_message_size"`
	SendBuffer     int             `yaml:"send_buffer"`
	PingPeriod     time.Duration   `yaml:"ping_period"`
	PongWait       time.Duration   `yaml:"pong_wait"`
	WriteWait      time.Duration   `yaml:"write_wait"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// LogConfig selects the log level and encoder.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Config is the complete relay configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Limits  LimitsConfig  `yaml:"limits"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8081",
			AllowedOrigins:  []string{"http://localhost:8081"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Limits: LimitsConfig{
			MaxMessageSize: 4096,
			SendBuffer:     256,
			PingPeriod:     54 * time.Second,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
			RateLimit: RateLimitConfig{
				Burst:          10,
				RefillInterval: time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "presence_relay",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then sanitizes it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing config file %s", path)
		}
	}

	ApplyEnv(cfg, os.LookupEnv)
	return Sanitize(cfg), nil
}

// ApplyEnv overrides cfg with values found through lookup. Unparseable values
// are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("RELAY_ADDR"); ok && v != "" {
		cfg.Server.Addr = v
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		cfg.Server.AllowedOrigins = parseOrigins(v)
	}
	if v, ok := lookup("TRUST_PROXY"); ok && v != "" {
		cfg.Server.TrustProxy = parseBool(v, cfg.Server.TrustProxy)
	}
	if v, ok := lookup("MAX_MESSAGE_SIZE"); ok && v != "" {
		cfg.Limits.MaxMessageSize = parseMaxMessageSize(v, cfg.Limits.MaxMessageSize)
	}
	if v, ok := lookup("RATE_LIMIT_BURST"); ok && v != "" {
		cfg.Limits.RateLimit.Burst = parseIntValue(v, cfg.Limits.RateLimit.Burst)
	}
	if v, ok := lookup("RATE_LIMIT_REFILL_INTERVAL"); ok && v != "" {
		cfg.Limits.RateLimit.RefillInterval = parseRefillInterval(v, cfg.Limits.RateLimit.RefillInterval)
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok && v != "" {
		cfg.Log.Format = v
	}
	if v, ok := lookup("METRICS_ENABLED"); ok && v != "" {
		cfg.Metrics.Enabled = parseBool(v, cfg.Metrics.Enabled)
	}
}

// Sanitize replaces non-positive or empty values with defaults and
// normalizes the origin allowlist. It returns a new Config.
func Sanitize(in *Config) *Config {
	def := Default()
	if in == nil {
		return def
	}
	cfg := *in
	cfg.Server.AllowedOrigins = append([]string(nil), in.Server.AllowedOrigins...)

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	cfg.Server.ReadTimeout = positiveDuration(cfg.Server.ReadTimeout, def.Server.ReadTimeout)
	cfg.Server.WriteTimeout = positiveDuration(cfg.Server.WriteTimeout, def.Server.WriteTimeout)
	cfg.Server.IdleTimeout = positiveDuration(cfg.Server.IdleTimeout, def.Server.IdleTimeout)
	cfg.Server.ShutdownTimeout = positiveDuration(cfg.Server.ShutdownTimeout, def.Server.ShutdownTimeout)

	if cfg.Limits.MaxMessageSize <= 0 {
		cfg.Limits.MaxMessageSize = def.Limits.MaxMessageSize
	}
	if cfg.Limits.SendBuffer <= 0 {
		cfg.Limits.SendBuffer = def.Limits.SendBuffer
	}
	cfg.Limits.PongWait = positiveDuration(cfg.Limits.PongWait, def.Limits.PongWait)
	cfg.Limits.WriteWait = positiveDuration(cfg.Limits.WriteWait, def.Limits.WriteWait)
	cfg.Limits.PingPeriod = positiveDuration(cfg.Limits.PingPeriod, def.Limits.PingPeriod)
	// Pings must go out before the peer's read deadline expires.
	if cfg.Limits.PingPeriod >= cfg.Limits.PongWait {
		cfg.Limits.PingPeriod = cfg.Limits.PongWait * 9 / 10
	}
	if cfg.Limits.RateLimit.Burst <= 0 {
		cfg.Limits.RateLimit.Burst = def.Limits.RateLimit.Burst
	}
	cfg.Limits.RateLimit.RefillInterval = positiveDuration(cfg.Limits.RateLimit.RefillInterval, def.Limits.RateLimit.RefillInterval)

	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		cfg.Log.Format = def.Log.Format
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = def.Metrics.Namespace
	}

	cfg.Server.AllowedOrigins = normalizeOrigins(cfg.Server.AllowedOrigins)
	return &cfg
}

// NormalizeOrigin lower-cases the scheme and host of origin and drops any
// path. It reports false for values that are not absolute http(s) URLs.
func NormalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", false
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	if parsed.Host == "" {
		return "", false
	}

	return scheme + "://" + strings.ToLower(parsed.Host), true
}

func normalizeOrigins(origins []string) []string {
	normalized := make([]string, 0, len(origins))
	seen := make(map[string]struct{}, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		value := trimmed
		if trimmed != "*" {
			n, ok := NormalizeOrigin(trimmed)
			if !ok {
				continue
			}
			value = n
		}

		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		normalized = append(normalized, value)
	}

	return normalized
}

func positiveDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts a Go duration ("500ms") or a whole number of
// seconds.
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseBool(value string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return defaultValue
}
