// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the conductor service.
type Config struct {
	// Server
	Port            int
	Host            string
	ShutdownTimeout time.Duration

	// Scheduling policy
	MaxParallel       int
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	CancelGrace       time.Duration

	// Pattern mining
	MinerWindow     time.Duration
	MinerThreshold  int
	MinerMultiplier float64
	MinerSweep      time.Duration

	// Store
	StoreType   string // "memory" or "redis"
	EventMaxLen int64
	GraphTTL    time.Duration

	// Redis (when StoreType == "redis")
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Telemetry archive (S3; disabled when bucket is empty)
	ArchiveBucket   string
	ArchivePrefix   string
	ArchiveRegion   string
	ArchiveEndpoint string

	// Tracing (OTLP; disabled when endpoint is empty)
	TracingEndpoint string
	TracingInsecure bool
	ServiceName     string

	// API
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
	SSEHeartbeat   time.Duration

	// Logging
	LogLevel  string
	LogFormat string // "json" or "text"
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getInt("PORT", 8090),
		Host:            getEnv("HOST", "0.0.0.0"),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		MaxParallel:       getInt("SCHED_MAX_PARALLEL", 8),
		DefaultTimeout:    getDuration("SCHED_DEFAULT_TIMEOUT", 60*time.Second),
		DefaultMaxRetries: getInt("SCHED_DEFAULT_MAX_RETRIES", 2),
		BackoffBase:       getDuration("SCHED_BACKOFF_BASE", 500*time.Millisecond),
		BackoffCap:        getDuration("SCHED_BACKOFF_CAP", 30*time.Second),
		CancelGrace:       getDuration("SCHED_CANCEL_GRACE", 5*time.Second),

		MinerWindow:     getDuration("MINER_WINDOW", time.Hour),
		MinerThreshold:  getInt("MINER_THRESHOLD", 3),
		MinerMultiplier: getFloat("MINER_MULTIPLIER", 1.5),
		MinerSweep:      getDuration("MINER_SWEEP_INTERVAL", time.Minute),

		StoreType:   getEnv("STORE_TYPE", "memory"),
		EventMaxLen: int64(getInt("EVENT_MAX_LEN", 5000)),
		GraphTTL:    getDuration("GRAPH_TTL", 7*24*time.Hour),

		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "conductor"),

		ArchiveBucket:   getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchivePrefix:   getEnv("ARCHIVE_S3_PREFIX", "graphs"),
		ArchiveRegion:   getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveEndpoint: getEnv("ARCHIVE_S3_ENDPOINT", ""),

		TracingEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TracingInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		ServiceName:     getEnv("SERVICE_NAME", "conductor"),

		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 100),
		CORSOrigins:    getList("CORS_ORIGINS", []string{"*"}),
		SSEHeartbeat:   getDuration("SSE_HEARTBEAT", 15*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.StoreType != "memory" && c.StoreType != "redis" {
		return fmt.Errorf("invalid store type: %q (must be memory or redis)", c.StoreType)
	}
	if c.MaxParallel < 1 {
		return fmt.Errorf("SCHED_MAX_PARALLEL must be at least 1, got %d", c.MaxParallel)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("SCHED_DEFAULT_MAX_RETRIES must not be negative, got %d", c.DefaultMaxRetries)
	}
	if c.MinerThreshold < 1 {
		return fmt.Errorf("MINER_THRESHOLD must be at least 1, got %d", c.MinerThreshold)
	}
	if c.MinerMultiplier <= 1 {
		return fmt.Errorf("MINER_MULTIPLIER must be above 1, got %v", c.MinerMultiplier)
	}
	if c.MinerWindow <= 0 {
		return fmt.Errorf("MINER_WINDOW must be positive, got %v", c.MinerWindow)
	}
	return nil
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
