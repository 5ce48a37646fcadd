// Package config loads the static service configuration from environment
// variables, optionally seeded from a .env file. Configuration is read
// once at startup and passed to components explicitly; nothing reads it
// from ambient state afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the immutable startup configuration.
type Config struct {
	ServiceName string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BackendURLs []string
	Model       string

	ContextDepth         int
	MaxTokens            int
	NumParallelProcesses int
	NumThreadsPerProcess int

	// BacklogLimit caps admitted-but-unfinished requests; 0 means
	// unbounded. Defaults to 64 × the slot count.
	BacklogLimit int

	RequestTimeout time.Duration
	CacheTTL       time.Duration
	AuditDBPath    string
	MetricsPort    string
	ShutdownGrace  time.Duration

	CBFailureThreshold int
	CBCooldown         time.Duration
}

// Load reads configuration from the environment, after loading a .env
// file if one is present.
func Load() (Config, error) {
	// Ignore error if no .env file exists
	_ = godotenv.Load()

	cfg := Config{
		ServiceName:          envOrDefault("SERVICE_NAME", "fastchat"),
		RedisAddr:            envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        envOrDefault("REDIS_PASSWORD", ""),
		RedisDB:              envIntOrDefault("REDIS_DB", 0),
		BackendURLs:          splitList(envOrDefault("BACKEND_URLS", "http://localhost:8000")),
		Model:                envOrDefault("MODEL", "fastchat-t5-3b"),
		ContextDepth:         envIntOrDefault("CONTEXT_DEPTH", 3),
		MaxTokens:            envIntOrDefault("MAX_TOKENS", 256),
		NumParallelProcesses: envIntOrDefault("NUM_PARALLEL_PROCESSES", 1),
		NumThreadsPerProcess: envIntOrDefault("NUM_THREADS_PER_PROCESS", 1),
		BacklogLimit:         envIntOrDefault("BACKLOG_LIMIT", -1),
		RequestTimeout:       envDurationOrDefault("REQUEST_TIMEOUT", 120*time.Second),
		CacheTTL:             envDurationOrDefault("CACHE_TTL", 0),
		AuditDBPath:          envOrDefault("AUDIT_DB_PATH", ""),
		MetricsPort:          envOrDefault("METRICS_PORT", "9090"),
		ShutdownGrace:        envDurationOrDefault("SHUTDOWN_GRACE", 30*time.Second),
		CBFailureThreshold:   envIntOrDefault("CB_FAILURE_THRESHOLD", 5),
		CBCooldown:           envDurationOrDefault("CB_COOLDOWN", 30*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if cfg.BacklogLimit < 0 {
		cfg.BacklogLimit = 64 * cfg.Slots()
	}

	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("SERVICE_NAME must not be empty"))
	}
	if len(c.BackendURLs) == 0 {
		errs = append(errs, errors.New("BACKEND_URLS must name at least one backend"))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("MODEL must not be empty"))
	}
	if c.ContextDepth < 0 {
		errs = append(errs, fmt.Errorf("CONTEXT_DEPTH must be >= 0, got %d", c.ContextDepth))
	}
	if c.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("MAX_TOKENS must be >= 1, got %d", c.MaxTokens))
	}
	if c.NumParallelProcesses < 1 {
		errs = append(errs, fmt.Errorf("NUM_PARALLEL_PROCESSES must be >= 1, got %d", c.NumParallelProcesses))
	}
	if c.NumThreadsPerProcess < 1 {
		errs = append(errs, fmt.Errorf("NUM_THREADS_PER_PROCESS must be >= 1, got %d", c.NumThreadsPerProcess))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Slots is the total concurrency bound.
func (c Config) Slots() int {
	return c.NumParallelProcesses * c.NumThreadsPerProcess
}

// Queue names, derived from the service name the way the upstream chat
// services address this proxy.

func (c Config) QueueAsk() string     { return c.ServiceName + "_input" }
func (c Config) QueueScore() string   { return c.ServiceName + "_score_input" }
func (c Config) QueueOpinion() string { return c.ServiceName + "_discussion_input" }

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
