// Package config loads the engine's runtime configuration from the
// environment, grounded on the teacher's internal/config/config.go /
// internal/infrastructure/config/config.go Load() idiom (os.LookupEnv
// plus typed parsing), expanded with every field spec.md §6 lists
// under "Configuration".
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the Engine Facade's full set of tunables.
type Config struct {
	MaxConcurrency       int
	DefaultRetryAttempts int
	RetryBaseDelayMS     int
	RetryMaxDelayMS      int
	NodeDefaultTimeoutMS int
	ShutdownGraceMS      int
	QueueBacklogMax      int

	// DatabaseDSN is the durable store connection descriptor. Empty
	// means run with store.MemoryStore instead of store.BunStore.
	DatabaseDSN string
	LogLevel    string
}

// Load reads configuration from the environment, falling back to
// sensible defaults for every field — matching the teacher's Load()
// pattern of os.LookupEnv with a fallback rather than failing startup
// on a missing variable.
func Load() Config {
	return Config{
		MaxConcurrency:       envInt("MBFLOW_MAX_CONCURRENCY", 8),
		DefaultRetryAttempts: envInt("MBFLOW_DEFAULT_RETRY_ATTEMPTS", 3),
		RetryBaseDelayMS:     envInt("MBFLOW_RETRY_BASE_DELAY_MS", 500),
		RetryMaxDelayMS:      envInt("MBFLOW_RETRY_MAX_DELAY_MS", 30_000),
		NodeDefaultTimeoutMS: envInt("MBFLOW_NODE_DEFAULT_TIMEOUT_MS", 30_000),
		ShutdownGraceMS:      envInt("MBFLOW_SHUTDOWN_GRACE_MS", 10_000),
		QueueBacklogMax:      envInt("MBFLOW_QUEUE_BACKLOG_MAX", 1024),
		DatabaseDSN:          envString("MBFLOW_DATABASE_DSN", ""),
		LogLevel:             envString("MBFLOW_LOG_LEVEL", "info"),
	}
}

func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
