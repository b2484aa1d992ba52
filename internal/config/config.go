// Package config holds the deployment configuration for the merge service.
// All numeric limits are deployment-profile settings resolved at startup,
// never hardcoded in the pipeline.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config is the full service configuration. Constructed once in main and
// injected into every component; there is no ambient global config.
type Config struct {
	// HTTP server.
	Port            string
	ShutdownTimeout time.Duration

	// Request limits, enforced before the engine runs.
	MinFiles     int
	MaxFiles     int
	MaxFileSize  int64
	MaxTotalSize int64

	// Validation.
	MinPDFSize        int
	HeaderScanWindow  int
	TrailerScanWindow int

	// Merge engine.
	MaxConcurrentOps    int64
	CopyBatchSize       int
	MemoryCheckInterval int
	ProcessingTimeout   time.Duration
	LargeFileThreshold  int64
	SubBatchDelay       time.Duration

	// Worker pool.
	MinWorkers          int
	PoolSize            int
	QueueSize           int
	HealthCheckInterval time.Duration
	WorkerIdleTimeout   time.Duration
	ScaleCooldown       time.Duration
	PoolShutdownTimeout time.Duration

	// Memory governor.
	MemoryCeiling   uint64
	MemoryThreshold float64
	MonitorInterval time.Duration

	// Result cache.
	ResultCacheTTL     time.Duration
	ResultCacheEntries int
}

// Default returns the standard-profile configuration.
func Default() Config {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	return Config{
		Port:            "8080",
		ShutdownTimeout: 30 * time.Second,

		MinFiles:     2,
		MaxFiles:     20,
		MaxFileSize:  50 << 20,
		MaxTotalSize: 200 << 20,

		MinPDFSize:        100,
		HeaderScanWindow:  1024,
		TrailerScanWindow: 1024,

		MaxConcurrentOps:    4,
		CopyBatchSize:       25,
		MemoryCheckInterval: 5,
		ProcessingTimeout:   2 * time.Minute,
		LargeFileThreshold:  10 << 20,
		SubBatchDelay:       5 * time.Millisecond,

		MinWorkers:          1,
		PoolSize:            workers,
		QueueSize:           64,
		HealthCheckInterval: 30 * time.Second,
		WorkerIdleTimeout:   2 * time.Minute,
		ScaleCooldown:       10 * time.Second,
		PoolShutdownTimeout: 15 * time.Second,

		MemoryCeiling:   2 << 30,
		MemoryThreshold: 0.8,
		MonitorInterval: 10 * time.Second,

		ResultCacheTTL:     10 * time.Minute,
		ResultCacheEntries: 32,
	}
}

// FromEnv builds a Config from the environment on top of the selected
// deployment profile (DEPLOYMENT_PROFILE: small, standard, large).
func FromEnv() (Config, error) {
	cfg := Default()
	applyProfile(&cfg, GetEnv("DEPLOYMENT_PROFILE", "standard"))

	cfg.Port = GetEnv("PORT", cfg.Port)
	cfg.MaxFiles = getEnvInt("MAX_FILES", cfg.MaxFiles)
	cfg.MaxFileSize = getEnvInt64("MAX_FILE_SIZE", cfg.MaxFileSize)
	cfg.MaxTotalSize = getEnvInt64("MAX_TOTAL_SIZE", cfg.MaxTotalSize)
	cfg.PoolSize = getEnvInt("POOL_SIZE", cfg.PoolSize)
	cfg.QueueSize = getEnvInt("QUEUE_SIZE", cfg.QueueSize)
	cfg.MemoryCeiling = uint64(getEnvInt64("MEMORY_CEILING", int64(cfg.MemoryCeiling)))
	cfg.MemoryThreshold = getEnvFloat("MEMORY_THRESHOLD", cfg.MemoryThreshold)
	cfg.ProcessingTimeout = getEnvDuration("PROCESSING_TIMEOUT", cfg.ProcessingTimeout)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyProfile(cfg *Config, profile string) {
	switch profile {
	case "small":
		cfg.MaxFiles = 10
		cfg.MaxFileSize = 25 << 20
		cfg.MaxTotalSize = 50 << 20
		cfg.MemoryCeiling = 1 << 30
		cfg.MemoryThreshold = 0.7
	case "large":
		cfg.MaxFiles = 20
		cfg.MaxFileSize = 100 << 20
		cfg.MaxTotalSize = 200 << 20
		cfg.MemoryCeiling = 4 << 30
		cfg.MemoryThreshold = 0.85
	}
}

// Validate checks internal consistency once at construction.
func (c Config) Validate() error {
	if c.MinFiles < 2 {
		return fmt.Errorf("MinFiles must be at least 2, got %d", c.MinFiles)
	}
	if c.MaxFiles < c.MinFiles {
		return fmt.Errorf("MaxFiles (%d) must be >= MinFiles (%d)", c.MaxFiles, c.MinFiles)
	}
	if c.MaxFileSize <= 0 || c.MaxTotalSize < c.MaxFileSize {
		return fmt.Errorf("invalid size limits: file=%d total=%d", c.MaxFileSize, c.MaxTotalSize)
	}
	if c.MinWorkers < 1 || c.PoolSize < c.MinWorkers {
		return fmt.Errorf("invalid pool sizing: min=%d max=%d", c.MinWorkers, c.PoolSize)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QueueSize must be positive, got %d", c.QueueSize)
	}
	if c.MaxConcurrentOps < 1 {
		return fmt.Errorf("MaxConcurrentOps must be positive, got %d", c.MaxConcurrentOps)
	}
	if c.MemoryThreshold <= 0 || c.MemoryThreshold >= 1 {
		return fmt.Errorf("MemoryThreshold must be in (0,1), got %f", c.MemoryThreshold)
	}
	return nil
}

// GetEnv reads an environment variable or returns a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
