// Package config loads and validates the daemon configuration with
// precedence ENV > file > defaults.
package config

import (
	"path/filepath"
	"time"
)

// AppConfig is the fully resolved runtime configuration.
type AppConfig struct {
	Version string

	// DataDir is the root for everything the daemon writes.
	DataDir  string
	DBPath   string
	ThumbDir string

	// MediaRoots are the directories scanned for video files.
	MediaRoots []string

	Listen     string
	LogLevel   string
	LogService string

	Redis     RedisConfig
	Workers   WorkerConfig
	Inference InferenceConfig
	Scan      ScanConfig
	Tracing   TracingConfig
	RateLimit RateLimitConfig
}

// RedisConfig addresses the broker backing store.
type RedisConfig struct {
	Addr     string
	DB       int
	Password string
}

// WorkerConfig sizes the task execution pools.
type WorkerConfig struct {
	Backend  int
	ML       int
	GPU      bool
	MaxTries int

	// JobTimeout caps one job end to end; the ML pool doubles it.
	JobTimeout time.Duration
	// PollInterval is the reconciler cadence.
	PollInterval time.Duration
	// LongRunningAfter is the reconciler alert threshold.
	LongRunningAfter time.Duration

	// Artifact polling for jobs forwarded to the ML queue.
	ArtifactPollInitial  time.Duration
	ArtifactPollMax      time.Duration
	ArtifactPollDeadline time.Duration
}

// InferenceConfig points at the model-serving sidecar.
type InferenceConfig struct {
	URL          string
	OCRLanguages []string
	Timeout      time.Duration
}

// ScanConfig controls library discovery.
type ScanConfig struct {
	Interval time.Duration // 0 disables periodic rescans; the fs watcher stays on
}

// TracingConfig controls the OTLP exporter.
type TracingConfig struct {
	Enabled    bool
	Endpoint   string
	Protocol   string // "grpc" or "http"
	SampleRate float64
	Insecure   bool
}

// RateLimitConfig bounds the HTTP API.
type RateLimitConfig struct {
	RPS   int
	Burst int
}

// ResolveDerivedPaths fills DBPath and ThumbDir from DataDir when unset.
func (c *AppConfig) ResolveDerivedPaths() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.ThumbDir == "" {
		c.ThumbDir = filepath.Join(c.DataDir, "thumbs")
	}
}
