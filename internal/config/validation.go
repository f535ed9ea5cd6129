package config

import (
	"strings"

	"github.com/vidgrep/vidgrep/internal/validate"
)

// Validate validates an AppConfig using the centralized validation package.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.Directory("DataDir", cfg.DataDir, false)
	v.NotEmpty("DBPath", cfg.DBPath)
	v.ListenAddr("Listen", cfg.Listen)

	if _, err := validate.ParseLogLevel(cfg.LogLevel); err != nil {
		v.AddError("LogLevel", err.Error(), cfg.LogLevel)
	}

	v.HostPort("Redis.Addr", cfg.Redis.Addr)
	v.NonNegative("Redis.DB", cfg.Redis.DB)

	v.Range("Workers.Backend", cfg.Workers.Backend, 1, 64)
	v.Range("Workers.ML", cfg.Workers.ML, 1, 16)
	v.Range("Workers.MaxTries", cfg.Workers.MaxTries, 1, 10)
	if cfg.Workers.JobTimeout <= 0 {
		v.AddError("Workers.JobTimeout", "must be > 0", cfg.Workers.JobTimeout)
	}
	if cfg.Workers.PollInterval <= 0 {
		v.AddError("Workers.PollInterval", "must be > 0", cfg.Workers.PollInterval)
	}
	if cfg.Workers.ArtifactPollInitial <= 0 {
		v.AddError("Workers.ArtifactPollInitial", "must be > 0", cfg.Workers.ArtifactPollInitial)
	}
	if cfg.Workers.ArtifactPollMax < cfg.Workers.ArtifactPollInitial {
		v.AddError("Workers.ArtifactPollMax", "must be >= ArtifactPollInitial", cfg.Workers.ArtifactPollMax)
	}
	if cfg.Workers.ArtifactPollDeadline <= 0 {
		v.AddError("Workers.ArtifactPollDeadline", "must be > 0", cfg.Workers.ArtifactPollDeadline)
	}

	if strings.TrimSpace(cfg.Inference.URL) != "" {
		v.URL("Inference.URL", cfg.Inference.URL, []string{"http", "https"})
	}
	for _, lang := range cfg.Inference.OCRLanguages {
		if strings.TrimSpace(lang) == "" {
			v.AddError("Inference.OCRLanguages", "language tag must not be empty", lang)
		}
	}

	if cfg.Scan.Interval < 0 {
		v.AddError("Scan.Interval", "must be >= 0 (0 disables periodic rescans)", cfg.Scan.Interval)
	}

	if cfg.Tracing.Enabled {
		v.NotEmpty("Tracing.Endpoint", cfg.Tracing.Endpoint)
		v.OneOf("Tracing.Protocol", cfg.Tracing.Protocol, []string{"grpc", "http"})
		if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
			v.AddError("Tracing.SampleRate", "must be within [0,1]", cfg.Tracing.SampleRate)
		}
	}

	v.Positive("RateLimit.RPS", cfg.RateLimit.RPS)
	v.Positive("RateLimit.Burst", cfg.RateLimit.Burst)

	return v.Err()
}
