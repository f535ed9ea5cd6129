// SPDX-License-Identifier: MIT

// The vidgrep ML worker: consumes the ml_jobs queue, calls the inference
// service, and batch-persists the resulting envelopes into the shared
// catalog. It never touches task rows; the daemon observes completion
// through the artifact store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/vidgrep/vidgrep/internal/artifact"
	"github.com/vidgrep/vidgrep/internal/broker"
	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/config"
	"github.com/vidgrep/vidgrep/internal/inference"
	vglog "github.com/vidgrep/vidgrep/internal/log"
	"github.com/vidgrep/vidgrep/internal/media"
	"github.com/vidgrep/vidgrep/internal/mlworker"
	"github.com/vidgrep/vidgrep/internal/persistence/sqlite"
	"github.com/vidgrep/vidgrep/internal/ratelimit"
	"github.com/vidgrep/vidgrep/internal/schema"
	"github.com/vidgrep/vidgrep/internal/telemetry"
	"github.com/vidgrep/vidgrep/internal/version"
)

const shutdownGrace = 10 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	vglog.Configure(vglog.Config{
		Level:   "info",
		Service: "vidgrep-mlworker",
		Version: version.Version,
	})
	logger := vglog.WithComponent("mlworker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	effectiveConfigPath := strings.TrimSpace(*configPath)
	if effectiveConfigPath == "" {
		dataDir := strings.TrimSpace(config.ParseString("VIDGREP_DATA", "/var/lib/vidgrep"))
		autoPath := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectiveConfigPath = autoPath
		}
	}

	cfg, err := config.NewLoader(effectiveConfigPath, version.Version).Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectiveConfigPath).
			Msg("failed to load configuration")
	}

	vglog.Configure(vglog.Config{
		Level:   cfg.LogLevel,
		Service: "vidgrep-mlworker",
		Version: cfg.Version,
	})
	logger = vglog.WithComponent("mlworker")

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Str("event", "mlworker.failed").Msg("ml worker exited with error")
	}
	logger.Info().Str("event", "mlworker.stopped").Msg("ml worker stopped")
}

func run(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) error {
	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "vidgrep-mlworker",
		ServiceVersion: cfg.Version,
		ExporterType:   cfg.Tracing.Protocol,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	db, err := sqlite.Open(cfg.DBPath, sqlite.DefaultConfig())
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := catalog.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}

	brk, err := broker.New(broker.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer func() { _ = brk.Close() }()

	registry := schema.Builtin()
	artifacts := artifact.NewStore(db, registry)
	runs := artifact.NewRunStore(db)

	mediaCache, err := media.OpenCache(filepath.Join(cfg.DataDir, "mediacache-ml"))
	if err != nil {
		return fmt.Errorf("open media cache: %w", err)
	}
	defer func() { _ = mediaCache.Close() }()

	engine := inference.NewHTTPEngine(
		cfg.Inference.URL,
		cfg.Inference.Timeout,
		ratelimit.NewPerClass(ratelimit.DefaultConfig()),
		logger,
	)

	pool := mlworker.NewPool(mlworker.Deps{
		Broker:    brk,
		Engine:    engine,
		Artifacts: artifacts,
		Runs:      runs,
		Registry:  registry,
		Cache:     mediaCache,
	}, mlworker.Config{
		Concurrency:  cfg.Workers.ML,
		MaxTries:     cfg.Workers.MaxTries,
		JobTimeout:   2 * cfg.Workers.JobTimeout,
		GPUAvailable: cfg.Workers.GPU,
	}, logger)

	logger.Info().
		Str("event", "mlworker.starting").
		Str("db_path", cfg.DBPath).
		Str("redis_addr", cfg.Redis.Addr).
		Str("inference_url", cfg.Inference.URL).
		Int("workers", cfg.Workers.ML).
		Bool("gpu", cfg.Workers.GPU).
		Msg("ml worker starting")

	return pool.Run(ctx)
}
