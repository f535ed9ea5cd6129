// SPDX-License-Identifier: MIT

// The vidgrep daemon: HTTP API, discovery, task orchestration, the backend
// worker pool, and the reconciler, all in one process over the shared
// SQLite catalog and the Redis broker.
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
	"golang.org/x/sync/errgroup"

	"github.com/vidgrep/vidgrep/internal/api"
	"github.com/vidgrep/vidgrep/internal/artifact"
	"github.com/vidgrep/vidgrep/internal/broker"
	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/config"
	"github.com/vidgrep/vidgrep/internal/health"
	"github.com/vidgrep/vidgrep/internal/library"
	vglog "github.com/vidgrep/vidgrep/internal/log"
	"github.com/vidgrep/vidgrep/internal/media"
	"github.com/vidgrep/vidgrep/internal/navigate"
	"github.com/vidgrep/vidgrep/internal/orchestrator"
	"github.com/vidgrep/vidgrep/internal/persistence/sqlite"
	"github.com/vidgrep/vidgrep/internal/reconcile"
	"github.com/vidgrep/vidgrep/internal/schema"
	"github.com/vidgrep/vidgrep/internal/selection"
	"github.com/vidgrep/vidgrep/internal/task"
	"github.com/vidgrep/vidgrep/internal/telemetry"
	"github.com/vidgrep/vidgrep/internal/thumbs"
	"github.com/vidgrep/vidgrep/internal/version"
	"github.com/vidgrep/vidgrep/internal/worker"
)

// shutdownGrace bounds teardown of the tracer and other slow closers.
const shutdownGrace = 10 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	vglog.Configure(vglog.Config{
		Level:   "info",
		Service: "vidgrep",
		Version: version.Version,
	})
	logger := vglog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config path: explicit flag, else ${VIDGREP_DATA}/config.yaml when present.
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
		Service: cfg.LogService,
		Version: cfg.Version,
	})
	logger = vglog.WithComponent("daemon")

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.checks_failed").
			Msg("startup checks failed")
	}

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("daemon exited with error")
	}
	logger.Info().Str("event", "daemon.stopped").Msg("daemon stopped")
}

func run(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) error {
	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "vidgrep-daemon",
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
	videos := library.NewVideoStore(db)
	tasks := task.NewRepository(db)
	artifacts := artifact.NewStore(db, registry)
	runs := artifact.NewRunStore(db)
	policies := selection.NewManager(db)
	producer := broker.NewProducer(brk)

	orch := orchestrator.New(videos, tasks, producer, orchestrator.Config{
		OCRLanguages: cfg.Inference.OCRLanguages,
	}, logger)

	mediaCache, err := media.OpenCache(filepath.Join(cfg.DataDir, "mediacache"))
	if err != nil {
		return fmt.Errorf("open media cache: %w", err)
	}
	defer func() { _ = mediaCache.Close() }()

	hash := worker.NewHashHandler(videos, artifacts, runs, registry, mediaCache, &media.FFProbe{}, logger)
	extractor := thumbs.NewExtractor(artifacts, &media.FFmpegGrabber{MaxWidth: 320}, cfg.ThumbDir, logger)

	pool := worker.NewPool(worker.Deps{
		Broker:       brk,
		Producer:     producer,
		Tasks:        tasks,
		Orchestrator: orch,
		Artifacts:    artifacts,
		Hash:         hash,
		Thumbs:       extractor,
	}, worker.Config{
		Concurrency:  cfg.Workers.Backend,
		MaxTries:     cfg.Workers.MaxTries,
		PollInitial:  cfg.Workers.ArtifactPollInitial,
		PollMax:      cfg.Workers.ArtifactPollMax,
		PollDeadline: cfg.Workers.ArtifactPollDeadline,
	}, logger)

	reconciler := reconcile.New(brk, tasks, orch, reconcile.Config{
		Interval:         cfg.Workers.PollInterval,
		LongRunningAfter: cfg.Workers.LongRunningAfter,
	}, logger)

	// Discovery nudges the orchestrator through a coalescing channel so a
	// burst of fsnotify events triggers one sweep, not one per file.
	nudge := make(chan struct{}, 1)
	notify := func() {
		select {
		case nudge <- struct{}{}:
		default:
		}
	}
	discovery := library.NewService(videos, cfg.MediaRoots, cfg.Scan.Interval, notify)

	navigator := navigate.NewService(db, videos, policies, logger)

	manager := health.NewManager(cfg.Version)
	manager.RegisterChecker(health.NewPingChecker("broker", brk.Ping))
	manager.RegisterChecker(health.NewPingChecker("catalog", db.PingContext))
	manager.RegisterChecker(health.NewDirChecker("data_dir", cfg.DataDir))

	server := api.New(api.Deps{
		Videos:   videos,
		Tasks:    tasks,
		Policies: policies,
		Navigate: navigator,
		Orch:     orch,
		Broker:   brk,
		Health:   manager,
	}, api.Config{
		TracingService: tracingService(cfg),
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
	}, logger)

	logger.Info().
		Str("event", "daemon.starting").
		Str("db_path", cfg.DBPath).
		Str("redis_addr", cfg.Redis.Addr).
		Str("listen", cfg.Listen).
		Int("workers", cfg.Workers.Backend).
		Strs("media_roots", cfg.MediaRoots).
		Msg("daemon starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(ctx, cfg.Listen) })
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return reconciler.Run(ctx) })
	g.Go(func() error { return ignoreCanceled(discovery.Run(ctx)) })
	g.Go(func() error {
		// Sweep once at startup to pick up videos discovered while down.
		sweep(ctx, orch, logger)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-nudge:
				sweep(ctx, orch, logger)
			}
		}
	})

	return g.Wait()
}

func sweep(ctx context.Context, orch *orchestrator.Orchestrator, logger zerolog.Logger) {
	n, err := orch.ProcessDiscoveredVideos(ctx)
	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Str("event", "orchestrate.sweep_failed").Msg("discovery sweep failed")
		return
	}
	if n > 0 {
		logger.Info().Str("event", "orchestrate.sweep").Int("videos", n).Msg("scheduled discovered videos")
	}
}

func tracingService(cfg config.AppConfig) string {
	if !cfg.Tracing.Enabled {
		return ""
	}
	return "vidgrep-daemon"
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
