// SPDX-License-Identifier: MIT

// Package worker runs the backend pool consuming the jobs queue. Hash and
// thumbnail jobs execute locally; every other kind is forwarded to the
// ml_jobs queue and awaited by polling the artifact store, so the task's
// final state is determined solely by what lands there.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vidgrep/vidgrep/internal/artifact"
	"github.com/vidgrep/vidgrep/internal/broker"
	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/metrics"
	"github.com/vidgrep/vidgrep/internal/orchestrator"
	"github.com/vidgrep/vidgrep/internal/task"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
	"github.com/vidgrep/vidgrep/internal/thumbs"
)

// errAborted signals that a cooperative abort was observed at a
// suspension point.
var errAborted = errors.New("worker: abort requested")

// fatalError marks failures that no retry can fix, e.g. an unknown task
// kind or a vanished input file.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error { return &fatalError{err: err} }

func isFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// Config carries the pool tunables.
type Config struct {
	// Concurrency is the fixed number of consumer goroutines.
	Concurrency int
	// ConsumeWait bounds each blocking pop so shutdown stays responsive.
	ConsumeWait time.Duration
	// MaxTries is the broker-level delivery budget per job.
	MaxTries int
	// PollInitial, PollMax and PollDeadline shape the artifact wait loop.
	PollInitial  time.Duration
	PollMax      time.Duration
	PollDeadline time.Duration
}

// DefaultConfig returns the production pool settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:  4,
		ConsumeWait:  5 * time.Second,
		MaxTries:     3,
		PollInitial:  time.Second,
		PollMax:      30 * time.Second,
		PollDeadline: 30 * time.Minute,
	}
}

// Deps bundles the collaborators a pool needs.
type Deps struct {
	Broker       *broker.Broker
	Producer     *broker.Producer
	Tasks        *task.Repository
	Orchestrator *orchestrator.Orchestrator
	Artifacts    *artifact.Store
	Hash         *HashHandler
	Thumbs       *thumbs.Extractor
}

// Pool consumes the jobs queue with a fixed number of workers.
type Pool struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger
}

// NewPool builds a pool; zero config fields fall back to defaults.
func NewPool(deps Deps, cfg Config, logger zerolog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ConsumeWait <= 0 {
		cfg.ConsumeWait = def.ConsumeWait
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = def.PollInitial
	}
	if cfg.PollMax <= 0 {
		cfg.PollMax = def.PollMax
	}
	if cfg.PollDeadline <= 0 {
		cfg.PollDeadline = def.PollDeadline
	}
	return &Pool{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With().Str("component", "worker").Logger(),
	}
}

// Run blocks until the context is cancelled, supervising the consumer
// goroutines. It returns nil on a clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().
		Str("event", "worker.start").
		Int("concurrency", p.cfg.Concurrency).
		Msg("backend pool starting")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error { return p.consumeLoop(ctx, id) })
	}
	err := g.Wait()

	p.logger.Info().Str("event", "worker.stop").Msg("backend pool stopped")
	return err
}

func (p *Pool) consumeLoop(ctx context.Context, id int) error {
	logger := p.logger.With().Int("consumer", id).Logger()
	for {
		job, err := p.deps.Broker.Consume(ctx, broker.QueueJobs, p.cfg.ConsumeWait)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Error().Err(err).Msg("consume failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		p.process(ctx, logger, job)
	}
}

// process runs one job to a terminal outcome: completed, cancelled,
// failed-with-retry, failed-permanently, or requeued on shutdown.
func (p *Pool) process(ctx context.Context, logger zerolog.Logger, job *broker.Job) {
	logger = logger.With().
		Str("job_id", job.ID).
		Str("task_id", job.TaskID).
		Str("task_type", job.TaskType).
		Str("video_id", job.VideoID).
		Logger()

	t, err := p.deps.Tasks.Claim(ctx, job.TaskID)
	switch {
	case errors.Is(err, task.ErrInvalidTransition):
		logger.Warn().Msg("dropping redelivered job: task already terminal")
		_ = p.deps.Broker.Complete(ctx, job.Queue, job.ID)
		return
	case errors.Is(err, catalog.ErrNotFound):
		logger.Warn().Msg("dropping job: task no longer exists")
		_ = p.deps.Broker.Complete(ctx, job.Queue, job.ID)
		return
	case err != nil:
		logger.Error().Err(err).Msg("claim failed")
		p.fail(ctx, logger, job, nil, err)
		return
	}

	count, err := p.dispatch(ctx, logger, job, t)
	switch {
	case err == nil:
		if err := p.deps.Orchestrator.HandleTaskCompletion(ctx, t); err != nil {
			logger.Error().Err(err).Msg("completion handling failed")
		}
		_ = p.deps.Broker.Complete(ctx, job.Queue, job.ID)
		if t.StartedAtMS > 0 {
			metrics.ObserveTaskDuration(string(t.Type), time.Since(time.UnixMilli(t.StartedAtMS)))
		}
		logger.Info().
			Str("event", "job.completed").
			Int("artifacts", count).
			Msg("job completed")

	case errors.Is(err, errAborted):
		if err := p.deps.Tasks.MarkCancelled(ctx, t.TaskID); err != nil {
			logger.Warn().Err(err).Msg("cancel transition failed")
		} else {
			metrics.IncTaskTransition(string(t.Type), string(catalog.TaskCancelled))
		}
		_ = p.deps.Broker.Cancel(ctx, job.Queue, job.ID, "abort requested")
		logger.Info().Str("event", "job.cancelled").Msg("job cancelled on request")

	case ctx.Err() != nil:
		p.requeueOnShutdown(logger, job, t)

	case isFatal(err):
		if err := p.deps.Orchestrator.HandleTaskFailure(ctx, t, err); err != nil {
			logger.Error().Err(err).Msg("failure handling failed")
		}
		_, _ = p.deps.Broker.Fail(ctx, job.Queue, job.ID, err.Error(), 0)
		logger.Error().Err(err).Str("event", "job.failed").Msg("job failed permanently")

	default:
		p.fail(ctx, logger, job, t, err)
	}
}

// fail spends one unit of the broker retry budget. Below the cap the task
// stays running and the redelivered job resumes it; at the cap the failure
// becomes terminal on both sides.
func (p *Pool) fail(ctx context.Context, logger zerolog.Logger, job *broker.Job, t *catalog.Task, cause error) {
	requeued, err := p.deps.Broker.Fail(ctx, job.Queue, job.ID, cause.Error(), p.cfg.MaxTries)
	if err != nil {
		logger.Error().Err(err).Msg("failure report to broker failed")
	}
	if requeued {
		logger.Warn().Err(cause).Str("event", "job.retrying").Msg("job failed, requeued")
		return
	}
	if t != nil {
		if err := p.deps.Orchestrator.HandleTaskFailure(ctx, t, cause); err != nil {
			logger.Error().Err(err).Msg("failure handling failed")
		}
	}
	logger.Error().Err(cause).Str("event", "job.failed").Msg("job failed permanently")
}

// requeueOnShutdown drains an in-flight job when the process is stopping:
// the task returns to pending and the payload goes back on the queue.
func (p *Pool) requeueOnShutdown(logger zerolog.Logger, job *broker.Job, t *catalog.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if t != nil {
		if err := p.deps.Tasks.ResetToPending(ctx, t.TaskID); err != nil {
			logger.Warn().Err(err).Msg("reset on shutdown failed")
		}
	}
	if _, err := p.deps.Broker.Fail(ctx, job.Queue, job.ID, "worker shutdown", p.cfg.MaxTries); err != nil {
		logger.Warn().Err(err).Msg("requeue on shutdown failed")
	}
	logger.Info().Str("event", "job.requeued").Msg("in-flight job returned to queue on shutdown")
}

func (p *Pool) dispatch(ctx context.Context, logger zerolog.Logger, job *broker.Job, t *catalog.Task) (int, error) {
	if aborted, err := p.deps.Broker.AbortRequested(ctx, job.Queue, job.ID); err == nil && aborted {
		return 0, errAborted
	}

	kind, err := taskgraph.ParseTaskKind(job.TaskType)
	if err != nil {
		return 0, fatal(err)
	}

	switch kind {
	case taskgraph.TaskHash:
		return p.deps.Hash.Run(ctx, job)
	case taskgraph.TaskThumbnailExtraction:
		stats, err := p.deps.Thumbs.Run(ctx, job.VideoID, job.VideoPath)
		if err != nil {
			return 0, err
		}
		return stats.Generated, nil
	default:
		return p.awaitInference(ctx, logger, job, t)
	}
}

// awaitInference forwards the task to the ml_jobs queue and waits for its
// envelopes to appear in the artifact store: exponential backoff from
// PollInitial to PollMax, bounded by PollDeadline. Transient query errors
// keep the loop alive; a known-failed inference job ends the wait early.
func (p *Pool) awaitInference(ctx context.Context, logger zerolog.Logger, job *broker.Job, t *catalog.Task) (int, error) {
	artifactKind, ok := taskgraph.ArtifactKindFor(t.Type)
	if !ok {
		return 0, fatal(fmt.Errorf("task kind %s produces no artifacts", t.Type))
	}

	mlJobID, err := p.deps.Producer.EnqueueToMLJobs(ctx, broker.TaskRef{
		TaskID:    t.TaskID,
		Kind:      t.Type,
		VideoID:   job.VideoID,
		VideoPath: job.VideoPath,
		Language:  job.Language,
		Config:    job.Config,
	})
	if err != nil {
		return 0, fmt.Errorf("forward to ml_jobs: %w", err)
	}

	backoff := p.cfg.PollInitial
	deadline := time.Now().Add(p.cfg.PollDeadline)
	for {
		if aborted, err := p.deps.Broker.AbortRequested(ctx, job.Queue, job.ID); err == nil && aborted {
			return 0, errAborted
		}

		n, err := p.deps.Artifacts.CountByVideoAndKind(ctx, job.VideoID, artifactKind)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("artifact poll failed, retrying")
		case n > 0:
			return n, nil
		}

		if state, err := p.deps.Broker.State(ctx, broker.QueueMLJobs, mlJobID); err == nil &&
			state.Status == broker.StatusFailed {
			return 0, fmt.Errorf("inference job %s failed: %s", mlJobID, state.Error)
		}

		if time.Now().After(deadline) {
			return 0, fmt.Errorf("timed out after %s waiting for %s artifacts", p.cfg.PollDeadline, artifactKind)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.PollMax {
			backoff = p.cfg.PollMax
		}
	}
}
