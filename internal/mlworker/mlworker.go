// SPDX-License-Identifier: MIT

// Package mlworker runs the inference pool consuming the ml_jobs queue.
// Each job re-validates its input, calls the inference service, transforms
// the response into envelopes, and batch-persists them. The pool never
// writes to the task table; the backend worker observes the outcome
// through the artifact store and the broker job state.
package mlworker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vidgrep/vidgrep/internal/artifact"
	"github.com/vidgrep/vidgrep/internal/broker"
	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/inference"
	"github.com/vidgrep/vidgrep/internal/media"
	"github.com/vidgrep/vidgrep/internal/schema"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

// errAborted signals a cooperative abort observed at a suspension point.
var errAborted = errors.New("mlworker: abort requested")

// fatalError marks failures no redelivery can fix: bad input, contract
// violations in the response, rejected payloads.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error { return &fatalError{err: err} }

func isFatal(err error) bool {
	var f *fatalError
	if errors.As(err, &f) {
		return true
	}
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return true
	}
	return errors.Is(err, inference.ErrRejected) ||
		errors.Is(err, inference.ErrBadResponse) ||
		errors.Is(err, artifact.ErrProfileInvalid)
}

// Config carries the pool tunables.
type Config struct {
	// Concurrency is the fixed number of consumer goroutines.
	Concurrency int
	// ConsumeWait bounds each blocking pop so shutdown stays responsive.
	ConsumeWait time.Duration
	// MaxTries is the broker-level delivery budget per job.
	MaxTries int
	// JobTimeout caps one inference job end to end.
	JobTimeout time.Duration
	// GPUAvailable gates GPU-only kinds onto this pool.
	GPUAvailable bool
	// Profile is the model quality class requested from the service.
	Profile string
}

// DefaultConfig returns the production pool settings.
func DefaultConfig() Config {
	return Config{
		Concurrency: 2,
		ConsumeWait: 5 * time.Second,
		MaxTries:    3,
		JobTimeout:  time.Hour,
		Profile:     string(catalog.ProfileBalanced),
	}
}

// Deps bundles the collaborators a pool needs. Cache may be nil.
type Deps struct {
	Broker    *broker.Broker
	Engine    inference.Engine
	Artifacts *artifact.Store
	Runs      *artifact.RunStore
	Registry  *schema.Registry
	Cache     *media.Cache
}

// Pool consumes the ml_jobs queue with a fixed number of workers.
type Pool struct {
	deps     Deps
	cfg      Config
	workerID string
	logger   zerolog.Logger
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
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.Profile == "" {
		cfg.Profile = def.Profile
	}
	workerID := uuid.NewString()[:8]
	return &Pool{
		deps:     deps,
		cfg:      cfg,
		workerID: workerID,
		logger: logger.With().
			Str("component", "mlworker").
			Str("worker_id", workerID).
			Logger(),
	}
}

// Run blocks until the context is cancelled, supervising the consumer
// goroutines. It returns nil on a clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().
		Str("event", "mlworker.start").
		Int("concurrency", p.cfg.Concurrency).
		Bool("gpu", p.cfg.GPUAvailable).
		Msg("inference pool starting")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error { return p.consumeLoop(ctx, id) })
	}
	err := g.Wait()

	p.logger.Info().Str("event", "mlworker.stop").Msg("inference pool stopped")
	return err
}

func (p *Pool) consumeLoop(ctx context.Context, id int) error {
	logger := p.logger.With().Int("consumer", id).Logger()
	for {
		job, err := p.deps.Broker.Consume(ctx, broker.QueueMLJobs, p.cfg.ConsumeWait)
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

func (p *Pool) process(ctx context.Context, logger zerolog.Logger, job *broker.Job) {
	logger = logger.With().
		Str("job_id", job.ID).
		Str("task_id", job.TaskID).
		Str("task_type", job.TaskType).
		Str("video_id", job.VideoID).
		Logger()

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	count, err := p.handle(jobCtx, logger, job)
	switch {
	case err == nil:
		_ = p.deps.Broker.Complete(ctx, job.Queue, job.ID)
		logger.Info().
			Str("event", "job.completed").
			Int("artifacts", count).
			Msg("inference job completed")

	case errors.Is(err, errAborted):
		_ = p.deps.Broker.Cancel(ctx, job.Queue, job.ID, "abort requested")
		logger.Info().Str("event", "job.cancelled").Msg("inference job cancelled on request")

	case ctx.Err() != nil:
		p.requeueOnShutdown(logger, job)

	case isFatal(err):
		_, _ = p.deps.Broker.Fail(ctx, job.Queue, job.ID, err.Error(), 0)
		logger.Error().Err(err).Str("event", "job.failed").Msg("inference job failed permanently")

	default:
		requeued, ferr := p.deps.Broker.Fail(ctx, job.Queue, job.ID, err.Error(), p.cfg.MaxTries)
		if ferr != nil {
			logger.Error().Err(ferr).Msg("failure report to broker failed")
		}
		if requeued {
			logger.Warn().Err(err).Str("event", "job.retrying").Msg("inference job failed, requeued")
			return
		}
		logger.Error().Err(err).Str("event", "job.failed").Msg("inference job failed permanently")
	}
}

// requeueOnShutdown pushes an in-flight job back when the process is
// stopping. The failure still counts against the delivery budget.
func (p *Pool) requeueOnShutdown(logger zerolog.Logger, job *broker.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := p.deps.Broker.Fail(ctx, job.Queue, job.ID, "worker shutdown", p.cfg.MaxTries); err != nil {
		logger.Warn().Err(err).Msg("requeue on shutdown failed")
	}
	logger.Info().Str("event", "job.requeued").Msg("in-flight job returned to queue on shutdown")
}

func (p *Pool) handle(ctx context.Context, logger zerolog.Logger, job *broker.Job) (int, error) {
	if aborted, err := p.deps.Broker.AbortRequested(ctx, job.Queue, job.ID); err == nil && aborted {
		return 0, errAborted
	}

	kind, err := taskgraph.ParseTaskKind(job.TaskType)
	if err != nil {
		return 0, fatal(err)
	}
	if !broker.CanWorkerHandle(kind, p.cfg.GPUAvailable) {
		// Budgeted failure: the repushed job can land on a GPU-capable
		// worker; on a homogeneous CPU fleet it fails after max tries.
		return 0, fmt.Errorf("task kind %s requires a gpu worker", kind)
	}

	if err := p.validateInput(job); err != nil {
		return 0, err
	}

	resp, err := p.deps.Engine.Infer(ctx, inference.Request{
		TaskID:    job.TaskID,
		TaskType:  job.TaskType,
		VideoID:   job.VideoID,
		VideoPath: job.VideoPath,
		Language:  job.Language,
		Profile:   p.cfg.Profile,
	})
	if err != nil {
		return 0, fmt.Errorf("infer %s: %w", kind, err)
	}
	if !resp.HasProvenance() {
		return 0, fatal(fmt.Errorf("response for task %s is missing provenance fields", job.TaskID))
	}

	// Abort may have been requested during the (long) inference call.
	if aborted, err := p.deps.Broker.AbortRequested(ctx, job.Queue, job.ID); err == nil && aborted {
		return 0, errAborted
	}

	envelopes, err := p.transform(logger, job.VideoID, kind, resp)
	if err != nil {
		return 0, err
	}
	return p.persist(ctx, logger, job.VideoID, resp, envelopes)
}

// validateInput confirms the file still exists and still hashes to the
// value the task was scheduled against. The probe cache answers the hash
// question without re-reading unchanged files; the cache is never written
// here because only the hash handler has probe results to store.
func (p *Pool) validateInput(job *broker.Job) error {
	info, err := os.Stat(job.VideoPath)
	if err != nil {
		return fatal(fmt.Errorf("input file: %w", err))
	}

	want := job.Config["input_hash"]
	if want == "" {
		return nil
	}

	got := ""
	if p.deps.Cache != nil {
		key := media.CacheKey(job.VideoPath, info.Size(), info.ModTime().UnixMilli())
		if entry, err := p.deps.Cache.Get(key); err == nil && entry != nil {
			got = entry.ContentHash
		}
	}
	if got == "" {
		got, _, err = media.StreamSHA256(job.VideoPath)
		if err != nil {
			return fmt.Errorf("rehash input: %w", err)
		}
	}

	if got != want {
		return fatal(fmt.Errorf("input hash mismatch for %s: file changed since scheduling", job.VideoPath))
	}
	return nil
}

// persist writes the run row and the envelope batch. A batch that already
// landed under the same run reads as success.
func (p *Pool) persist(ctx context.Context, logger zerolog.Logger, videoID string, resp *inference.Response, envelopes []*catalog.Envelope) (int, error) {
	run := &catalog.Run{
		RunID:           resp.RunID,
		VideoID:         videoID,
		PipelineProfile: resp.ModelProfile,
	}
	if err := p.deps.Runs.Create(ctx, run); err != nil && !errors.Is(err, catalog.ErrDuplicate) {
		return 0, fmt.Errorf("create run %s: %w", resp.RunID, err)
	}

	if len(envelopes) == 0 {
		if err := p.deps.Runs.MarkCompleted(ctx, resp.RunID); err != nil {
			logger.Warn().Err(err).Str("run_id", resp.RunID).Msg("run finish failed")
		}
		return 0, nil
	}

	if err := p.deps.Artifacts.BatchCreate(ctx, envelopes); err != nil {
		if errors.Is(err, catalog.ErrDuplicate) {
			logger.Debug().Str("run_id", resp.RunID).Msg("envelope batch already persisted")
			return len(envelopes), nil
		}
		_ = p.deps.Runs.MarkFailed(ctx, resp.RunID, err.Error())
		return 0, fmt.Errorf("persist %d envelopes: %w", len(envelopes), err)
	}

	if err := p.deps.Runs.MarkCompleted(ctx, resp.RunID); err != nil {
		logger.Warn().Err(err).Str("run_id", resp.RunID).Msg("run finish failed")
	}
	return len(envelopes), nil
}
