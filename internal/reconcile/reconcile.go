// SPDX-License-Identifier: MIT

// Package reconcile re-aligns catalog task state with broker job state.
// Workers report outcomes themselves on the happy path; the reconciler
// covers the gaps left by crashed workers, expired state hashes and lost
// enqueues, and flags tasks running far past expectations.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vidgrep/vidgrep/internal/broker"
	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/metrics"
	"github.com/vidgrep/vidgrep/internal/orchestrator"
	"github.com/vidgrep/vidgrep/internal/task"
)

// Defaults for the sweep cadence and the long-running alert threshold.
const (
	DefaultInterval         = 60 * time.Second
	DefaultLongRunningAfter = 2 * time.Hour
)

// Config carries the reconciler knobs.
type Config struct {
	// Interval between sweeps. Zero means DefaultInterval.
	Interval time.Duration

	// LongRunningAfter is how long a task may stay running before the
	// sweep logs it. Zero means DefaultLongRunningAfter.
	LongRunningAfter time.Duration
}

// Stats summarizes the repairs of one pass.
type Stats struct {
	PendingRequeued  int
	RunningReset     int
	RunningCompleted int
	RunningFailed    int
	RunningCancelled int
	LongRunning      int
}

// Repairs is the number of state changes the pass applied. Long-running
// tasks are observed, not repaired.
func (s Stats) Repairs() int {
	return s.PendingRequeued + s.RunningReset + s.RunningCompleted +
		s.RunningFailed + s.RunningCancelled
}

// Reconciler periodically walks pending and running tasks and compares
// each against the broker's view of its job. Every job is tracked on the
// backend jobs queue regardless of kind; ML sub-jobs are re-created by the
// backend worker after a repair, so the sweep never inspects the ML queue.
type Reconciler struct {
	broker *broker.Broker
	tasks  *task.Repository
	orch   *orchestrator.Orchestrator
	cfg    Config
	logger zerolog.Logger
}

// New creates a reconciler. Zero config fields fall back to defaults.
func New(b *broker.Broker, tasks *task.Repository, orch *orchestrator.Orchestrator, cfg Config, logger zerolog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LongRunningAfter <= 0 {
		cfg.LongRunningAfter = DefaultLongRunningAfter
	}
	return &Reconciler{
		broker: b,
		tasks:  tasks,
		orch:   orch,
		cfg:    cfg,
		logger: logger.With().Str("component", "reconcile").Logger(),
	}
}

// Run sweeps once immediately and then on every interval tick until the
// context ends. Passes run synchronously on this goroutine, so two passes
// can never overlap.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes one pass: pending sync, running sync, long-running
// sweep. The sections are isolated; an error in one is collected and the
// others still run. Returns the pass stats and all non-fatal errors.
func (r *Reconciler) RunOnce(ctx context.Context) (Stats, []error) {
	start := time.Now()

	var stats Stats
	var errs []error
	errs = append(errs, r.pendingSync(ctx, &stats)...)
	errs = append(errs, r.runningSync(ctx, &stats)...)
	errs = append(errs, r.longRunningSweep(ctx, &stats)...)

	metrics.RecordReconcileRun(time.Since(start), errors.Join(errs...))

	evt := r.logger.Debug()
	if stats.Repairs() > 0 || len(errs) > 0 {
		evt = r.logger.Info()
	}
	evt.Str("event", "reconcile.pass").
		Int("pending_reenqueued", stats.PendingRequeued).
		Int("running_reset", stats.RunningReset).
		Int("running_completed", stats.RunningCompleted).
		Int("running_failed", stats.RunningFailed).
		Int("running_cancelled", stats.RunningCancelled).
		Int("long_running", stats.LongRunning).
		Int("errors", len(errs)).
		Dur("took", time.Since(start)).
		Msg("reconcile pass finished")

	return stats, errs
}

// pendingSync re-enqueues pending tasks whose job is missing from the
// broker, or whose previous incarnation already reached a terminal state
// (the broker resets terminal incarnations on enqueue). Broker lookup
// errors default to "job exists" so a flaky read cannot double-enqueue.
func (r *Reconciler) pendingSync(ctx context.Context, stats *Stats) []error {
	pending, err := r.tasks.FindByStatus(ctx, catalog.TaskPending)
	if err != nil {
		return []error{fmt.Errorf("list pending tasks: %w", err)}
	}

	var errs []error
	for _, t := range pending {
		state, err := r.broker.State(ctx, broker.QueueJobs, broker.JobIDFor(t.TaskID))
		switch {
		case errors.Is(err, broker.ErrUnknownJob):
			// No job; fall through to the enqueue.
		case err != nil:
			errs = append(errs, fmt.Errorf("state of pending task %s: %w", t.TaskID, err))
			continue
		case !state.Status.Terminal():
			// Job live; a worker will claim it.
			continue
		}

		if err := r.orch.Enqueue(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("requeue pending task %s: %w", t.TaskID, err))
			continue
		}
		stats.PendingRequeued++
		metrics.IncReconcileRepair("requeued")
		r.logger.Info().
			Str("event", "reconcile.requeue").
			Str("task_id", t.TaskID).
			Str("task_type", string(t.Type)).
			Str("video_id", t.VideoID).
			Msg("pending task had no broker job, re-enqueued")
	}
	return errs
}

// runningSync resolves running tasks whose broker job is gone or already
// terminal. Vanished jobs reset the task to pending and enqueue it again;
// terminal jobs are routed through the orchestrator handlers so the video
// lifecycle advances exactly as if the worker had reported the outcome.
func (r *Reconciler) runningSync(ctx context.Context, stats *Stats) []error {
	running, err := r.tasks.FindByStatus(ctx, catalog.TaskRunning)
	if err != nil {
		return []error{fmt.Errorf("list running tasks: %w", err)}
	}

	var errs []error
	for _, t := range running {
		state, err := r.broker.State(ctx, broker.QueueJobs, broker.JobIDFor(t.TaskID))
		switch {
		case errors.Is(err, broker.ErrUnknownJob):
			if err := r.resetRunning(ctx, t); err != nil {
				errs = append(errs, err)
				continue
			}
			stats.RunningReset++
			metrics.IncReconcileRepair("reset")

		case err != nil:
			errs = append(errs, fmt.Errorf("state of running task %s: %w", t.TaskID, err))

		case state.Status == broker.StatusCompleted:
			if err := r.orch.HandleTaskCompletion(ctx, t); err != nil {
				errs = append(errs, fmt.Errorf("complete task %s: %w", t.TaskID, err))
				continue
			}
			stats.RunningCompleted++
			metrics.IncReconcileRepair("completed")

		case state.Status == broker.StatusFailed:
			if err := r.orch.HandleTaskFailure(ctx, t, errors.New(state.Error)); err != nil {
				errs = append(errs, fmt.Errorf("fail task %s: %w", t.TaskID, err))
				continue
			}
			stats.RunningFailed++
			metrics.IncReconcileRepair("failed")

		case state.Status == broker.StatusCancelled:
			switch err := r.tasks.MarkCancelled(ctx, t.TaskID); {
			case err == nil:
				stats.RunningCancelled++
				metrics.IncReconcileRepair("cancelled")
			case errors.Is(err, task.ErrInvalidTransition):
				// Already terminal, e.g. the worker finished the job after
				// the task list was read.
			default:
				errs = append(errs, fmt.Errorf("cancel task %s: %w", t.TaskID, err))
			}

			// queued, active, abort_requested: a worker owns the job.
		}
	}
	return errs
}

func (r *Reconciler) resetRunning(ctx context.Context, t *catalog.Task) error {
	if err := r.tasks.ResetToPending(ctx, t.TaskID); err != nil {
		return fmt.Errorf("reset running task %s: %w", t.TaskID, err)
	}
	if err := r.orch.Enqueue(ctx, t); err != nil {
		return fmt.Errorf("requeue reset task %s: %w", t.TaskID, err)
	}
	r.logger.Warn().
		Str("event", "reconcile.reset").
		Str("task_id", t.TaskID).
		Str("task_type", string(t.Type)).
		Str("video_id", t.VideoID).
		Msg("running task had no broker job, reset to pending")
	return nil
}

// longRunningSweep logs running tasks older than the threshold. No state
// changes: a slow task is an observation, not a fault.
func (r *Reconciler) longRunningSweep(ctx context.Context, stats *Stats) []error {
	running, err := r.tasks.FindByStatus(ctx, catalog.TaskRunning)
	if err != nil {
		return []error{fmt.Errorf("list running tasks: %w", err)}
	}

	now := catalog.NowMS()
	threshold := r.cfg.LongRunningAfter.Milliseconds()
	for _, t := range running {
		if t.StartedAtMS == 0 || now-t.StartedAtMS < threshold {
			continue
		}
		stats.LongRunning++
		r.logger.Warn().
			Str("event", "reconcile.long_running").
			Str("task_id", t.TaskID).
			Str("task_type", string(t.Type)).
			Str("video_id", t.VideoID).
			Dur("running_for", time.Duration(now-t.StartedAtMS)*time.Millisecond).
			Msg("task running past threshold")
	}
	return nil
}
