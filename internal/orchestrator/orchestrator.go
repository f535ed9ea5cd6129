// SPDX-License-Identifier: MIT

// Package orchestrator drives the task lifecycle per video: it decides
// which task kinds are due, creates their rows, hands them to the job
// producer, and moves videos through their lifecycle as tasks finish.
// It never inspects queue internals; the broker owns delivery.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vidgrep/vidgrep/internal/broker"
	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/library"
	"github.com/vidgrep/vidgrep/internal/metrics"
	"github.com/vidgrep/vidgrep/internal/task"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

// Config carries the scheduling knobs.
type Config struct {
	// OCRLanguages is the normalized language fan-out for OCR tasks.
	// One task is created per language.
	OCRLanguages []string

	// TranscriptionLanguage is an optional hint; empty means the model
	// auto-detects.
	TranscriptionLanguage string
}

// Orchestrator wires the video store, the task repository and the job
// producer into the scheduling loop.
type Orchestrator struct {
	videos   *library.VideoStore
	tasks    *task.Repository
	producer *broker.Producer
	cfg      Config
	logger   zerolog.Logger
}

// New creates an orchestrator.
func New(videos *library.VideoStore, tasks *task.Repository, producer *broker.Producer, cfg Config, logger zerolog.Logger) *Orchestrator {
	if len(cfg.OCRLanguages) == 0 {
		cfg.OCRLanguages = []string{"en"}
	}
	return &Orchestrator{
		videos:   videos,
		tasks:    tasks,
		producer: producer,
		cfg:      cfg,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
	}
}

// CreateTasksForVideo creates and enqueues a task for every kind whose
// readiness rule is satisfied and which does not exist yet for the
// video. Existing tasks make the insert a silent no-op, so the call is
// idempotent and safe to repeat on every lifecycle event.
func (o *Orchestrator) CreateTasksForVideo(ctx context.Context, video *catalog.Video) ([]*catalog.Task, error) {
	state := taskgraph.VideoState{
		Status:  string(video.Status),
		HasHash: video.ContentHash != "",
	}

	var created []*catalog.Task
	for _, kind := range taskgraph.AllTaskKinds() {
		if !taskgraph.Ready(kind, state) {
			continue
		}
		spec, _ := taskgraph.SpecFor(kind)

		for _, lang := range o.languagesFor(spec) {
			t := &catalog.Task{
				TaskID:    uuid.NewString(),
				VideoID:   video.VideoID,
				Type:      kind,
				Language:  lang,
				Status:    catalog.TaskPending,
				Priority:  spec.Priority,
				DependsOn: spec.DependsOn,
			}

			err := o.tasks.Insert(ctx, t)
			if errors.Is(err, catalog.ErrDuplicate) {
				continue
			}
			if err != nil {
				return created, fmt.Errorf("insert %s task for %s: %w", kind, video.VideoID, err)
			}

			if err := o.enqueue(ctx, t, video); err != nil {
				return created, err
			}

			metrics.IncTaskCreated(string(kind))
			created = append(created, t)
		}
	}

	if len(created) > 0 {
		o.logger.Info().
			Str("event", "tasks.created").
			Str("video_id", video.VideoID).
			Int("count", len(created)).
			Msg("tasks created")
	}
	return created, nil
}

// languagesFor expands a kind into its language fan-out. Language-free
// kinds yield a single empty tag.
func (o *Orchestrator) languagesFor(spec taskgraph.Spec) []string {
	switch spec.Language {
	case taskgraph.LanguageRequired:
		return o.cfg.OCRLanguages
	case taskgraph.LanguageOptional:
		return []string{o.cfg.TranscriptionLanguage}
	default:
		return []string{""}
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, t *catalog.Task, video *catalog.Video) error {
	ref := broker.TaskRef{
		TaskID:    t.TaskID,
		Kind:      t.Type,
		VideoID:   video.VideoID,
		VideoPath: video.Path,
		Language:  t.Language,
	}
	if video.ContentHash != "" {
		ref.Config = map[string]string{"input_hash": video.ContentHash}
	}

	if _, err := o.producer.EnqueueTask(ctx, ref); err != nil {
		return fmt.Errorf("enqueue %s task %s: %w", t.Type, t.TaskID, err)
	}
	return nil
}

// Enqueue rebuilds the job for an existing task from the current video
// row and hands it to the producer. The reconciler uses this to repair
// tasks whose broker state has vanished.
func (o *Orchestrator) Enqueue(ctx context.Context, t *catalog.Task) error {
	video, err := o.videos.Get(ctx, t.VideoID)
	if err != nil {
		return fmt.Errorf("load video %s: %w", t.VideoID, err)
	}
	return o.enqueue(ctx, t, video)
}

// ProcessDiscoveredVideos schedules the hash task for every video still
// in discovered. Per-video failures are collected, not fatal.
func (o *Orchestrator) ProcessDiscoveredVideos(ctx context.Context) (int, error) {
	videos, err := o.videos.ListByStatus(ctx, catalog.VideoDiscovered)
	if err != nil {
		return 0, fmt.Errorf("list discovered videos: %w", err)
	}

	var (
		created int
		errs    []error
	)
	for _, video := range videos {
		tasks, err := o.CreateTasksForVideo(ctx, video)
		if err != nil {
			o.logger.Error().Err(err).
				Str("video_id", video.VideoID).
				Msg("scheduling discovered video failed")
			errs = append(errs, err)
			continue
		}
		created += len(tasks)
	}
	return created, errors.Join(errs...)
}

// HandleTaskCompletion marks the task completed and advances the video
// lifecycle: hash completion unlocks the ML tier, the first ML outcome
// flips the video to processing (unlocking derivatives), and once every
// task is terminal with no failures the video is completed.
func (o *Orchestrator) HandleTaskCompletion(ctx context.Context, t *catalog.Task) error {
	switch err := o.tasks.MarkCompleted(ctx, t.TaskID); {
	case err == nil:
		metrics.IncTaskTransition(string(t.Type), string(catalog.TaskCompleted))
	case errors.Is(err, task.ErrInvalidTransition):
		// A reconciler pass or redelivery beat us to it; the lifecycle
		// below is idempotent either way.
	default:
		return fmt.Errorf("mark task %s completed: %w", t.TaskID, err)
	}

	o.logger.Info().
		Str("event", "task.completed").
		Str("task_id", t.TaskID).
		Str("task_type", string(t.Type)).
		Str("video_id", t.VideoID).
		Msg("task completed")

	return o.advanceVideo(ctx, t, false)
}

// HandleTaskFailure marks the task failed. A failed hash fails the whole
// video; ML failures leave it in processing.
func (o *Orchestrator) HandleTaskFailure(ctx context.Context, t *catalog.Task, taskErr error) error {
	msg := ""
	if taskErr != nil {
		msg = taskErr.Error()
	}
	switch err := o.tasks.MarkFailed(ctx, t.TaskID, msg); {
	case err == nil:
		metrics.IncTaskTransition(string(t.Type), string(catalog.TaskFailed))
	case errors.Is(err, task.ErrInvalidTransition):
	default:
		return fmt.Errorf("mark task %s failed: %w", t.TaskID, err)
	}

	o.logger.Warn().
		Str("event", "task.failed").
		Str("task_id", t.TaskID).
		Str("task_type", string(t.Type)).
		Str("video_id", t.VideoID).
		Str("error", msg).
		Msg("task failed")

	return o.advanceVideo(ctx, t, true)
}

// advanceVideo applies the lifecycle rules after a task reached a
// terminal status.
func (o *Orchestrator) advanceVideo(ctx context.Context, t *catalog.Task, failed bool) error {
	video, err := o.videos.Get(ctx, t.VideoID)
	if err != nil {
		return fmt.Errorf("load video %s: %w", t.VideoID, err)
	}

	switch {
	case t.Type == taskgraph.TaskHash && failed:
		if err := o.videos.UpdateStatus(ctx, video.VideoID, catalog.VideoFailed); err != nil {
			return err
		}
		return nil

	case t.Type == taskgraph.TaskHash:
		// The hash handler records hash and probe results itself; this
		// covers the reconciler path where only the task outcome is known.
		if video.Status == catalog.VideoDiscovered {
			if err := o.videos.UpdateStatus(ctx, video.VideoID, catalog.VideoHashed); err != nil {
				return err
			}
		}

	default:
		// First ML-tier outcome moves the video out of hashed.
		if video.Status == catalog.VideoHashed {
			if err := o.videos.UpdateStatus(ctx, video.VideoID, catalog.VideoProcessing); err != nil {
				return err
			}
		}
	}

	// Re-evaluate readiness with the fresh state: hash completion unlocks
	// the ML tier, processing unlocks the derivative tier.
	video, err = o.videos.Get(ctx, video.VideoID)
	if err != nil {
		return err
	}
	if _, err := o.CreateTasksForVideo(ctx, video); err != nil {
		return err
	}

	progress, err := o.tasks.Progress(ctx, video.VideoID)
	if err != nil {
		return fmt.Errorf("progress of %s: %w", video.VideoID, err)
	}
	if progress.Total > 0 && progress.Terminal == progress.Total && progress.Failed == 0 &&
		video.Status != catalog.VideoCompleted && video.Status != catalog.VideoFailed {
		if err := o.videos.UpdateStatus(ctx, video.VideoID, catalog.VideoCompleted); err != nil {
			return err
		}
		o.logger.Info().
			Str("event", "video.completed").
			Str("video_id", video.VideoID).
			Int("tasks", progress.Total).
			Msg("all tasks completed")
	}
	return nil
}

// RetryFailedTasks resets every failed task to pending and enqueues it
// again. Returns the number of tasks retried.
func (o *Orchestrator) RetryFailedTasks(ctx context.Context) (int, error) {
	failed, err := o.tasks.FindByStatus(ctx, catalog.TaskFailed)
	if err != nil {
		return 0, fmt.Errorf("list failed tasks: %w", err)
	}

	var (
		retried int
		errs    []error
	)
	for _, t := range failed {
		if err := o.retryOne(ctx, t); err != nil {
			errs = append(errs, err)
			continue
		}
		retried++
	}

	if retried > 0 {
		o.logger.Info().
			Str("event", "tasks.retried").
			Int("count", retried).
			Msg("failed tasks reset and requeued")
	}
	return retried, errors.Join(errs...)
}

// RetryVideo retries the failed tasks of a single video.
func (o *Orchestrator) RetryVideo(ctx context.Context, videoID string) (int, error) {
	all, err := o.tasks.FindByVideo(ctx, videoID)
	if err != nil {
		return 0, err
	}

	var (
		retried int
		errs    []error
	)
	for _, t := range all {
		if t.Status != catalog.TaskFailed {
			continue
		}
		if err := o.retryOne(ctx, t); err != nil {
			errs = append(errs, err)
			continue
		}
		retried++
	}
	return retried, errors.Join(errs...)
}

func (o *Orchestrator) retryOne(ctx context.Context, t *catalog.Task) error {
	if err := o.tasks.ResetToPending(ctx, t.TaskID); err != nil {
		return fmt.Errorf("reset task %s: %w", t.TaskID, err)
	}

	video, err := o.videos.Get(ctx, t.VideoID)
	if err != nil {
		return err
	}

	// A video failed by its hash task gets another chance.
	if video.Status == catalog.VideoFailed && t.Type == taskgraph.TaskHash {
		if err := o.videos.UpdateStatus(ctx, video.VideoID, catalog.VideoDiscovered); err != nil {
			return err
		}
	}

	if err := o.enqueue(ctx, t, video); err != nil {
		return err
	}
	metrics.IncTaskTransition(string(t.Type), string(catalog.TaskPending))
	return nil
}
