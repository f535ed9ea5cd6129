// SPDX-License-Identifier: MIT

// Package broker implements the Redis job queues connecting the
// orchestrator, the backend workers and the ML workers. Jobs travel on
// plain lists; every job additionally owns a state hash so producers can
// deduplicate, workers can report progress and the reconciler can inspect
// outcomes after the fact.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vidgrep/vidgrep/internal/metrics"
)

// Queue names. QueueJobs feeds the backend workers, QueueMLJobs the
// inference workers.
const (
	QueueJobs   = "jobs"
	QueueMLJobs = "ml_jobs"
)

// Status is the broker-side lifecycle of a job, tracked in its state hash.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusActive         Status = "active"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusAbortRequested Status = "abort_requested"
)

// Terminal reports whether the status is final. Terminal state hashes are
// kept for 24h so the reconciler can still observe the outcome.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// terminalTTL is how long completed/failed/cancelled state hashes survive.
const terminalTTL = 24 * time.Hour

// Job is the payload pushed onto a queue list. The same document is kept
// in the state hash so a failed job can be requeued without the producer.
type Job struct {
	ID        string            `json:"job_id"`
	Queue     string            `json:"queue"`
	Handler   string            `json:"handler"`
	TaskID    string            `json:"task_id"`
	TaskType  string            `json:"task_type"`
	VideoID   string            `json:"video_id"`
	VideoPath string            `json:"video_path"`
	Language  string            `json:"language,omitempty"`
	Config    map[string]string `json:"config,omitempty"`

	EnqueuedAtMS int64 `json:"enqueued_at_ms"`

	// Tries is the delivery count, populated from the state hash when the
	// job is consumed. It is not part of the queued payload.
	Tries int `json:"-"`
}

// JobState is the broker's view of a job, read from its state hash.
type JobState struct {
	Status       Status
	Queue        string
	TaskID       string
	TaskType     string
	VideoID      string
	Error        string
	Tries        int
	EnqueuedAtMS int64
	UpdatedAtMS  int64
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Broker talks to Redis. All operations are safe for concurrent use.
type Broker struct {
	client *redis.Client
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(cfg Config, logger zerolog.Logger) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  0, // blocking consume manages its own deadline
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to redis broker")

	return &Broker{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client, logger zerolog.Logger) *Broker {
	return &Broker{client: client, logger: logger}
}

// Close releases the underlying connection pool.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Ping verifies the Redis connection is alive. Readiness probes use it.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func queueKey(queue string) string {
	return "vidgrep:q:" + queue
}

// State hashes are scoped by queue: the deterministic job id derived from
// the task id is reused on both queues, and the two stages must not share
// lifecycle state.
func stateKey(queue, jobID string) string {
	return "vidgrep:job:" + queue + ":" + jobID
}

// Enqueue pushes a job unless a live job with the same id already exists
// on the queue. Jobs whose previous incarnation reached a terminal status
// are reset and pushed again, which is what makes operator retries work.
// Returns the job id in every non-error case.
func (b *Broker) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.ID == "" || job.Queue == "" {
		return "", fmt.Errorf("%w: missing id or queue", ErrMalformedJob)
	}

	key := stateKey(job.Queue, job.ID)

	created, err := b.client.HSetNX(ctx, key, "status", string(StatusQueued)).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue guard %s: %w", job.ID, err)
	}

	if !created {
		status, err := b.status(ctx, key)
		if err != nil {
			return "", err
		}
		if !status.Terminal() {
			b.logger.Debug().
				Str("job_id", job.ID).
				Str("queue", job.Queue).
				Str("status", string(status)).
				Msg("enqueue deduplicated: job is live")
			return job.ID, nil
		}
		// Terminal incarnation: reset and go again.
		if err := b.client.HSet(ctx, key, "status", string(StatusQueued)).Err(); err != nil {
			return "", fmt.Errorf("reset job %s: %w", job.ID, err)
		}
	}

	if err := b.push(ctx, key, job, true); err != nil {
		return "", err
	}

	metrics.IncJobEnqueued(job.Queue)
	b.logger.Debug().
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Str("task_id", job.TaskID).
		Str("task_type", job.TaskType).
		Msg("job enqueued")

	return job.ID, nil
}

// push writes the state hash and appends the payload to the queue list.
// With reset set the delivery counter and previous error are cleared and
// any terminal TTL is removed.
func (b *Broker) push(ctx context.Context, key string, job Job, reset bool) error {
	now := time.Now().UnixMilli()
	job.EnqueuedAtMS = now

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	fields := map[string]interface{}{
		"status":      string(StatusQueued),
		"queue":       job.Queue,
		"task_id":     job.TaskID,
		"task_type":   job.TaskType,
		"video_id":    job.VideoID,
		"payload":     string(payload),
		"enqueued_at": now,
		"updated_at":  now,
	}
	if reset {
		fields["tries"] = 0
		fields["error"] = ""
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Persist(ctx, key)
	pipe.LPush(ctx, queueKey(job.Queue), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return nil
}

// Consume pops the next job from the queue, blocking up to timeout.
// Returns (nil, nil) when the queue stayed empty. The returned job has
// its delivery count populated; a redelivered job carries Tries > 1.
func (b *Broker) Consume(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	res, err := b.client.BRPop(ctx, timeout, queueKey(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("%w: unexpected BRPOP reply", ErrMalformedJob)
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	key := stateKey(queue, job.ID)
	tries, err := b.client.HIncrBy(ctx, key, "tries", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("count delivery %s: %w", job.ID, err)
	}
	job.Tries = int(tries)

	// An abort that raced the queue must not be overwritten by "active";
	// the worker sees it at its next abort check and cancels.
	status, err := b.status(ctx, key)
	if err != nil {
		return nil, err
	}
	if status != StatusAbortRequested {
		if err := b.client.HSet(ctx, key,
			"status", string(StatusActive),
			"updated_at", time.Now().UnixMilli(),
		).Err(); err != nil {
			return nil, fmt.Errorf("activate job %s: %w", job.ID, err)
		}
	}

	metrics.IncJobConsumed(queue)
	if job.Tries > 1 {
		metrics.IncJobRetry(queue)
	}
	return &job, nil
}

// Complete marks the job done and starts the terminal retention clock.
func (b *Broker) Complete(ctx context.Context, queue, jobID string) error {
	return b.finish(ctx, queue, jobID, StatusCompleted, "")
}

// Cancel marks the job cancelled after a cooperative abort.
func (b *Broker) Cancel(ctx context.Context, queue, jobID, reason string) error {
	return b.finish(ctx, queue, jobID, StatusCancelled, reason)
}

func (b *Broker) finish(ctx context.Context, queue, jobID string, status Status, errMsg string) error {
	key := stateKey(queue, jobID)

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key,
		"status", string(status),
		"error", errMsg,
		"updated_at", time.Now().UnixMilli(),
	)
	pipe.Expire(ctx, key, terminalTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish job %s: %w", jobID, err)
	}

	metrics.IncJobFinished(queue, string(status))
	return nil
}

// Fail records a failed delivery. Below maxTries the job is requeued from
// the payload kept in its state hash; at the cap it becomes terminal.
// Reports whether the job went back on the queue.
func (b *Broker) Fail(ctx context.Context, queue, jobID, errMsg string, maxTries int) (bool, error) {
	key := stateKey(queue, jobID)

	vals, err := b.client.HMGet(ctx, key, "tries", "payload").Result()
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", jobID, err)
	}

	tries := parseIntField(vals[0])
	payload, _ := vals[1].(string)

	if tries >= maxTries || payload == "" {
		if err := b.finish(ctx, queue, jobID, StatusFailed, errMsg); err != nil {
			return false, err
		}
		b.logger.Warn().
			Str("job_id", jobID).
			Str("queue", queue).
			Int("tries", tries).
			Str("error", errMsg).
			Msg("job failed permanently")
		return false, nil
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key,
		"status", string(StatusQueued),
		"error", errMsg,
		"updated_at", time.Now().UnixMilli(),
	)
	pipe.LPush(ctx, queueKey(queue), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("requeue job %s: %w", jobID, err)
	}

	b.logger.Warn().
		Str("job_id", jobID).
		Str("queue", queue).
		Int("tries", tries).
		Str("error", errMsg).
		Msg("job requeued after failure")
	return true, nil
}

// RequestAbort asks the worker holding the job to stop. Only queued and
// active jobs can be aborted; terminal jobs return ErrJobTerminal.
func (b *Broker) RequestAbort(ctx context.Context, queue, jobID string) error {
	key := stateKey(queue, jobID)

	status, err := b.status(ctx, key)
	if err != nil {
		return err
	}
	switch status {
	case StatusQueued, StatusActive:
		return b.client.HSet(ctx, key,
			"status", string(StatusAbortRequested),
			"updated_at", time.Now().UnixMilli(),
		).Err()
	case StatusAbortRequested:
		return nil
	default:
		return fmt.Errorf("%w: job %s is %s", ErrJobTerminal, jobID, status)
	}
}

// AbortRequested reports whether an abort is pending for the job.
func (b *Broker) AbortRequested(ctx context.Context, queue, jobID string) (bool, error) {
	status, err := b.status(ctx, stateKey(queue, jobID))
	if err != nil {
		return false, err
	}
	return status == StatusAbortRequested, nil
}

// State returns the broker's view of a job, or ErrUnknownJob when no
// state hash exists (never enqueued, or expired past retention).
func (b *Broker) State(ctx context.Context, queue, jobID string) (*JobState, error) {
	vals, err := b.client.HGetAll(ctx, stateKey(queue, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("state of job %s: %w", jobID, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	state := &JobState{
		Status:   Status(vals["status"]),
		Queue:    vals["queue"],
		TaskID:   vals["task_id"],
		TaskType: vals["task_type"],
		VideoID:  vals["video_id"],
		Error:    vals["error"],
	}
	state.Tries, _ = strconv.Atoi(vals["tries"])
	state.EnqueuedAtMS, _ = strconv.ParseInt(vals["enqueued_at"], 10, 64)
	state.UpdatedAtMS, _ = strconv.ParseInt(vals["updated_at"], 10, 64)
	return state, nil
}

// QueueDepth returns the number of jobs waiting on the queue.
func (b *Broker) QueueDepth(ctx context.Context, queue string) (int64, error) {
	depth, err := b.client.LLen(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("depth of %s: %w", queue, err)
	}
	metrics.RecordQueueDepth(queue, depth)
	return depth, nil
}

func (b *Broker) status(ctx context.Context, key string) (Status, error) {
	val, err := b.client.HGet(ctx, key, "status").Result()
	if err == redis.Nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, key)
	}
	if err != nil {
		return "", fmt.Errorf("read status %s: %w", key, err)
	}
	return Status(val), nil
}

func parseIntField(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}
