package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBroker(t *testing.T) (*miniredis.Miniredis, *Broker) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewWithClient(client, zerolog.Nop())
}

func testJob(id string) Job {
	return Job{
		ID:        id,
		Queue:     QueueJobs,
		Handler:   HandlerVideoTask,
		TaskID:    "task-1",
		TaskType:  "transcription",
		VideoID:   "vid-1",
		VideoPath: "/media/a.mp4",
	}
}

func TestEnqueueConsumeRoundTrip(t *testing.T) {
	_, b := setupBroker(t)
	ctx := context.Background()

	jobID, err := b.Enqueue(ctx, testJob("ml_task-1"))
	require.NoError(t, err)
	assert.Equal(t, "ml_task-1", jobID)

	job, err := b.Consume(ctx, QueueJobs, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, "ml_task-1", job.ID)
	assert.Equal(t, "task-1", job.TaskID)
	assert.Equal(t, "transcription", job.TaskType)
	assert.Equal(t, "/media/a.mp4", job.VideoPath)
	assert.Equal(t, 1, job.Tries)

	state, err := b.State(ctx, QueueJobs, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, state.Status)
	assert.Equal(t, 1, state.Tries)
}

func TestEnqueueDeduplicatesLiveJob(t *testing.T) {
	_, b := setupBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, testJob("ml_task-1"))
	require.NoError(t, err)

	// Same job id while the first is still queued: no second payload.
	jobID, err := b.Enqueue(ctx, testJob("ml_task-1"))
	require.NoError(t, err)
	assert.Equal(t, "ml_task-1", jobID)

	depth, err := b.QueueDepth(ctx, QueueJobs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestEnqueueAfterTerminalRequeues(t *testing.T) {
	_, b := setupBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, testJob("ml_task-1"))
	require.NoError(t, err)

	job, err := b.Consume(ctx, QueueJobs, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, QueueJobs, job.ID))

	// Re-enqueueing a completed job is the operator retry path.
	_, err = b.Enqueue(ctx, testJob("ml_task-1"))
	require.NoError(t, err)

	state, err := b.State(ctx, QueueJobs, "ml_task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, state.Status)
	assert.Equal(t, 0, state.Tries)

	depth, err := b.QueueDepth(ctx, QueueJobs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestConsumeEmptyQueue(t *testing.T) {
	_, b := setupBroker(t)

	job, err := b.Consume(context.Background(), QueueJobs, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestFailRequeuesUntilMaxTries(t *testing.T) {
	_, b := setupBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, testJob("ml_task-1"))
	require.NoError(t, err)

	// First delivery fails: below the cap, so the job goes around again.
	job, err := b.Consume(ctx, QueueJobs, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, job.Tries)

	requeued, err := b.Fail(ctx, QueueJobs, job.ID, "transient", 3)
	require.NoError(t, err)
	assert.True(t, requeued)

	job, err = b.Consume(ctx, QueueJobs, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Tries)

	state, err := b.State(ctx, QueueJobs, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "transient", state.Error)
}

func TestFailAtMaxTriesIsTerminal(t *testing.T) {
	mr, b := setupBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, testJob("ml_task-1"))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		job, err := b.Consume(ctx, QueueJobs, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, job, "delivery %d", i)
		assert.Equal(t, i, job.Tries)

		_, err = b.Fail(ctx, QueueJobs, job.ID, "boom", 3)
		require.NoError(t, err)
	}

	state, err := b.State(ctx, QueueJobs, "ml_task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "boom", state.Error)

	depth, err := b.QueueDepth(ctx, QueueJobs)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	// Terminal state survives with a TTL so the reconciler can see it.
	ttl := mr.TTL("vidgrep:job:jobs:ml_task-1")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 24*time.Hour)
}

func TestCompleteSetsRetention(t *testing.T) {
	mr, b := setupBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, testJob("ml_task-1"))
	require.NoError(t, err)

	job, err := b.Consume(ctx, QueueJobs, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, QueueJobs, job.ID))

	state, err := b.State(ctx, QueueJobs, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)

	assert.Greater(t, mr.TTL("vidgrep:job:jobs:ml_task-1"), time.Duration(0))

	// Past retention the state is gone.
	mr.FastForward(25 * time.Hour)
	_, err = b.State(ctx, QueueJobs, job.ID)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRequestAbort(t *testing.T) {
	_, b := setupBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, testJob("ml_task-1"))
	require.NoError(t, err)

	require.NoError(t, b.RequestAbort(ctx, QueueJobs, "ml_task-1"))

	aborted, err := b.AbortRequested(ctx, QueueJobs, "ml_task-1")
	require.NoError(t, err)
	assert.True(t, aborted)

	// Consuming an abort-requested job must not flip it back to active.
	job, err := b.Consume(ctx, QueueJobs, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	aborted, err = b.AbortRequested(ctx, QueueJobs, job.ID)
	require.NoError(t, err)
	assert.True(t, aborted)

	require.NoError(t, b.Cancel(ctx, QueueJobs, job.ID, "abort requested"))
	state, err := b.State(ctx, QueueJobs, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, state.Status)
}

func TestRequestAbortTerminalJob(t *testing.T) {
	_, b := setupBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, testJob("ml_task-1"))
	require.NoError(t, err)
	job, err := b.Consume(ctx, QueueJobs, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, QueueJobs, job.ID))

	err = b.RequestAbort(ctx, QueueJobs, job.ID)
	assert.ErrorIs(t, err, ErrJobTerminal)
}

func TestStateUnknownJob(t *testing.T) {
	_, b := setupBroker(t)

	_, err := b.State(context.Background(), QueueJobs, "ml_nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestQueuesAreIsolated(t *testing.T) {
	_, b := setupBroker(t)
	ctx := context.Background()

	jobsJob := testJob("ml_task-1")
	mlJob := testJob("ml_task-1")
	mlJob.Queue = QueueMLJobs
	mlJob.Handler = HandlerInferenceJob

	_, err := b.Enqueue(ctx, jobsJob)
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, mlJob)
	require.NoError(t, err)

	// Same deterministic id on both queues, but independent lifecycles.
	require.NoError(t, b.Complete(ctx, QueueJobs, "ml_task-1"))

	jobsState, err := b.State(ctx, QueueJobs, "ml_task-1")
	require.NoError(t, err)
	mlState, err := b.State(ctx, QueueMLJobs, "ml_task-1")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, jobsState.Status)
	assert.Equal(t, StatusQueued, mlState.Status)
}
