package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vidgrep/vidgrep/internal/broker"
	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/library"
	"github.com/vidgrep/vidgrep/internal/orchestrator"
	"github.com/vidgrep/vidgrep/internal/persistence/sqlite"
	"github.com/vidgrep/vidgrep/internal/task"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

type fixture struct {
	rec      *Reconciler
	broker   *broker.Broker
	producer *broker.Producer
	videos   *library.VideoStore
	tasks    *task.Repository
	mr       *miniredis.Miniredis
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "catalog.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, catalog.Migrate(context.Background(), db))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := broker.NewWithClient(client, zerolog.Nop())
	producer := broker.NewProducer(b)

	videos := library.NewVideoStore(db)
	tasks := task.NewRepository(db)
	orch := orchestrator.New(videos, tasks, producer, orchestrator.Config{
		OCRLanguages: []string{"en"},
	}, zerolog.Nop())

	return &fixture{
		rec:      New(b, tasks, orch, cfg, zerolog.Nop()),
		broker:   b,
		producer: producer,
		videos:   videos,
		tasks:    tasks,
		mr:       mr,
	}
}

func (f *fixture) addVideo(t *testing.T, id string, status catalog.VideoStatus, hash string) *catalog.Video {
	t.Helper()
	v := &catalog.Video{
		VideoID:     id,
		Path:        "/media/" + id + ".mp4",
		ContentHash: hash,
		Status:      status,
	}
	require.NoError(t, f.videos.Insert(context.Background(), v))
	return v
}

func (f *fixture) addTask(t *testing.T, v *catalog.Video, kind taskgraph.TaskKind, status catalog.TaskStatus) *catalog.Task {
	t.Helper()
	spec, ok := taskgraph.SpecFor(kind)
	require.True(t, ok)

	tk := &catalog.Task{
		TaskID:   uuid.NewString(),
		VideoID:  v.VideoID,
		Type:     kind,
		Status:   status,
		Priority: spec.Priority,
	}
	if status == catalog.TaskRunning {
		tk.StartedAtMS = catalog.NowMS()
	}
	require.NoError(t, f.tasks.Insert(context.Background(), tk))
	return tk
}

// enqueue gives the task a live broker job, the way the orchestrator would.
func (f *fixture) enqueue(t *testing.T, tk *catalog.Task, v *catalog.Video) {
	t.Helper()
	_, err := f.producer.EnqueueTask(context.Background(), broker.TaskRef{
		TaskID:    tk.TaskID,
		Kind:      tk.Type,
		VideoID:   v.VideoID,
		VideoPath: v.Path,
	})
	require.NoError(t, err)
}

func (f *fixture) depth(t *testing.T) int64 {
	t.Helper()
	n, err := f.broker.QueueDepth(context.Background(), broker.QueueJobs)
	require.NoError(t, err)
	return n
}

func (f *fixture) state(t *testing.T, taskID string) *broker.JobState {
	t.Helper()
	st, err := f.broker.State(context.Background(), broker.QueueJobs, broker.JobIDFor(taskID))
	require.NoError(t, err)
	return st
}

func (f *fixture) taskStatus(t *testing.T, taskID string) *catalog.Task {
	t.Helper()
	tk, err := f.tasks.Get(context.Background(), taskID)
	require.NoError(t, err)
	return tk
}

func TestPendingTaskWithoutJobIsRequeued(t *testing.T) {
	f := setup(t, Config{})
	v := f.addVideo(t, "vid-1", catalog.VideoDiscovered, "")
	tk := f.addTask(t, v, taskgraph.TaskHash, catalog.TaskPending)

	stats, errs := f.rec.RunOnce(context.Background())

	require.Empty(t, errs)
	assert.Equal(t, 1, stats.PendingRequeued)
	assert.EqualValues(t, 1, f.depth(t))
	assert.Equal(t, broker.StatusQueued, f.state(t, tk.TaskID).Status)
	assert.Equal(t, catalog.TaskPending, f.taskStatus(t, tk.TaskID).Status)
}

func TestPendingTaskWithLiveJobIsLeftAlone(t *testing.T) {
	f := setup(t, Config{})
	v := f.addVideo(t, "vid-1", catalog.VideoDiscovered, "")
	tk := f.addTask(t, v, taskgraph.TaskHash, catalog.TaskPending)
	f.enqueue(t, tk, v)

	stats, errs := f.rec.RunOnce(context.Background())

	require.Empty(t, errs)
	assert.Zero(t, stats.PendingRequeued)
	assert.EqualValues(t, 1, f.depth(t), "no duplicate enqueue")
}

func TestPendingTaskWithTerminalJobIsRequeued(t *testing.T) {
	f := setup(t, Config{})
	v := f.addVideo(t, "vid-1", catalog.VideoDiscovered, "")
	tk := f.addTask(t, v, taskgraph.TaskHash, catalog.TaskPending)
	f.enqueue(t, tk, v)

	// A worker consumed the job and died; a later Fail made it terminal
	// while the task row was already reset to pending.
	job, err := f.broker.Consume(context.Background(), broker.QueueJobs, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	requeued, err := f.broker.Fail(context.Background(), broker.QueueJobs, job.ID, "worker exploded", 0)
	require.NoError(t, err)
	require.False(t, requeued)

	stats, errs := f.rec.RunOnce(context.Background())

	require.Empty(t, errs)
	assert.Equal(t, 1, stats.PendingRequeued)
	assert.EqualValues(t, 1, f.depth(t))

	st := f.state(t, tk.TaskID)
	assert.Equal(t, broker.StatusQueued, st.Status)
	assert.Zero(t, st.Tries, "terminal incarnation starts with a fresh budget")
}

func TestRunningTaskWithVanishedJobIsReset(t *testing.T) {
	f := setup(t, Config{})
	v := f.addVideo(t, "vid-1", catalog.VideoHashed, "cafebabe")
	tk := f.addTask(t, v, taskgraph.TaskTranscription, catalog.TaskRunning)
	// No broker state at all: the state hash expired with the dead worker.

	stats, errs := f.rec.RunOnce(context.Background())

	require.Empty(t, errs)
	assert.Equal(t, 1, stats.RunningReset)

	got := f.taskStatus(t, tk.TaskID)
	assert.Equal(t, catalog.TaskPending, got.Status)
	assert.Zero(t, got.StartedAtMS)

	// The rebuilt job carries everything a worker needs, including the
	// content hash for input re-validation.
	job, err := f.broker.Consume(context.Background(), broker.QueueJobs, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, tk.TaskID, job.TaskID)
	assert.Equal(t, v.Path, job.VideoPath)
	assert.Equal(t, "cafebabe", job.Config["input_hash"])
}

func TestRunningTaskWithCompletedJobIsCompleted(t *testing.T) {
	f := setup(t, Config{})
	v := f.addVideo(t, "vid-1", catalog.VideoHashed, "beef")
	tk := f.addTask(t, v, taskgraph.TaskTranscription, catalog.TaskRunning)
	f.enqueue(t, tk, v)
	require.NoError(t, f.broker.Complete(context.Background(), broker.QueueJobs, broker.JobIDFor(tk.TaskID)))

	stats, errs := f.rec.RunOnce(context.Background())

	require.Empty(t, errs)
	assert.Equal(t, 1, stats.RunningCompleted)
	assert.Equal(t, catalog.TaskCompleted, f.taskStatus(t, tk.TaskID).Status)

	// Routed through the orchestrator, so the first ML outcome advances
	// the video lifecycle exactly as a live worker report would.
	video, err := f.videos.Get(context.Background(), v.VideoID)
	require.NoError(t, err)
	assert.Equal(t, catalog.VideoProcessing, video.Status)
}

func TestRunningHashTaskWithFailedJobFailsVideo(t *testing.T) {
	f := setup(t, Config{})
	v := f.addVideo(t, "vid-1", catalog.VideoDiscovered, "")
	tk := f.addTask(t, v, taskgraph.TaskHash, catalog.TaskRunning)
	f.enqueue(t, tk, v)
	_, err := f.broker.Fail(context.Background(), broker.QueueJobs, broker.JobIDFor(tk.TaskID), "disk read error", 0)
	require.NoError(t, err)

	stats, errs := f.rec.RunOnce(context.Background())

	require.Empty(t, errs)
	assert.Equal(t, 1, stats.RunningFailed)

	got := f.taskStatus(t, tk.TaskID)
	assert.Equal(t, catalog.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "disk read error")

	video, err := f.videos.Get(context.Background(), v.VideoID)
	require.NoError(t, err)
	assert.Equal(t, catalog.VideoFailed, video.Status)
}

func TestRunningTaskWithCancelledJobIsCancelled(t *testing.T) {
	f := setup(t, Config{})
	v := f.addVideo(t, "vid-1", catalog.VideoHashed, "beef")
	tk := f.addTask(t, v, taskgraph.TaskTranscription, catalog.TaskRunning)
	f.enqueue(t, tk, v)
	require.NoError(t, f.broker.Cancel(context.Background(), broker.QueueJobs, broker.JobIDFor(tk.TaskID), "operator abort"))

	stats, errs := f.rec.RunOnce(context.Background())

	require.Empty(t, errs)
	assert.Equal(t, 1, stats.RunningCancelled)
	assert.Equal(t, catalog.TaskCancelled, f.taskStatus(t, tk.TaskID).Status)
}

func TestLongRunningTaskIsLoggedNotTouched(t *testing.T) {
	f := setup(t, Config{LongRunningAfter: time.Hour})
	v := f.addVideo(t, "vid-1", catalog.VideoHashed, "beef")

	tk := &catalog.Task{
		TaskID:      uuid.NewString(),
		VideoID:     v.VideoID,
		Type:        taskgraph.TaskTranscription,
		Status:      catalog.TaskRunning,
		StartedAtMS: catalog.NowMS() - (2 * time.Hour).Milliseconds(),
	}
	require.NoError(t, f.tasks.Insert(context.Background(), tk))
	f.enqueue(t, tk, v)

	stats, errs := f.rec.RunOnce(context.Background())

	require.Empty(t, errs)
	assert.Equal(t, 1, stats.LongRunning)
	assert.Zero(t, stats.Repairs())
	assert.Equal(t, catalog.TaskRunning, f.taskStatus(t, tk.TaskID).Status)
}

func TestBrokerErrorsDefaultToJobExists(t *testing.T) {
	f := setup(t, Config{})
	v1 := f.addVideo(t, "vid-1", catalog.VideoDiscovered, "")
	f.addTask(t, v1, taskgraph.TaskHash, catalog.TaskPending)
	v2 := f.addVideo(t, "vid-2", catalog.VideoHashed, "beef")
	f.addTask(t, v2, taskgraph.TaskTranscription, catalog.TaskRunning)

	f.mr.SetError("redis gone")
	stats, errs := f.rec.RunOnce(context.Background())
	assert.Zero(t, stats.Repairs(), "no repairs on a flaky broker")
	assert.Len(t, errs, 2)

	// The next pass converges once the broker is back.
	f.mr.SetError("")
	stats, errs = f.rec.RunOnce(context.Background())
	require.Empty(t, errs)
	assert.Equal(t, 1, stats.PendingRequeued)
	assert.Equal(t, 1, stats.RunningReset)
	assert.EqualValues(t, 2, f.depth(t))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := setup(t, Config{Interval: 10 * time.Millisecond})
	v := f.addVideo(t, "vid-1", catalog.VideoDiscovered, "")
	f.addTask(t, v, taskgraph.TaskHash, catalog.TaskPending)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rec.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := f.broker.QueueDepth(context.Background(), broker.QueueJobs)
		return err == nil && n == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
