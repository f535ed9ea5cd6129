package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
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

	"github.com/vidgrep/vidgrep/internal/artifact"
	"github.com/vidgrep/vidgrep/internal/broker"
	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/library"
	"github.com/vidgrep/vidgrep/internal/media"
	"github.com/vidgrep/vidgrep/internal/orchestrator"
	"github.com/vidgrep/vidgrep/internal/persistence/sqlite"
	"github.com/vidgrep/vidgrep/internal/schema"
	"github.com/vidgrep/vidgrep/internal/task"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
	"github.com/vidgrep/vidgrep/internal/thumbs"
)

type stubProber struct {
	result media.ProbeResult
	err    error
	calls  int
}

func (p *stubProber) Probe(ctx context.Context, path string) (*media.ProbeResult, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	r := p.result
	return &r, nil
}

type stubGrabber struct{}

func (stubGrabber) Grab(ctx context.Context, videoPath string, offsetMS int64) ([]byte, error) {
	return []byte("jpeg"), nil
}

type fixture struct {
	pool      *Pool
	broker    *broker.Broker
	producer  *broker.Producer
	videos    *library.VideoStore
	tasks     *task.Repository
	artifacts *artifact.Store
	runs      *artifact.RunStore
	registry  *schema.Registry
	prober    *stubProber
	orch      *orchestrator.Orchestrator
	dir       string
}

// fastPoll keeps the inference wait loop snappy in tests.
func fastPoll(cfg Config) Config {
	if cfg.PollInitial == 0 {
		cfg.PollInitial = 2 * time.Millisecond
	}
	if cfg.PollMax == 0 {
		cfg.PollMax = 5 * time.Millisecond
	}
	if cfg.PollDeadline == 0 {
		cfg.PollDeadline = 2 * time.Second
	}
	return cfg
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()

	dir := t.TempDir()
	db, err := sqlite.Open(filepath.Join(dir, "catalog.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, catalog.Migrate(context.Background(), db))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := broker.NewWithClient(client, zerolog.Nop())
	producer := broker.NewProducer(b)

	registry := schema.Builtin()
	videos := library.NewVideoStore(db)
	tasks := task.NewRepository(db)
	artifacts := artifact.NewStore(db, registry)
	runs := artifact.NewRunStore(db)
	orch := orchestrator.New(videos, tasks, producer, orchestrator.Config{
		OCRLanguages: []string{"en"},
	}, zerolog.Nop())

	prober := &stubProber{result: media.ProbeResult{
		DurationMS:      90_000,
		Container:       "mp4",
		VideoCodec:      "h264",
		Width:           1920,
		Height:          1080,
		FPS:             29.97,
		FileCreatedAtMS: 1_700_000_000_000,
		GPS:             &media.GPSFix{Lat: 40.7128, Lon: -74.006},
	}}
	hash := NewHashHandler(videos, artifacts, runs, registry, nil, prober, zerolog.Nop())
	extractor := thumbs.NewExtractor(artifacts, stubGrabber{}, filepath.Join(dir, "thumbs"), zerolog.Nop())

	pool := NewPool(Deps{
		Broker:       b,
		Producer:     producer,
		Tasks:        tasks,
		Orchestrator: orch,
		Artifacts:    artifacts,
		Hash:         hash,
		Thumbs:       extractor,
	}, fastPoll(cfg), zerolog.Nop())

	return &fixture{
		pool:      pool,
		broker:    b,
		producer:  producer,
		videos:    videos,
		tasks:     tasks,
		artifacts: artifacts,
		runs:      runs,
		registry:  registry,
		prober:    prober,
		orch:      orch,
		dir:       dir,
	}
}

// addVideo writes a small file and registers it. Returns the video and the
// hex SHA-256 of the file contents.
func (f *fixture) addVideo(t *testing.T, id string) (*catalog.Video, string) {
	t.Helper()
	content := []byte("not really mpeg4 data for " + id)
	path := filepath.Join(f.dir, id+".mp4")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	sum := sha256.Sum256(content)
	v := &catalog.Video{VideoID: id, Path: path, SizeBytes: int64(len(content))}
	require.NoError(t, f.videos.Insert(context.Background(), v))
	return v, hex.EncodeToString(sum[:])
}

// addTask inserts and enqueues a task of the given kind for a video that is
// already past the hash stage.
func (f *fixture) addTask(t *testing.T, v *catalog.Video, kind taskgraph.TaskKind) *catalog.Task {
	t.Helper()
	spec, ok := taskgraph.SpecFor(kind)
	require.True(t, ok)

	tk := &catalog.Task{
		TaskID:    uuid.NewString(),
		VideoID:   v.VideoID,
		Type:      kind,
		Priority:  spec.Priority,
		DependsOn: spec.DependsOn,
	}
	require.NoError(t, f.tasks.Insert(context.Background(), tk))
	_, err := f.producer.EnqueueTask(context.Background(), broker.TaskRef{
		TaskID:    tk.TaskID,
		Kind:      kind,
		VideoID:   v.VideoID,
		VideoPath: v.Path,
	})
	require.NoError(t, err)
	return tk
}

func (f *fixture) consume(t *testing.T) *broker.Job {
	t.Helper()
	job, err := f.broker.Consume(context.Background(), broker.QueueJobs, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

// insertEnvelope stores one valid object detection for a video.
func (f *fixture) insertEnvelope(t *testing.T, videoID string) {
	t.Helper()
	raw, err := f.registry.Serialize(schema.ObjectDetectionV1{Label: "person", Confidence: 0.91})
	require.NoError(t, err)

	runID := uuid.NewString()
	require.NoError(t, f.runs.Create(context.Background(), &catalog.Run{
		RunID:           runID,
		VideoID:         videoID,
		PipelineProfile: string(catalog.ProfileBalanced),
	}))
	require.NoError(t, f.artifacts.Create(context.Background(), &catalog.Envelope{
		ArtifactID:      videoID + "_object_detection_" + runID + "_0",
		VideoID:         videoID,
		Kind:            taskgraph.ArtifactObjectDetection,
		SchemaVersion:   1,
		SpanStartMS:     1000,
		SpanEndMS:       2000,
		Payload:         raw,
		Producer:        "yolo",
		ProducerVersion: "v8",
		ModelProfile:    catalog.ProfileBalanced,
		InputHash:       "deadbeef",
		RunID:           runID,
	}))
}

func TestHashJobEndToEnd(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	v, wantHash := f.addVideo(t, "vid-1")

	created, err := f.orch.CreateTasksForVideo(ctx, v)
	require.NoError(t, err)
	require.Len(t, created, 1)

	job := f.consume(t)
	f.pool.process(ctx, f.pool.logger, job)

	tk, err := f.tasks.Get(ctx, created[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TaskCompleted, tk.Status)

	video, err := f.videos.Get(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, catalog.VideoHashed, video.Status)
	assert.Equal(t, wantHash, video.ContentHash)
	assert.InDelta(t, 90.0, video.DurationS, 0.001)
	assert.Equal(t, int64(1_700_000_000_000), video.FileCreatedAtMS)

	// One metadata envelope, provenance pointing back at the file revision.
	envs, err := f.artifacts.GetByVideo(ctx, "vid-1", artifact.ListOptions{Kind: taskgraph.ArtifactVideoMetadata})
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, hashProducer, envs[0].Producer)
	assert.Equal(t, hashConfigHash, envs[0].ConfigHash)
	assert.Equal(t, wantHash, envs[0].InputHash)
	assert.Equal(t, int64(90_000), envs[0].SpanEndMS)

	var payload schema.VideoMetadataV1
	require.NoError(t, json.Unmarshal(envs[0].Payload, &payload))
	assert.Equal(t, "h264", payload.Codec)
	require.NotNil(t, payload.GPS)
	assert.InDelta(t, 40.7128, payload.GPS.Lat, 0.0001)

	runs, err := f.runs.GetByVideo(ctx, "vid-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, catalog.RunCompleted, runs[0].Status)

	state, err := f.broker.State(ctx, broker.QueueJobs, job.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusCompleted, state.Status)

	// Hash completion unlocked the analysis tier.
	depth, err := f.broker.QueueDepth(ctx, broker.QueueJobs)
	require.NoError(t, err)
	assert.Equal(t, int64(6), depth)
}

func TestHashHandlerCachesProbeResults(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	v, wantHash := f.addVideo(t, "vid-1")

	cache, err := media.OpenCache(filepath.Join(f.dir, "hashcache"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	h := NewHashHandler(f.videos, f.artifacts, f.runs, f.registry, cache, f.prober, zerolog.Nop())
	job := &broker.Job{TaskID: "t-1", VideoID: v.VideoID, VideoPath: v.Path}

	n, err := h.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.prober.calls)

	// Unchanged file: the second pass answers from the cache and records a
	// fresh run alongside the first.
	n, err = h.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.prober.calls)

	video, err := f.videos.Get(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, wantHash, video.ContentHash)

	runs, err := f.runs.GetByVideo(ctx, "vid-1")
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	count, err := f.artifacts.CountByVideoAndKind(ctx, "vid-1", taskgraph.ArtifactVideoMetadata)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestVanishedFileFailsPermanently(t *testing.T) {
	f := setup(t, Config{MaxTries: 3})
	ctx := context.Background()

	v := &catalog.Video{VideoID: "vid-1", Path: filepath.Join(f.dir, "gone.mp4"), SizeBytes: 10}
	require.NoError(t, f.videos.Insert(ctx, v))
	created, err := f.orch.CreateTasksForVideo(ctx, v)
	require.NoError(t, err)

	job := f.consume(t)
	f.pool.process(ctx, f.pool.logger, job)

	tk, err := f.tasks.Get(ctx, created[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TaskFailed, tk.Status)
	assert.Contains(t, tk.Error, "stat")

	video, err := f.videos.Get(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, catalog.VideoFailed, video.Status)

	// Fatal failures skip the retry budget entirely.
	state, err := f.broker.State(ctx, broker.QueueJobs, job.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFailed, state.Status)

	depth, err := f.broker.QueueDepth(ctx, broker.QueueJobs)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRedeliveredJobForTerminalTaskIsDropped(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	v, _ := f.addVideo(t, "vid-1")

	created, err := f.orch.CreateTasksForVideo(ctx, v)
	require.NoError(t, err)
	job := f.consume(t)
	f.pool.process(ctx, f.pool.logger, job)
	assert.Equal(t, 1, f.prober.calls)

	// The same payload shows up again: it must be dropped, not re-run.
	f.pool.process(ctx, f.pool.logger, job)
	assert.Equal(t, 1, f.prober.calls)

	tk, err := f.tasks.Get(ctx, created[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TaskCompleted, tk.Status)

	runs, err := f.runs.GetByVideo(ctx, "vid-1")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestJobForMissingTaskIsDropped(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	job := &broker.Job{
		ID:       "j-ghost",
		Queue:    broker.QueueJobs,
		TaskID:   "no-such-task",
		TaskType: string(taskgraph.TaskHash),
		VideoID:  "vid-1",
	}
	f.pool.process(ctx, f.pool.logger, job)
	assert.Zero(t, f.prober.calls)

	state, err := f.broker.State(ctx, broker.QueueJobs, "j-ghost")
	require.NoError(t, err)
	assert.Equal(t, broker.StatusCompleted, state.Status)
}

func TestInferenceTaskCompletesWhenArtifactsArrive(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	v, _ := f.addVideo(t, "vid-1")
	require.NoError(t, f.videos.SetHashed(ctx, "vid-1", "deadbeef", 90, 0))

	// Results are already in the store; the first poll finds them.
	f.insertEnvelope(t, "vid-1")
	tk := f.addTask(t, v, taskgraph.TaskObjectDetection)

	job := f.consume(t)
	f.pool.process(ctx, f.pool.logger, job)

	got, err := f.tasks.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TaskCompleted, got.Status)

	// The task was forwarded to the inference queue exactly once.
	depth, err := f.broker.QueueDepth(ctx, broker.QueueMLJobs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	state, err := f.broker.State(ctx, broker.QueueJobs, job.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusCompleted, state.Status)
}

func TestInferenceFailureEndsWaitEarly(t *testing.T) {
	f := setup(t, Config{MaxTries: 1, PollDeadline: 10 * time.Second})
	ctx := context.Background()
	v, _ := f.addVideo(t, "vid-1")
	require.NoError(t, f.videos.SetHashed(ctx, "vid-1", "deadbeef", 90, 0))
	tk := f.addTask(t, v, taskgraph.TaskTranscription)

	job := f.consume(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.pool.process(ctx, f.pool.logger, job)
	}()

	// Play the inference worker: take the forwarded job and fail it hard.
	mlJob, err := f.broker.Consume(ctx, broker.QueueMLJobs, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, mlJob)
	requeued, err := f.broker.Fail(ctx, broker.QueueMLJobs, mlJob.ID, "model exploded", 1)
	require.NoError(t, err)
	require.False(t, requeued)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not notice the failed inference job")
	}

	got, err := f.tasks.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "inference job")
	assert.Contains(t, got.Error, "model exploded")
}

func TestAbortRequestMarksTaskCancelled(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	v, _ := f.addVideo(t, "vid-1")
	require.NoError(t, f.videos.SetHashed(ctx, "vid-1", "deadbeef", 90, 0))
	tk := f.addTask(t, v, taskgraph.TaskTranscription)

	job := f.consume(t)
	require.NoError(t, f.broker.RequestAbort(ctx, broker.QueueJobs, job.ID))
	f.pool.process(ctx, f.pool.logger, job)

	got, err := f.tasks.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TaskCancelled, got.Status)

	state, err := f.broker.State(ctx, broker.QueueJobs, job.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusCancelled, state.Status)

	// Cancellation stops before the forward, and never fails the video.
	depth, err := f.broker.QueueDepth(ctx, broker.QueueMLJobs)
	require.NoError(t, err)
	assert.Zero(t, depth)

	video, err := f.videos.Get(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, catalog.VideoHashed, video.Status)
}

func TestPollTimeoutSpendsRetryBudget(t *testing.T) {
	f := setup(t, Config{
		MaxTries:     2,
		PollInitial:  time.Millisecond,
		PollMax:      2 * time.Millisecond,
		PollDeadline: 30 * time.Millisecond,
	})
	ctx := context.Background()
	v, _ := f.addVideo(t, "vid-1")
	require.NoError(t, f.videos.SetHashed(ctx, "vid-1", "deadbeef", 90, 0))
	tk := f.addTask(t, v, taskgraph.TaskSceneDetection)

	job := f.consume(t)
	f.pool.process(ctx, f.pool.logger, job)

	// First timeout burns one try; the task keeps running and the payload
	// goes back on the queue.
	got, err := f.tasks.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TaskRunning, got.Status)

	state, err := f.broker.State(ctx, broker.QueueJobs, job.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusQueued, state.Status)

	job = f.consume(t)
	assert.Equal(t, 2, job.Tries)
	f.pool.process(ctx, f.pool.logger, job)

	got, err = f.tasks.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "timed out")

	state, err = f.broker.State(ctx, broker.QueueJobs, job.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFailed, state.Status)
}

func TestShutdownRequeuesInFlightJob(t *testing.T) {
	f := setup(t, Config{PollInitial: 200 * time.Millisecond, PollDeadline: 10 * time.Second})
	v, _ := f.addVideo(t, "vid-1")
	require.NoError(t, f.videos.SetHashed(context.Background(), "vid-1", "deadbeef", 90, 0))
	tk := f.addTask(t, v, taskgraph.TaskTranscription)

	job := f.consume(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.pool.process(ctx, f.pool.logger, job)
	}()

	// Wait until the job reached the inference queue, then pull the plug.
	require.Eventually(t, func() bool {
		depth, err := f.broker.QueueDepth(context.Background(), broker.QueueMLJobs)
		return err == nil && depth == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain on shutdown")
	}

	got, err := f.tasks.Get(context.Background(), tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TaskPending, got.Status)

	depth, err := f.broker.QueueDepth(context.Background(), broker.QueueJobs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	state, err := f.broker.State(context.Background(), broker.QueueJobs, job.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusQueued, state.Status)
}

func TestThumbnailJobWritesFrames(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	v, _ := f.addVideo(t, "vid-1")
	require.NoError(t, f.videos.SetHashed(ctx, "vid-1", "deadbeef", 90, 0))

	f.insertEnvelope(t, "vid-1")
	tk := f.addTask(t, v, taskgraph.TaskThumbnailExtraction)

	job := f.consume(t)
	f.pool.process(ctx, f.pool.logger, job)

	got, err := f.tasks.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TaskCompleted, got.Status)

	frame := f.pool.deps.Thumbs.FramePath("vid-1", 1000)
	data, err := os.ReadFile(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)
}

func TestPoolRunStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := setup(t, Config{Concurrency: 2, ConsumeWait: 50 * time.Millisecond})
	v, _ := f.addVideo(t, "vid-1")
	created, err := f.orch.CreateTasksForVideo(context.Background(), v)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		tk, err := f.tasks.Get(context.Background(), created[0].TaskID)
		return err == nil && tk.Status == catalog.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}
