package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

func TestJobIDForIsDeterministic(t *testing.T) {
	assert.Equal(t, "ml_task-42", JobIDFor("task-42"))
	assert.Equal(t, JobIDFor("task-42"), JobIDFor("task-42"))
}

func TestProducerRoutesToJobsQueue(t *testing.T) {
	_, b := setupBroker(t)
	p := NewProducer(b)
	ctx := context.Background()

	jobID, err := p.EnqueueTask(ctx, TaskRef{
		TaskID:    "task-1",
		Kind:      taskgraph.TaskObjectDetection,
		VideoID:   "vid-1",
		VideoPath: "/media/a.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, "ml_task-1", jobID)

	job, err := b.Consume(ctx, QueueJobs, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, HandlerVideoTask, job.Handler)
	assert.Equal(t, QueueJobs, job.Queue)
}

func TestProducerRoutesToMLQueue(t *testing.T) {
	_, b := setupBroker(t)
	p := NewProducer(b)
	ctx := context.Background()

	jobID, err := p.EnqueueToMLJobs(ctx, TaskRef{
		TaskID:    "task-1",
		Kind:      taskgraph.TaskOCR,
		VideoID:   "vid-1",
		VideoPath: "/media/a.mp4",
		Language:  "en",
		Config:    map[string]string{"input_hash": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ml_task-1", jobID)

	job, err := b.Consume(ctx, QueueMLJobs, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, HandlerInferenceJob, job.Handler)
	assert.Equal(t, "en", job.Language)
	assert.Equal(t, "abc", job.Config["input_hash"])
}

func TestProducerRejectsUnknownKind(t *testing.T) {
	_, b := setupBroker(t)
	p := NewProducer(b)

	_, err := p.EnqueueTask(context.Background(), TaskRef{
		TaskID: "task-1",
		Kind:   taskgraph.TaskKind("frobnication"),
	})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestCanWorkerHandle(t *testing.T) {
	tests := []struct {
		name string
		kind taskgraph.TaskKind
		gpu  bool
		want bool
	}{
		{"gpu kind without gpu", taskgraph.TaskObjectDetection, false, false},
		{"gpu kind with gpu", taskgraph.TaskObjectDetection, true, true},
		{"cpu kind without gpu", taskgraph.TaskTranscription, false, true},
		{"cpu kind with gpu", taskgraph.TaskOCR, true, true},
		{"hash anywhere", taskgraph.TaskHash, false, true},
		{"unknown kind", taskgraph.TaskKind("nope"), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanWorkerHandle(tt.kind, tt.gpu))
		})
	}
}
