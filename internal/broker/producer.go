package broker

import (
	"context"
	"fmt"

	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

// Handler names carried in the job payload. ML jobs are always handled
// by the inference path; backend jobs dispatch on task type.
const (
	HandlerVideoTask    = "process_video_task"
	HandlerInferenceJob = "process_inference_job"
)

// TaskRef names the task a job executes, plus everything a worker needs
// without a catalog round trip.
type TaskRef struct {
	TaskID    string
	Kind      taskgraph.TaskKind
	VideoID   string
	VideoPath string
	Language  string
	Config    map[string]string
}

// JobIDFor derives the deterministic job id for a task. The same task
// always yields the same id, which is what the broker deduplicates on.
func JobIDFor(taskID string) string {
	return "ml_" + taskID
}

// Producer routes tasks onto the broker queues.
type Producer struct {
	broker *Broker
}

// NewProducer returns a producer on top of an established broker.
func NewProducer(b *Broker) *Producer {
	return &Producer{broker: b}
}

// EnqueueTask routes a task to the backend jobs queue. Every kind goes
// through here first; the backend worker decides whether to run it
// locally or forward it to the ML queue.
func (p *Producer) EnqueueTask(ctx context.Context, ref TaskRef) (string, error) {
	return p.enqueue(ctx, QueueJobs, HandlerVideoTask, ref)
}

// EnqueueToMLJobs routes a task to the inference queue.
func (p *Producer) EnqueueToMLJobs(ctx context.Context, ref TaskRef) (string, error) {
	return p.enqueue(ctx, QueueMLJobs, HandlerInferenceJob, ref)
}

func (p *Producer) enqueue(ctx context.Context, queue, handler string, ref TaskRef) (string, error) {
	if _, ok := taskgraph.SpecFor(ref.Kind); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, ref.Kind)
	}
	if ref.TaskID == "" {
		return "", fmt.Errorf("%w: missing task id", ErrMalformedJob)
	}

	job := Job{
		ID:        JobIDFor(ref.TaskID),
		Queue:     queue,
		Handler:   handler,
		TaskID:    ref.TaskID,
		TaskType:  string(ref.Kind),
		VideoID:   ref.VideoID,
		VideoPath: ref.VideoPath,
		Language:  ref.Language,
		Config:    ref.Config,
	}
	return p.broker.Enqueue(ctx, job)
}

// CanWorkerHandle reports whether a worker with the given GPU capability
// may execute the kind. GPU-only kinds need a GPU; CPU-capable kinds run
// anywhere.
func CanWorkerHandle(kind taskgraph.TaskKind, gpuAvailable bool) bool {
	if _, ok := taskgraph.SpecFor(kind); !ok {
		return false
	}
	if taskgraph.GPUOnly(kind) {
		return gpuAvailable
	}
	return true
}
