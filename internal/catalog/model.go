// Package catalog owns the SQLite catalog database: its schema, its
// migrations, and the model types shared by the stores built on top of it.
package catalog

import (
	"encoding/json"

	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

// VideoStatus is the lifecycle state of an ingested file.
type VideoStatus string

const (
	VideoDiscovered VideoStatus = taskgraph.VideoDiscovered
	VideoHashed     VideoStatus = taskgraph.VideoHashed
	VideoProcessing VideoStatus = taskgraph.VideoProcessing
	VideoCompleted  VideoStatus = taskgraph.VideoCompleted
	VideoFailed     VideoStatus = taskgraph.VideoFailed
)

// Video is one ingested media file, the unit all analysis is organized over.
type Video struct {
	VideoID         string
	Path            string
	ContentHash     string // empty until the hash task ran
	FileCreatedAtMS int64  // 0 = unknown
	DurationS       float64
	SizeBytes       int64
	Status          VideoStatus
	CreatedAtMS     int64
	UpdatedAtMS     int64
}

// TaskStatus is the lifecycle state of one task row.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Task is one unit of per-video work. At most one task exists per
// (video, type, language).
type Task struct {
	TaskID        string
	VideoID       string
	Type          taskgraph.TaskKind
	Language      string // empty when the kind has no language
	Status        TaskStatus
	Priority      int
	DependsOn     []taskgraph.TaskKind
	Error         string
	CreatedAtMS   int64
	StartedAtMS   int64 // 0 = never ran
	CompletedAtMS int64 // 0 = not terminal
}

// RunStatus is the lifecycle state of one inference run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run groups the envelopes produced by one logical inference pass.
type Run struct {
	RunID           string
	VideoID         string
	PipelineProfile string
	Status          RunStatus
	Error           string
	StartedAtMS     int64
	FinishedAtMS    int64 // 0 = still running
}

// ModelProfile is the quality class of the producing model.
type ModelProfile string

const (
	ProfileFast        ModelProfile = "fast"
	ProfileBalanced    ModelProfile = "balanced"
	ProfileHighQuality ModelProfile = "high_quality"
)

// ValidProfile reports whether p is one of the known quality classes.
func ValidProfile(p ModelProfile) bool {
	switch p {
	case ProfileFast, ProfileBalanced, ProfileHighQuality:
		return true
	default:
		return false
	}
}

// Envelope is the immutable record wrapping one analysis result with
// temporal span, payload, and provenance. Envelopes are created and
// deleted, never updated.
type Envelope struct {
	ArtifactID      string
	VideoID         string
	Kind            taskgraph.ArtifactKind
	SchemaVersion   int
	SpanStartMS     int64
	SpanEndMS       int64
	Payload         json.RawMessage
	Producer        string
	ProducerVersion string
	ModelProfile    ModelProfile
	ConfigHash      string
	InputHash       string
	RunID           string
	CreatedAtMS     int64

	// SchemaKnown is false when the stored schema_version has no registered
	// shape at read time; callers should skip such envelopes.
	SchemaKnown bool
}

// SelectionMode picks which envelopes the read path presents.
type SelectionMode string

const (
	SelectionDefault     SelectionMode = "default"
	SelectionLatest      SelectionMode = "latest"
	SelectionProfile     SelectionMode = "profile"
	SelectionPinned      SelectionMode = "pinned"
	SelectionBestQuality SelectionMode = "best_quality"
)

// ValidSelectionMode reports whether m is one of the known modes.
func ValidSelectionMode(m SelectionMode) bool {
	switch m {
	case SelectionDefault, SelectionLatest, SelectionProfile, SelectionPinned, SelectionBestQuality:
		return true
	default:
		return false
	}
}

// SelectionPolicy is the stored per-(video, kind) read preference.
type SelectionPolicy struct {
	VideoID          string
	Kind             taskgraph.ArtifactKind
	Mode             SelectionMode
	PreferredProfile ModelProfile // required when Mode == profile
	PinnedRunID      string       // required when Mode == pinned
	PinnedArtifactID string       // optional narrowing for pinned
	CreatedAtMS      int64
	UpdatedAtMS      int64
}
