package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldVideoID       = "video_id"
	FieldTaskID        = "task_id"
	FieldJobID         = "job_id"
	FieldRunID         = "run_id"
	FieldArtifactID    = "artifact_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"

	// Process / pipeline fields
	FieldEvent        = "event"
	FieldComponent    = "component"
	FieldTaskType     = "task_type"
	FieldArtifactKind = "artifact_kind"
	FieldQueue        = "queue"
	FieldAttempt      = "attempt"
	FieldWorker       = "worker"

	// Media fields
	FieldCodec      = "codec"
	FieldResolution = "resolution"
	FieldDuration   = "duration_s"
	FieldContainer  = "container"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath = "path"
)
