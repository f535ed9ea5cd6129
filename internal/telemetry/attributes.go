// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the pipeline.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Video attributes
	VideoIDKey     = "video.id"
	VideoPathKey   = "video.path"
	VideoStatusKey = "video.status"

	// Task attributes
	TaskIDKey       = "task.id"
	TaskTypeKey     = "task.type"
	TaskStatusKey   = "task.status"
	TaskLanguageKey = "task.language"
	TaskAttemptKey  = "task.attempt"

	// Queue attributes
	QueueNameKey = "queue.name"
	JobIDKey     = "job.id"

	// Artifact attributes
	ArtifactKindKey  = "artifact.kind"
	ArtifactCountKey = "artifact.count"
	RunIDKey         = "run.id"
	ModelNameKey     = "model.name"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// VideoAttributes creates video-related span attributes.
func VideoAttributes(videoID, status string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if videoID != "" {
		attrs = append(attrs, attribute.String(VideoIDKey, videoID))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(VideoStatusKey, status))
	}
	return attrs
}

// TaskAttributes creates task-related span attributes. The language
// attribute is omitted for language-free task types.
func TaskAttributes(taskID, taskType, language string, attempt int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(TaskIDKey, taskID),
		attribute.String(TaskTypeKey, taskType),
		attribute.Int(TaskAttemptKey, attempt),
	}
	if language != "" {
		attrs = append(attrs, attribute.String(TaskLanguageKey, language))
	}
	return attrs
}

// JobAttributes creates queue job span attributes.
func JobAttributes(queue, jobID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(QueueNameKey, queue),
		attribute.String(JobIDKey, jobID),
	}
}

// ArtifactAttributes creates artifact persistence span attributes.
func ArtifactAttributes(kind, runID string, count int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ArtifactKindKey, kind),
		attribute.String(RunIDKey, runID),
		attribute.Int(ArtifactCountKey, count),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
