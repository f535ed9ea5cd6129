// Package taskgraph declares the closed set of task kinds, their artifact
// kinds, and the static dependency graph between them. Everything here is
// evaluated without I/O.
package taskgraph

import "fmt"

// TaskKind names a unit of per-video work. Task kinds use snake_case; the
// artifact kinds they produce use dotted names (see ArtifactKindFor).
type TaskKind string

const (
	TaskHash                TaskKind = "hash"
	TaskTranscription       TaskKind = "transcription"
	TaskSceneDetection      TaskKind = "scene_detection"
	TaskObjectDetection     TaskKind = "object_detection"
	TaskFaceDetection       TaskKind = "face_detection"
	TaskOCR                 TaskKind = "ocr"
	TaskPlaceDetection      TaskKind = "place_detection"
	TaskTopicExtraction     TaskKind = "topic_extraction"
	TaskEmbeddingGeneration TaskKind = "embedding_generation"
	TaskThumbnailExtraction TaskKind = "thumbnail_extraction"
)

// ArtifactKind names the type of an analysis result envelope.
type ArtifactKind string

const (
	ArtifactTranscriptSegment   ArtifactKind = "transcript.segment"
	ArtifactScene               ArtifactKind = "scene"
	ArtifactObjectDetection     ArtifactKind = "object.detection"
	ArtifactFaceDetection       ArtifactKind = "face.detection"
	ArtifactOCRText             ArtifactKind = "ocr.text"
	ArtifactPlaceClassification ArtifactKind = "place.classification"
	ArtifactTopic               ArtifactKind = "topic"
	ArtifactEmbedding           ArtifactKind = "embedding"
	ArtifactVideoMetadata       ArtifactKind = "video.metadata"
)

// taskToArtifact is the single translation between the two naming schemes.
// thumbnail_extraction is absent: it writes files, not envelopes.
var taskToArtifact = map[TaskKind]ArtifactKind{
	TaskHash:                ArtifactVideoMetadata,
	TaskTranscription:       ArtifactTranscriptSegment,
	TaskSceneDetection:      ArtifactScene,
	TaskObjectDetection:     ArtifactObjectDetection,
	TaskFaceDetection:       ArtifactFaceDetection,
	TaskOCR:                 ArtifactOCRText,
	TaskPlaceDetection:      ArtifactPlaceClassification,
	TaskTopicExtraction:     ArtifactTopic,
	TaskEmbeddingGeneration: ArtifactEmbedding,
}

var artifactToTask = func() map[ArtifactKind]TaskKind {
	m := make(map[ArtifactKind]TaskKind, len(taskToArtifact))
	for t, a := range taskToArtifact {
		m[a] = t
	}
	return m
}()

// ArtifactKindFor returns the artifact kind a task kind produces.
// The second result is false for kinds that produce no envelopes.
func ArtifactKindFor(kind TaskKind) (ArtifactKind, bool) {
	a, ok := taskToArtifact[kind]
	return a, ok
}

// TaskKindFor returns the task kind that produces the given artifact kind.
func TaskKindFor(kind ArtifactKind) (TaskKind, bool) {
	t, ok := artifactToTask[kind]
	return t, ok
}

// ParseTaskKind validates a raw string against the closed task-kind set.
func ParseTaskKind(s string) (TaskKind, error) {
	k := TaskKind(s)
	if _, ok := specs[k]; !ok {
		return "", fmt.Errorf("unknown task kind %q", s)
	}
	return k, nil
}

// ParseArtifactKind validates a raw string against the closed artifact-kind set.
func ParseArtifactKind(s string) (ArtifactKind, error) {
	k := ArtifactKind(s)
	switch k {
	case ArtifactTranscriptSegment, ArtifactScene, ArtifactObjectDetection,
		ArtifactFaceDetection, ArtifactOCRText, ArtifactPlaceClassification,
		ArtifactTopic, ArtifactEmbedding, ArtifactVideoMetadata:
		return k, nil
	}
	return "", fmt.Errorf("unknown artifact kind %q", s)
}

// AllTaskKinds returns every declared task kind in creation order.
func AllTaskKinds() []TaskKind {
	return []TaskKind{
		TaskHash,
		TaskTranscription,
		TaskSceneDetection,
		TaskObjectDetection,
		TaskFaceDetection,
		TaskOCR,
		TaskPlaceDetection,
		TaskTopicExtraction,
		TaskEmbeddingGeneration,
		TaskThumbnailExtraction,
	}
}

// AllArtifactKinds returns every declared artifact kind.
func AllArtifactKinds() []ArtifactKind {
	return []ArtifactKind{
		ArtifactTranscriptSegment,
		ArtifactScene,
		ArtifactObjectDetection,
		ArtifactFaceDetection,
		ArtifactOCRText,
		ArtifactPlaceClassification,
		ArtifactTopic,
		ArtifactEmbedding,
		ArtifactVideoMetadata,
	}
}
