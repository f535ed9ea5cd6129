// Package schema registers and validates artifact payloads by (kind, version).
// Payloads are typed variants: an envelope either carries a well-formed payload
// of a registered shape or it is rejected at write time.
package schema

import (
	"fmt"

	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

// Payload is one validated artifact payload variant.
type Payload interface {
	Kind() taskgraph.ArtifactKind
	Version() int
	Validate() error
}

func confidenceInRange(c float64) error {
	if c < 0 || c > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", c)
	}
	return nil
}

// BBox is a normalized bounding box within the frame.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// TranscriptSegmentV1 is one spoken segment of the audio track.
type TranscriptSegmentV1 struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence"`
}

func (TranscriptSegmentV1) Kind() taskgraph.ArtifactKind { return taskgraph.ArtifactTranscriptSegment }
func (TranscriptSegmentV1) Version() int                 { return 1 }
func (p TranscriptSegmentV1) Validate() error {
	if p.Text == "" {
		return fmt.Errorf("text must not be empty")
	}
	return confidenceInRange(p.Confidence)
}

// SceneV1 is one detected scene range.
type SceneV1 struct {
	SceneIndex int     `json:"scene_index"`
	Score      float64 `json:"score,omitempty"`
}

func (SceneV1) Kind() taskgraph.ArtifactKind { return taskgraph.ArtifactScene }
func (SceneV1) Version() int                 { return 1 }
func (p SceneV1) Validate() error {
	if p.SceneIndex < 0 {
		return fmt.Errorf("scene_index must be >= 0, got %d", p.SceneIndex)
	}
	return nil
}

// ObjectDetectionV1 is one labeled detection within a span.
type ObjectDetectionV1 struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        *BBox   `json:"box,omitempty"`
}

func (ObjectDetectionV1) Kind() taskgraph.ArtifactKind { return taskgraph.ArtifactObjectDetection }
func (ObjectDetectionV1) Version() int                 { return 1 }
func (p ObjectDetectionV1) Validate() error {
	if p.Label == "" {
		return fmt.Errorf("label must not be empty")
	}
	return confidenceInRange(p.Confidence)
}

// FaceDetectionV1 is one face observation assigned to an identity cluster.
type FaceDetectionV1 struct {
	ClusterID  string  `json:"cluster_id"`
	Confidence float64 `json:"confidence"`
	Box        *BBox   `json:"box,omitempty"`
}

func (FaceDetectionV1) Kind() taskgraph.ArtifactKind { return taskgraph.ArtifactFaceDetection }
func (FaceDetectionV1) Version() int                 { return 1 }
func (p FaceDetectionV1) Validate() error {
	if p.ClusterID == "" {
		return fmt.Errorf("cluster_id must not be empty")
	}
	return confidenceInRange(p.Confidence)
}

// PlaceClassificationV1 is one scene-level place label.
type PlaceClassificationV1 struct {
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	Hierarchy  []string `json:"hierarchy,omitempty"`
}

func (PlaceClassificationV1) Kind() taskgraph.ArtifactKind {
	return taskgraph.ArtifactPlaceClassification
}
func (PlaceClassificationV1) Version() int { return 1 }
func (p PlaceClassificationV1) Validate() error {
	if p.Label == "" {
		return fmt.Errorf("label must not be empty")
	}
	return confidenceInRange(p.Confidence)
}

// OCRTextV1 is one recognized on-screen text region.
type OCRTextV1 struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence"`
	Box        *BBox   `json:"box,omitempty"`
}

func (OCRTextV1) Kind() taskgraph.ArtifactKind { return taskgraph.ArtifactOCRText }
func (OCRTextV1) Version() int                 { return 1 }
func (p OCRTextV1) Validate() error {
	if p.Text == "" {
		return fmt.Errorf("text must not be empty")
	}
	return confidenceInRange(p.Confidence)
}

// GPSFix is an optional location embedded in container metadata.
type GPSFix struct {
	Lat     float64  `json:"lat"`
	Lon     float64  `json:"lon"`
	Alt     *float64 `json:"alt,omitempty"`
	Country string   `json:"country,omitempty"`
	State   string   `json:"state,omitempty"`
	City    string   `json:"city,omitempty"`
}

// VideoMetadataV1 carries probe results for the whole file. Written by the
// hash task; the GPS subset feeds the geo projection.
type VideoMetadataV1 struct {
	DurationS   float64 `json:"duration_s"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	Codec       string  `json:"codec,omitempty"`
	Container   string  `json:"container,omitempty"`
	FPS         float64 `json:"fps,omitempty"`
	SizeBytes   int64   `json:"size_bytes,omitempty"`
	ContentHash string  `json:"content_hash,omitempty"`
	GPS         *GPSFix `json:"gps,omitempty"`
}

func (VideoMetadataV1) Kind() taskgraph.ArtifactKind { return taskgraph.ArtifactVideoMetadata }
func (VideoMetadataV1) Version() int                 { return 1 }
func (p VideoMetadataV1) Validate() error {
	if p.DurationS < 0 {
		return fmt.Errorf("duration_s must be >= 0, got %v", p.DurationS)
	}
	if p.GPS != nil {
		if p.GPS.Lat < -90 || p.GPS.Lat > 90 {
			return fmt.Errorf("gps latitude %v outside [-90,90]", p.GPS.Lat)
		}
		if p.GPS.Lon < -180 || p.GPS.Lon > 180 {
			return fmt.Errorf("gps longitude %v outside [-180,180]", p.GPS.Lon)
		}
	}
	return nil
}

// TopicV1 is one extracted topic over a transcript span.
type TopicV1 struct {
	Topic      string   `json:"topic"`
	Keywords   []string `json:"keywords,omitempty"`
	Confidence float64  `json:"confidence"`
}

func (TopicV1) Kind() taskgraph.ArtifactKind { return taskgraph.ArtifactTopic }
func (TopicV1) Version() int                 { return 1 }
func (p TopicV1) Validate() error {
	if p.Topic == "" {
		return fmt.Errorf("topic must not be empty")
	}
	return confidenceInRange(p.Confidence)
}

// EmbeddingV1 is one dense vector over a span, for similarity search.
type EmbeddingV1 struct {
	Model  string    `json:"model"`
	Vector []float64 `json:"vector"`
}

func (EmbeddingV1) Kind() taskgraph.ArtifactKind { return taskgraph.ArtifactEmbedding }
func (EmbeddingV1) Version() int                 { return 1 }
func (p EmbeddingV1) Validate() error {
	if p.Model == "" {
		return fmt.Errorf("model must not be empty")
	}
	if len(p.Vector) == 0 {
		return fmt.Errorf("vector must not be empty")
	}
	return nil
}
