package schema

import (
	"errors"
	"testing"

	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(taskgraph.ArtifactScene, 1, strictDecode[SceneV1]); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := r.Register(taskgraph.ArtifactScene, 1, strictDecode[SceneV1])
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestRegister_InvalidInputs(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("", 1, strictDecode[SceneV1]); !errors.Is(err, ErrEmptyKind) {
		t.Errorf("expected ErrEmptyKind, got %v", err)
	}
	if err := r.Register(taskgraph.ArtifactScene, 0, strictDecode[SceneV1]); !errors.Is(err, ErrInvalidVersion) {
		t.Errorf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestBuiltin_CoversAllArtifactKinds(t *testing.T) {
	r := Builtin()
	for _, kind := range taskgraph.AllArtifactKinds() {
		if !r.IsRegistered(kind, 1) {
			t.Errorf("builtin registry missing %s v1", kind)
		}
		if got := r.CurrentVersion(kind); got != 1 {
			t.Errorf("current version for %s = %d, want 1", kind, got)
		}
	}
	if got := len(r.Registered()); got != len(taskgraph.AllArtifactKinds()) {
		t.Errorf("registered pair count = %d, want %d", got, len(taskgraph.AllArtifactKinds()))
	}
}

func TestValidate_KnownPayload(t *testing.T) {
	r := Builtin()
	raw := []byte(`{"label":"person","confidence":0.95}`)
	payload, err := r.Validate(taskgraph.ArtifactObjectDetection, 1, raw)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	det, ok := payload.(ObjectDetectionV1)
	if !ok {
		t.Fatalf("expected ObjectDetectionV1, got %T", payload)
	}
	if det.Label != "person" || det.Confidence != 0.95 {
		t.Errorf("unexpected payload %+v", det)
	}
}

func TestValidate_Rejections(t *testing.T) {
	r := Builtin()
	tests := []struct {
		name    string
		kind    taskgraph.ArtifactKind
		version int
		raw     string
	}{
		{"unknown version", taskgraph.ArtifactObjectDetection, 9, `{"label":"x","confidence":0.5}`},
		{"unknown field", taskgraph.ArtifactObjectDetection, 1, `{"label":"x","confidence":0.5,"bogus":1}`},
		{"empty label", taskgraph.ArtifactObjectDetection, 1, `{"label":"","confidence":0.5}`},
		{"confidence above 1", taskgraph.ArtifactObjectDetection, 1, `{"label":"x","confidence":1.5}`},
		{"malformed json", taskgraph.ArtifactObjectDetection, 1, `{`},
		{"empty transcript text", taskgraph.ArtifactTranscriptSegment, 1, `{"text":"","confidence":0.5}`},
		{"lat out of range", taskgraph.ArtifactVideoMetadata, 1, `{"duration_s":10,"gps":{"lat":95,"lon":0}}`},
		{"lon out of range", taskgraph.ArtifactVideoMetadata, 1, `{"duration_s":10,"gps":{"lat":0,"lon":181}}`},
		{"empty embedding", taskgraph.ArtifactEmbedding, 1, `{"model":"clip","vector":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Validate(tt.kind, tt.version, []byte(tt.raw))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("expected *ValidationError, got %T", err)
			}
		})
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	r := Builtin()
	in := TranscriptSegmentV1{Text: "hello world", Language: "en", Confidence: 0.9}

	data, err := r.Serialize(in)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	out, err := r.Validate(in.Kind(), in.Version(), data)
	if err != nil {
		t.Fatalf("Validate of serialized payload failed: %v", err)
	}
	if got := out.(TranscriptSegmentV1); got != in {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, in)
	}
}

func TestSerialize_RejectsInvalid(t *testing.T) {
	r := Builtin()
	_, err := r.Serialize(ObjectDetectionV1{Label: "", Confidence: 0.5})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestValidate_GPSWithinRange(t *testing.T) {
	r := Builtin()
	raw := []byte(`{"duration_s":12.5,"codec":"h264","gps":{"lat":48.1,"lon":11.5,"city":"Munich"}}`)
	payload, err := r.Validate(taskgraph.ArtifactVideoMetadata, 1, raw)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	meta := payload.(VideoMetadataV1)
	if meta.GPS == nil || meta.GPS.City != "Munich" {
		t.Errorf("unexpected metadata payload %+v", meta)
	}
}
