package taskgraph

import "testing"

func TestArtifactKindRoundTrip(t *testing.T) {
	for _, kind := range AllTaskKinds() {
		artifact, ok := ArtifactKindFor(kind)
		if kind == TaskThumbnailExtraction {
			if ok {
				t.Errorf("thumbnail_extraction should produce no artifact kind, got %s", artifact)
			}
			continue
		}
		if !ok {
			t.Errorf("expected artifact kind for %s", kind)
			continue
		}
		back, ok := TaskKindFor(artifact)
		if !ok || back != kind {
			t.Errorf("round trip %s -> %s -> %s broken", kind, artifact, back)
		}
	}
}

func TestParseTaskKind(t *testing.T) {
	if _, err := ParseTaskKind("object_detection"); err != nil {
		t.Errorf("ParseTaskKind(object_detection) unexpected error: %v", err)
	}
	if _, err := ParseTaskKind("object.detection"); err == nil {
		t.Error("dotted name must not parse as a task kind")
	}
	if _, err := ParseTaskKind(""); err == nil {
		t.Error("empty string must not parse as a task kind")
	}
}

func TestParseArtifactKind(t *testing.T) {
	if _, err := ParseArtifactKind("object.detection"); err != nil {
		t.Errorf("ParseArtifactKind(object.detection) unexpected error: %v", err)
	}
	if _, err := ParseArtifactKind("object_detection"); err == nil {
		t.Error("snake_case name must not parse as an artifact kind")
	}
}

func TestDependencyGraphShape(t *testing.T) {
	hash, _ := SpecFor(TaskHash)
	if len(hash.DependsOn) != 0 {
		t.Errorf("hash must have no dependencies, got %v", hash.DependsOn)
	}
	if hash.Priority <= PriorityML {
		t.Error("hash must outrank ML kinds")
	}

	for _, kind := range MLTier() {
		spec, ok := SpecFor(kind)
		if !ok {
			t.Fatalf("missing spec for %s", kind)
		}
		if len(spec.DependsOn) != 1 || spec.DependsOn[0] != TaskHash {
			t.Errorf("%s must depend exactly on hash, got %v", kind, spec.DependsOn)
		}
	}

	for _, kind := range []TaskKind{TaskTopicExtraction, TaskEmbeddingGeneration} {
		spec, _ := SpecFor(kind)
		if len(spec.DependsOn) != len(MLTier()) {
			t.Errorf("%s must depend on the full ML tier, got %v", kind, spec.DependsOn)
		}
		if spec.Priority >= PriorityML {
			t.Errorf("%s must rank below ML kinds", kind)
		}
	}
}

func TestLanguageModes(t *testing.T) {
	tests := []struct {
		kind TaskKind
		want LanguageMode
	}{
		{TaskOCR, LanguageRequired},
		{TaskTranscription, LanguageOptional},
		{TaskHash, LanguageNone},
		{TaskObjectDetection, LanguageNone},
	}
	for _, tt := range tests {
		spec, ok := SpecFor(tt.kind)
		if !ok {
			t.Fatalf("missing spec for %s", tt.kind)
		}
		if spec.Language != tt.want {
			t.Errorf("%s language mode = %s, want %s", tt.kind, spec.Language, tt.want)
		}
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name  string
		kind  TaskKind
		state VideoState
		want  bool
	}{
		{"hash on fresh video", TaskHash, VideoState{Status: VideoDiscovered}, true},
		{"hash once hashed", TaskHash, VideoState{Status: VideoDiscovered, HasHash: true}, false},
		{"hash wrong status", TaskHash, VideoState{Status: VideoProcessing}, false},
		{"ml before hash", TaskObjectDetection, VideoState{Status: VideoDiscovered}, false},
		{"ml after hash", TaskObjectDetection, VideoState{Status: VideoHashed, HasHash: true}, true},
		{"ocr after hash", TaskOCR, VideoState{Status: VideoProcessing, HasHash: true}, true},
		{"derivative too early", TaskTopicExtraction, VideoState{Status: VideoHashed, HasHash: true}, false},
		{"derivative while processing", TaskTopicExtraction, VideoState{Status: VideoProcessing, HasHash: true}, true},
		{"derivative when completed", TaskEmbeddingGeneration, VideoState{Status: VideoCompleted, HasHash: true}, true},
		{"thumbnails while processing", TaskThumbnailExtraction, VideoState{Status: VideoProcessing, HasHash: true}, true},
		{"thumbnails too early", TaskThumbnailExtraction, VideoState{Status: VideoDiscovered}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ready(tt.kind, tt.state); got != tt.want {
				t.Errorf("Ready(%s, %+v) = %v, want %v", tt.kind, tt.state, got, tt.want)
			}
		})
	}
}

func TestGPUOnly(t *testing.T) {
	gpu := []TaskKind{TaskObjectDetection, TaskFaceDetection, TaskPlaceDetection, TaskSceneDetection, TaskEmbeddingGeneration}
	cpu := []TaskKind{TaskHash, TaskTranscription, TaskOCR, TaskTopicExtraction, TaskThumbnailExtraction}

	for _, kind := range gpu {
		if !GPUOnly(kind) {
			t.Errorf("%s should be GPU-only", kind)
		}
	}
	for _, kind := range cpu {
		if GPUOnly(kind) {
			t.Errorf("%s should be CPU-capable", kind)
		}
	}
}
