package schema

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"

	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

type registryKey struct {
	kind    taskgraph.ArtifactKind
	version int
}

type entry struct {
	decode func([]byte) (Payload, error)
}

// Registry maps (kind, version) to a payload decoder. It is filled once at
// startup and treated as immutable afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[registryKey]entry
}

// NewRegistry returns an empty registry, mainly for tests. Production code
// uses Builtin().
func NewRegistry() *Registry {
	return &Registry{entries: make(map[registryKey]entry)}
}

// Register binds a decoder to (kind, version). It fails on duplicates,
// empty kinds, and versions below 1.
func (r *Registry) Register(kind taskgraph.ArtifactKind, version int, decode func([]byte) (Payload, error)) error {
	if kind == "" {
		return ErrEmptyKind
	}
	if version < 1 {
		return &ValidationError{Sentinel: ErrInvalidVersion, Kind: kind, Version: version}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{kind: kind, version: version}
	if _, exists := r.entries[key]; exists {
		return &ValidationError{Sentinel: ErrAlreadyRegistered, Kind: kind, Version: version}
	}
	r.entries[key] = entry{decode: decode}
	return nil
}

// IsRegistered reports whether (kind, version) has a schema.
func (r *Registry) IsRegistered(kind taskgraph.ArtifactKind, version int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[registryKey{kind: kind, version: version}]
	return ok
}

// CurrentVersion returns the highest registered version for a kind, or 0.
func (r *Registry) CurrentVersion(kind taskgraph.ArtifactKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best := 0
	for key := range r.entries {
		if key.kind == kind && key.version > best {
			best = key.version
		}
	}
	return best
}

// Registered lists every (kind, version) pair in deterministic order.
func (r *Registry) Registered() []struct {
	Kind    taskgraph.ArtifactKind
	Version int
} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]struct {
		Kind    taskgraph.ArtifactKind
		Version int
	}, 0, len(r.entries))
	for key := range r.entries {
		out = append(out, struct {
			Kind    taskgraph.ArtifactKind
			Version int
		}{key.kind, key.version})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Validate decodes raw JSON against the registered shape for (kind, version)
// and runs the payload's own validation. Unknown fields are rejected.
func (r *Registry) Validate(kind taskgraph.ArtifactKind, version int, raw []byte) (Payload, error) {
	r.mu.RLock()
	e, ok := r.entries[registryKey{kind: kind, version: version}]
	r.mu.RUnlock()
	if !ok {
		return nil, &ValidationError{Sentinel: ErrUnknownSchema, Kind: kind, Version: version}
	}

	payload, err := e.decode(raw)
	if err != nil {
		return nil, &ValidationError{Sentinel: ErrInvalidPayload, Kind: kind, Version: version, Err: err}
	}
	if err := payload.Validate(); err != nil {
		return nil, &ValidationError{Sentinel: ErrInvalidPayload, Kind: kind, Version: version, Err: err}
	}
	return payload, nil
}

// Serialize produces canonical JSON for a payload after validating it.
func (r *Registry) Serialize(p Payload) ([]byte, error) {
	if !r.IsRegistered(p.Kind(), p.Version()) {
		return nil, &ValidationError{Sentinel: ErrUnknownSchema, Kind: p.Kind(), Version: p.Version()}
	}
	if err := p.Validate(); err != nil {
		return nil, &ValidationError{Sentinel: ErrInvalidPayload, Kind: p.Kind(), Version: p.Version(), Err: err}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, &ValidationError{Sentinel: ErrInvalidPayload, Kind: p.Kind(), Version: p.Version(), Err: err}
	}
	return data, nil
}

func strictDecode[T Payload](raw []byte) (Payload, error) {
	var p T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return p, nil
}

var (
	builtinOnce sync.Once
	builtin     *Registry
)

// Builtin returns the process-wide registry with every supported payload
// shape. It is assembled exactly once; later Register calls for the same
// pairs fail, which keeps the set effectively immutable.
func Builtin() *Registry {
	builtinOnce.Do(func() {
		builtin = NewRegistry()
		mustRegister := func(kind taskgraph.ArtifactKind, version int, decode func([]byte) (Payload, error)) {
			if err := builtin.Register(kind, version, decode); err != nil {
				panic(err)
			}
		}
		mustRegister(taskgraph.ArtifactTranscriptSegment, 1, strictDecode[TranscriptSegmentV1])
		mustRegister(taskgraph.ArtifactScene, 1, strictDecode[SceneV1])
		mustRegister(taskgraph.ArtifactObjectDetection, 1, strictDecode[ObjectDetectionV1])
		mustRegister(taskgraph.ArtifactFaceDetection, 1, strictDecode[FaceDetectionV1])
		mustRegister(taskgraph.ArtifactPlaceClassification, 1, strictDecode[PlaceClassificationV1])
		mustRegister(taskgraph.ArtifactOCRText, 1, strictDecode[OCRTextV1])
		mustRegister(taskgraph.ArtifactVideoMetadata, 1, strictDecode[VideoMetadataV1])
		mustRegister(taskgraph.ArtifactTopic, 1, strictDecode[TopicV1])
		mustRegister(taskgraph.ArtifactEmbedding, 1, strictDecode[EmbeddingV1])
	})
	return builtin
}
