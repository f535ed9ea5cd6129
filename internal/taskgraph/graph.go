package taskgraph

// ResourceClass tells the job producer which worker hardware a kind needs.
type ResourceClass string

const (
	ResourceCPU ResourceClass = "cpu"
	ResourceGPU ResourceClass = "gpu"
)

// LanguageMode controls whether tasks of a kind carry a language tag.
type LanguageMode string

const (
	LanguageNone     LanguageMode = "none"
	LanguageRequired LanguageMode = "required"
	LanguageOptional LanguageMode = "optional"
)

// Task priorities. Higher values dequeue first.
const (
	PriorityHash       = 100
	PriorityML         = 50
	PriorityDerivative = 10
)

// Spec is the static declaration for one task kind.
type Spec struct {
	Kind      TaskKind
	Resource  ResourceClass
	Language  LanguageMode
	Priority  int
	DependsOn []TaskKind
}

// mlTier is the middle layer of the graph, unlocked by hash completion.
var mlTier = []TaskKind{
	TaskTranscription,
	TaskSceneDetection,
	TaskObjectDetection,
	TaskFaceDetection,
	TaskOCR,
	TaskPlaceDetection,
}

// specs is populated once at init and never mutated afterwards.
var specs = map[TaskKind]Spec{
	TaskHash: {
		Kind:     TaskHash,
		Resource: ResourceCPU,
		Language: LanguageNone,
		Priority: PriorityHash,
	},
	TaskTranscription: {
		Kind:      TaskTranscription,
		Resource:  ResourceCPU,
		Language:  LanguageOptional,
		Priority:  PriorityML,
		DependsOn: []TaskKind{TaskHash},
	},
	TaskSceneDetection: {
		Kind:      TaskSceneDetection,
		Resource:  ResourceGPU,
		Language:  LanguageNone,
		Priority:  PriorityML,
		DependsOn: []TaskKind{TaskHash},
	},
	TaskObjectDetection: {
		Kind:      TaskObjectDetection,
		Resource:  ResourceGPU,
		Language:  LanguageNone,
		Priority:  PriorityML,
		DependsOn: []TaskKind{TaskHash},
	},
	TaskFaceDetection: {
		Kind:      TaskFaceDetection,
		Resource:  ResourceGPU,
		Language:  LanguageNone,
		Priority:  PriorityML,
		DependsOn: []TaskKind{TaskHash},
	},
	TaskOCR: {
		Kind:      TaskOCR,
		Resource:  ResourceCPU,
		Language:  LanguageRequired,
		Priority:  PriorityML,
		DependsOn: []TaskKind{TaskHash},
	},
	TaskPlaceDetection: {
		Kind:      TaskPlaceDetection,
		Resource:  ResourceGPU,
		Language:  LanguageNone,
		Priority:  PriorityML,
		DependsOn: []TaskKind{TaskHash},
	},
	TaskTopicExtraction: {
		Kind:      TaskTopicExtraction,
		Resource:  ResourceCPU,
		Language:  LanguageNone,
		Priority:  PriorityDerivative,
		DependsOn: mlTier,
	},
	TaskEmbeddingGeneration: {
		Kind:      TaskEmbeddingGeneration,
		Resource:  ResourceGPU,
		Language:  LanguageNone,
		Priority:  PriorityDerivative,
		DependsOn: mlTier,
	},
	TaskThumbnailExtraction: {
		Kind:      TaskThumbnailExtraction,
		Resource:  ResourceCPU,
		Language:  LanguageNone,
		Priority:  PriorityDerivative,
		DependsOn: []TaskKind{TaskHash},
	},
}

// SpecFor returns the static declaration for a kind.
func SpecFor(kind TaskKind) (Spec, bool) {
	s, ok := specs[kind]
	return s, ok
}

// GPUOnly reports whether a kind must run on a GPU-capable worker.
func GPUOnly(kind TaskKind) bool {
	s, ok := specs[kind]
	return ok && s.Resource == ResourceGPU
}

// VideoState is the subset of video attributes readiness rules inspect.
type VideoState struct {
	Status  string
	HasHash bool
}

// Video lifecycle states as stored in the catalog.
const (
	VideoDiscovered = "discovered"
	VideoHashed     = "hashed"
	VideoProcessing = "processing"
	VideoCompleted  = "completed"
	VideoFailed     = "failed"
)

// Ready reports whether a kind may be scheduled for a video in the given state.
func Ready(kind TaskKind, v VideoState) bool {
	switch kind {
	case TaskHash:
		return v.Status == VideoDiscovered && !v.HasHash
	case TaskTranscription, TaskSceneDetection, TaskObjectDetection,
		TaskFaceDetection, TaskOCR, TaskPlaceDetection:
		return v.HasHash
	case TaskTopicExtraction, TaskEmbeddingGeneration, TaskThumbnailExtraction:
		return v.Status == VideoProcessing || v.Status == VideoCompleted
	default:
		return false
	}
}

// MLTier returns the kinds unlocked directly by hash completion.
func MLTier() []TaskKind {
	out := make([]TaskKind, len(mlTier))
	copy(out, mlTier)
	return out
}
