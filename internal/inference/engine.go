// SPDX-License-Identifier: MIT

// Package inference is the client side of the external ML service. The
// pipeline only ever talks to the Engine interface; the HTTP
// implementation adds tracing, rate limiting and error classification.
package inference

// Request describes one inference call for a task.
type Request struct {
	TaskID    string `json:"task_id"`
	TaskType  string `json:"task_type"`
	VideoID   string `json:"video_id"`
	VideoPath string `json:"video_path"`
	Language  string `json:"language,omitempty"`
	Profile   string `json:"profile,omitempty"`
}

// Provenance identifies the model run that produced a response. Every
// field is required; the ML worker refuses responses without it.
type Provenance struct {
	RunID           string `json:"run_id"`
	ConfigHash      string `json:"config_hash"`
	InputHash       string `json:"input_hash"`
	Producer        string `json:"producer"`
	ProducerVersion string `json:"producer_version"`
	ModelProfile    string `json:"model_profile"`
}

// Span is the time range an item covers within the video.
type Span struct {
	StartMS int64 `json:"start_ms"`
	EndMS   int64 `json:"end_ms"`
}

// Detection is one object or face observation.
type Detection struct {
	Span
	Label      string    `json:"label,omitempty"`
	ClusterID  string    `json:"cluster_id,omitempty"`
	Confidence float64   `json:"confidence"`
	Box        []float64 `json:"box,omitempty"` // x, y, w, h normalized
}

// Segment is one transcript or OCR text span.
type Segment struct {
	Span
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Classification is one label over a span (places, topics).
type Classification struct {
	Span
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Hierarchy  []string  `json:"hierarchy,omitempty"`
	Keywords   []string  `json:"keywords,omitempty"`
	Vector     []float64 `json:"vector,omitempty"`
	Model      string    `json:"model,omitempty"`
}

// Scene is one detected scene with explicit boundaries.
type Scene struct {
	StartMS int64   `json:"start_ms"`
	EndMS   int64   `json:"end_ms"`
	Score   float64 `json:"score,omitempty"`
}

// Response is the raw ML service result before envelope transformation.
type Response struct {
	Provenance

	Detections      []Detection      `json:"detections,omitempty"`
	Segments        []Segment        `json:"segments,omitempty"`
	Classifications []Classification `json:"classifications,omitempty"`
	Scenes          []Scene          `json:"scenes,omitempty"`
}

// ItemCount returns the total number of raw items across all lists.
func (r *Response) ItemCount() int {
	return len(r.Detections) + len(r.Segments) + len(r.Classifications) + len(r.Scenes)
}

// HasProvenance reports whether every required provenance field is set.
func (r *Response) HasProvenance() bool {
	return r.RunID != "" &&
		r.ConfigHash != "" &&
		r.InputHash != "" &&
		r.Producer != "" &&
		r.ProducerVersion != "" &&
		r.ModelProfile != ""
}
