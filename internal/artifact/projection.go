package artifact

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/schema"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

// projectionRow is one read-model row derived from exactly one envelope.
type projectionRow interface {
	insert(ctx context.Context, tx *sql.Tx) error
}

// transformFunc turns a validated envelope into its projection rows. The
// functions are pure; the write happens afterwards inside the envelope
// transaction.
type transformFunc func(e *catalog.Envelope, p schema.Payload) ([]projectionRow, error)

// transformers dispatches per kind. Kinds missing here (topic, embedding)
// are deliberately projection-free and skipped silently.
var transformers = map[taskgraph.ArtifactKind]transformFunc{
	taskgraph.ArtifactTranscriptSegment: transformTranscript,
	taskgraph.ArtifactOCRText:           transformOCR,
	taskgraph.ArtifactObjectDetection:   transformObject,
	taskgraph.ArtifactFaceDetection:     transformFace,
	taskgraph.ArtifactScene:             transformScene,
	taskgraph.ArtifactVideoMetadata:     transformVideoMetadata,
}

// projectionTable names the primary row table per projected kind, for
// metrics. FTS shadow rows count toward the same table.
func projectionTable(kind taskgraph.ArtifactKind) string {
	switch kind {
	case taskgraph.ArtifactTranscriptSegment:
		return "transcript_segments"
	case taskgraph.ArtifactOCRText:
		return "ocr_blocks"
	case taskgraph.ArtifactObjectDetection:
		return "object_labels"
	case taskgraph.ArtifactFaceDetection:
		return "face_clusters"
	case taskgraph.ArtifactScene:
		return "scene_ranges"
	case taskgraph.ArtifactVideoMetadata:
		return "video_locations"
	default:
		return string(kind)
	}
}

// syncProjections derives and writes the projection rows for one envelope,
// returning how many were written. Any failure propagates so the enclosing
// transaction aborts.
func syncProjections(ctx context.Context, tx *sql.Tx, e *catalog.Envelope, p schema.Payload) (int, error) {
	tf, ok := transformers[e.Kind]
	if !ok {
		return 0, nil
	}
	rows, err := tf(e, p)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if err := row.insert(ctx, tx); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

type transcriptRow struct {
	artifactID string
	videoID    string
	startMS    int64
	endMS      int64
	text       string
	language   string
}

func (r transcriptRow) insert(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO transcript_segments (artifact_id, video_id, start_ms, end_ms, text, language)
	VALUES (?, ?, ?, ?, ?, ?)
	`, r.artifactID, r.videoID, r.startMS, r.endMS, r.text, r.language); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
	INSERT INTO transcript_fts (text, artifact_id, video_id, start_ms, end_ms)
	VALUES (?, ?, ?, ?, ?)
	`, r.text, r.artifactID, r.videoID, r.startMS, r.endMS)
	return err
}

func transformTranscript(e *catalog.Envelope, p schema.Payload) ([]projectionRow, error) {
	seg, ok := p.(schema.TranscriptSegmentV1)
	if !ok {
		return nil, fmt.Errorf("payload is %T, want TranscriptSegmentV1", p)
	}
	return []projectionRow{transcriptRow{
		artifactID: e.ArtifactID,
		videoID:    e.VideoID,
		startMS:    e.SpanStartMS,
		endMS:      e.SpanEndMS,
		text:       seg.Text,
		language:   seg.Language,
	}}, nil
}

type ocrRow struct {
	artifactID string
	videoID    string
	startMS    int64
	endMS      int64
	text       string
	language   string
}

func (r ocrRow) insert(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO ocr_blocks (artifact_id, video_id, start_ms, end_ms, text, language)
	VALUES (?, ?, ?, ?, ?, ?)
	`, r.artifactID, r.videoID, r.startMS, r.endMS, r.text, r.language); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
	INSERT INTO ocr_fts (text, artifact_id, video_id, start_ms, end_ms)
	VALUES (?, ?, ?, ?, ?)
	`, r.text, r.artifactID, r.videoID, r.startMS, r.endMS)
	return err
}

func transformOCR(e *catalog.Envelope, p schema.Payload) ([]projectionRow, error) {
	block, ok := p.(schema.OCRTextV1)
	if !ok {
		return nil, fmt.Errorf("payload is %T, want OCRTextV1", p)
	}
	return []projectionRow{ocrRow{
		artifactID: e.ArtifactID,
		videoID:    e.VideoID,
		startMS:    e.SpanStartMS,
		endMS:      e.SpanEndMS,
		text:       block.Text,
		language:   block.Language,
	}}, nil
}

type objectRow struct {
	artifactID string
	videoID    string
	label      string
	confidence float64
	startMS    int64
	endMS      int64
}

func (r objectRow) insert(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO object_labels (artifact_id, video_id, label, confidence, start_ms, end_ms)
	VALUES (?, ?, ?, ?, ?, ?)
	`, r.artifactID, r.videoID, r.label, r.confidence, r.startMS, r.endMS)
	return err
}

func transformObject(e *catalog.Envelope, p schema.Payload) ([]projectionRow, error) {
	det, ok := p.(schema.ObjectDetectionV1)
	if !ok {
		return nil, fmt.Errorf("payload is %T, want ObjectDetectionV1", p)
	}
	return []projectionRow{objectRow{
		artifactID: e.ArtifactID,
		videoID:    e.VideoID,
		label:      det.Label,
		confidence: det.Confidence,
		startMS:    e.SpanStartMS,
		endMS:      e.SpanEndMS,
	}}, nil
}

type faceRow struct {
	artifactID string
	videoID    string
	clusterID  string
	confidence float64
	startMS    int64
	endMS      int64
}

func (r faceRow) insert(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO face_clusters (artifact_id, video_id, cluster_id, confidence, start_ms, end_ms)
	VALUES (?, ?, ?, ?, ?, ?)
	`, r.artifactID, r.videoID, r.clusterID, r.confidence, r.startMS, r.endMS)
	return err
}

func transformFace(e *catalog.Envelope, p schema.Payload) ([]projectionRow, error) {
	det, ok := p.(schema.FaceDetectionV1)
	if !ok {
		return nil, fmt.Errorf("payload is %T, want FaceDetectionV1", p)
	}
	return []projectionRow{faceRow{
		artifactID: e.ArtifactID,
		videoID:    e.VideoID,
		clusterID:  det.ClusterID,
		confidence: det.Confidence,
		startMS:    e.SpanStartMS,
		endMS:      e.SpanEndMS,
	}}, nil
}

type sceneRow struct {
	artifactID string
	videoID    string
	sceneIndex int
	startMS    int64
	endMS      int64
}

func (r sceneRow) insert(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO scene_ranges (artifact_id, video_id, scene_index, start_ms, end_ms)
	VALUES (?, ?, ?, ?, ?)
	`, r.artifactID, r.videoID, r.sceneIndex, r.startMS, r.endMS)
	return err
}

func transformScene(e *catalog.Envelope, p schema.Payload) ([]projectionRow, error) {
	sc, ok := p.(schema.SceneV1)
	if !ok {
		return nil, fmt.Errorf("payload is %T, want SceneV1", p)
	}
	return []projectionRow{sceneRow{
		artifactID: e.ArtifactID,
		videoID:    e.VideoID,
		sceneIndex: sc.SceneIndex,
		startMS:    e.SpanStartMS,
		endMS:      e.SpanEndMS,
	}}, nil
}

type locationRow struct {
	artifactID string
	videoID    string
	lat        float64
	lon        float64
	alt        *float64
	country    string
	state      string
	city       string
}

func (r locationRow) insert(ctx context.Context, tx *sql.Tx) error {
	var alt any
	if r.alt != nil {
		alt = *r.alt
	}
	_, err := tx.ExecContext(ctx, `
	INSERT INTO video_locations (artifact_id, video_id, lat, lon, alt, country, state, city)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.artifactID, r.videoID, r.lat, r.lon, alt, r.country, r.state, r.city)
	return err
}

// transformVideoMetadata projects only the GPS subset, and only when a fix
// is present. Out-of-range coordinates are a hard error that aborts the
// envelope write.
func transformVideoMetadata(e *catalog.Envelope, p schema.Payload) ([]projectionRow, error) {
	meta, ok := p.(schema.VideoMetadataV1)
	if !ok {
		return nil, fmt.Errorf("payload is %T, want VideoMetadataV1", p)
	}
	if meta.GPS == nil {
		return nil, nil
	}
	gps := meta.GPS
	if gps.Lat < -90 || gps.Lat > 90 {
		return nil, fmt.Errorf("gps latitude %v outside [-90,90]", gps.Lat)
	}
	if gps.Lon < -180 || gps.Lon > 180 {
		return nil, fmt.Errorf("gps longitude %v outside [-180,180]", gps.Lon)
	}
	return []projectionRow{locationRow{
		artifactID: e.ArtifactID,
		videoID:    e.VideoID,
		lat:        gps.Lat,
		lon:        gps.Lon,
		alt:        gps.Alt,
		country:    gps.Country,
		state:      gps.State,
		city:       gps.City,
	}}, nil
}

// ProjectionCount returns how many projection rows exist for an artifact,
// across row tables and FTS tables.
func (s *Store) ProjectionCount(ctx context.Context, artifactID string) (int, error) {
	tables := []string{
		"transcript_segments", "ocr_blocks", "object_labels",
		"face_clusters", "scene_ranges", "video_locations",
		"transcript_fts", "ocr_fts",
	}
	total := 0
	for _, table := range tables {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+table+` WHERE artifact_id = ?`, artifactID).Scan(&n); err != nil {
			return 0, fmt.Errorf("count %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}
