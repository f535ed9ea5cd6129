// SPDX-License-Identifier: MIT

package mlworker

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/inference"
	"github.com/vidgrep/vidgrep/internal/schema"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

// item pairs one raw response entry with its typed payload. The index into
// the original response list is kept so skipped items leave a gap in the
// artifact id sequence instead of shifting later ids.
type item struct {
	span    inference.Span
	payload schema.Payload
}

// transform maps a raw inference response onto envelopes per the write
// contract: one envelope per item, provenance copied verbatim, schema
// version pinned to the currently registered one, and items with negative
// or inverted spans skipped with a log line rather than failing the batch.
func (p *Pool) transform(logger zerolog.Logger, videoID string, kind taskgraph.TaskKind, resp *inference.Response) ([]*catalog.Envelope, error) {
	artifactKind, ok := taskgraph.ArtifactKindFor(kind)
	if !ok {
		return nil, fatal(fmt.Errorf("task kind %s produces no artifacts", kind))
	}

	items, err := itemsFor(kind, resp)
	if err != nil {
		return nil, err
	}

	version := p.deps.Registry.CurrentVersion(artifactKind)
	envelopes := make([]*catalog.Envelope, 0, len(items))
	for i, it := range items {
		if it.span.StartMS < 0 || it.span.EndMS < 0 || it.span.StartMS > it.span.EndMS {
			logger.Warn().
				Str("video_id", videoID).
				Str("artifact_type", string(artifactKind)).
				Int("index", i).
				Int64("start_ms", it.span.StartMS).
				Int64("end_ms", it.span.EndMS).
				Msg("skipping item with invalid span")
			continue
		}

		raw, err := p.deps.Registry.Serialize(it.payload)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}

		envelopes = append(envelopes, &catalog.Envelope{
			ArtifactID:      fmt.Sprintf("%s_%s_%s_%d", videoID, kind, resp.RunID, i),
			VideoID:         videoID,
			Kind:            artifactKind,
			SchemaVersion:   version,
			SpanStartMS:     it.span.StartMS,
			SpanEndMS:       it.span.EndMS,
			Payload:         raw,
			Producer:        resp.Producer,
			ProducerVersion: resp.ProducerVersion,
			ModelProfile:    catalog.ModelProfile(resp.ModelProfile),
			ConfigHash:      resp.ConfigHash,
			InputHash:       resp.InputHash,
			RunID:           resp.RunID,
		})
	}
	return envelopes, nil
}

// itemsFor picks the response list a kind reads and types each entry.
func itemsFor(kind taskgraph.TaskKind, resp *inference.Response) ([]item, error) {
	switch kind {
	case taskgraph.TaskTranscription:
		items := make([]item, len(resp.Segments))
		for i, s := range resp.Segments {
			items[i] = item{span: s.Span, payload: schema.TranscriptSegmentV1{
				Text:       s.Text,
				Language:   s.Language,
				Confidence: s.Confidence,
			}}
		}
		return items, nil

	case taskgraph.TaskOCR:
		items := make([]item, len(resp.Segments))
		for i, s := range resp.Segments {
			items[i] = item{span: s.Span, payload: schema.OCRTextV1{
				Text:       s.Text,
				Language:   s.Language,
				Confidence: s.Confidence,
			}}
		}
		return items, nil

	case taskgraph.TaskObjectDetection:
		items := make([]item, len(resp.Detections))
		for i, d := range resp.Detections {
			items[i] = item{span: d.Span, payload: schema.ObjectDetectionV1{
				Label:      d.Label,
				Confidence: d.Confidence,
				Box:        bbox(d.Box),
			}}
		}
		return items, nil

	case taskgraph.TaskFaceDetection:
		items := make([]item, len(resp.Detections))
		for i, d := range resp.Detections {
			items[i] = item{span: d.Span, payload: schema.FaceDetectionV1{
				ClusterID:  d.ClusterID,
				Confidence: d.Confidence,
				Box:        bbox(d.Box),
			}}
		}
		return items, nil

	case taskgraph.TaskSceneDetection:
		items := make([]item, len(resp.Scenes))
		for i, s := range resp.Scenes {
			items[i] = item{
				span:    inference.Span{StartMS: s.StartMS, EndMS: s.EndMS},
				payload: schema.SceneV1{SceneIndex: i, Score: s.Score},
			}
		}
		return items, nil

	case taskgraph.TaskPlaceDetection:
		items := make([]item, len(resp.Classifications))
		for i, c := range resp.Classifications {
			items[i] = item{span: c.Span, payload: schema.PlaceClassificationV1{
				Label:      c.Label,
				Confidence: c.Confidence,
				Hierarchy:  c.Hierarchy,
			}}
		}
		return items, nil

	case taskgraph.TaskTopicExtraction:
		items := make([]item, len(resp.Classifications))
		for i, c := range resp.Classifications {
			items[i] = item{span: c.Span, payload: schema.TopicV1{
				Topic:      c.Label,
				Keywords:   c.Keywords,
				Confidence: c.Confidence,
			}}
		}
		return items, nil

	case taskgraph.TaskEmbeddingGeneration:
		items := make([]item, len(resp.Classifications))
		for i, c := range resp.Classifications {
			items[i] = item{span: c.Span, payload: schema.EmbeddingV1{
				Model:  c.Model,
				Vector: c.Vector,
			}}
		}
		return items, nil

	default:
		return nil, fatal(fmt.Errorf("no transformation for task kind %s", kind))
	}
}

func bbox(raw []float64) *schema.BBox {
	if len(raw) != 4 {
		return nil
	}
	return &schema.BBox{X: raw[0], Y: raw[1], W: raw[2], H: raw[3]}
}
