// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vidgrep/vidgrep/internal/artifact"
	"github.com/vidgrep/vidgrep/internal/broker"
	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/library"
	"github.com/vidgrep/vidgrep/internal/media"
	"github.com/vidgrep/vidgrep/internal/schema"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
	"github.com/vidgrep/vidgrep/internal/version"
)

// hashProducer identifies the hash handler in envelope provenance.
const hashProducer = "vidgrep-hash"

// hashConfigHash fingerprints the fixed local pipeline (stream SHA-256 +
// ffprobe JSON). The hash task has no tunable model config, so the value
// only changes when the pipeline itself does.
var hashConfigHash = func() string {
	sum := sha256.Sum256([]byte("stream_sha256/ffprobe_json/v1"))
	return hex.EncodeToString(sum[:8])
}()

// HashHandler runs the hash task locally: stream-hash the file, probe it,
// record the results on the video row, and persist a video.metadata
// envelope so downstream projections have a producer.
type HashHandler struct {
	videos    *library.VideoStore
	artifacts *artifact.Store
	runs      *artifact.RunStore
	registry  *schema.Registry
	cache     *media.Cache // nil disables caching
	prober    media.Prober
	logger    zerolog.Logger
}

// NewHashHandler wires the hash pipeline. cache may be nil.
func NewHashHandler(videos *library.VideoStore, artifacts *artifact.Store, runs *artifact.RunStore, registry *schema.Registry, cache *media.Cache, prober media.Prober, logger zerolog.Logger) *HashHandler {
	return &HashHandler{
		videos:    videos,
		artifacts: artifacts,
		runs:      runs,
		registry:  registry,
		cache:     cache,
		prober:    prober,
		logger:    logger.With().Str("component", "hash").Logger(),
	}
}

// Run executes the hash task for one job and returns the number of
// envelopes written.
func (h *HashHandler) Run(ctx context.Context, job *broker.Job) (int, error) {
	info, err := os.Stat(job.VideoPath)
	if err != nil {
		return 0, fatal(fmt.Errorf("stat %s: %w", job.VideoPath, err))
	}

	entry, err := h.resolve(ctx, job.VideoPath, info.Size(), info.ModTime().UnixMilli())
	if err != nil {
		return 0, err
	}

	durationS := float64(entry.Probe.DurationMS) / 1000.0
	if err := h.videos.SetHashed(ctx, job.VideoID, entry.ContentHash, durationS, entry.Probe.FileCreatedAtMS); err != nil {
		return 0, fmt.Errorf("record hash for %s: %w", job.VideoID, err)
	}

	n, err := h.writeMetadata(ctx, job.VideoID, entry, info.Size())
	if err != nil {
		return 0, err
	}

	h.logger.Info().
		Str("event", "hash.completed").
		Str("video_id", job.VideoID).
		Str("content_hash", entry.ContentHash).
		Float64("duration_s", durationS).
		Msg("video hashed and probed")
	return n, nil
}

// resolve returns the hash/probe results for the file revision, from the
// cache when possible. Cache failures degrade to a cold run.
func (h *HashHandler) resolve(ctx context.Context, path string, sizeBytes, mtimeMS int64) (*media.CacheEntry, error) {
	key := media.CacheKey(path, sizeBytes, mtimeMS)
	if h.cache != nil {
		cached, err := h.cache.Get(key)
		if err != nil {
			h.logger.Warn().Err(err).Str("path", path).Msg("hash cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}

	hash, size, err := media.StreamSHA256(path)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	probe, err := h.prober.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}

	entry := &media.CacheEntry{ContentHash: hash, SizeBytes: size, Probe: *probe}
	if h.cache != nil {
		if err := h.cache.Put(key, entry); err != nil {
			h.logger.Warn().Err(err).Str("path", path).Msg("hash cache write failed")
		}
	}
	return entry, nil
}

func (h *HashHandler) writeMetadata(ctx context.Context, videoID string, entry *media.CacheEntry, sizeBytes int64) (int, error) {
	payload := schema.VideoMetadataV1{
		DurationS:   float64(entry.Probe.DurationMS) / 1000.0,
		Width:       entry.Probe.Width,
		Height:      entry.Probe.Height,
		Codec:       entry.Probe.VideoCodec,
		Container:   entry.Probe.Container,
		FPS:         entry.Probe.FPS,
		SizeBytes:   sizeBytes,
		ContentHash: entry.ContentHash,
	}
	if g := entry.Probe.GPS; g != nil {
		fix := &schema.GPSFix{Lat: g.Lat, Lon: g.Lon}
		if g.Alt != 0 {
			alt := g.Alt
			fix.Alt = &alt
		}
		payload.GPS = fix
	}

	raw, err := h.registry.Serialize(payload)
	if err != nil {
		return 0, fatal(fmt.Errorf("metadata payload: %w", err))
	}

	runID := uuid.NewString()
	run := &catalog.Run{
		RunID:           runID,
		VideoID:         videoID,
		PipelineProfile: string(catalog.ProfileBalanced),
	}
	if err := h.runs.Create(ctx, run); err != nil {
		return 0, fmt.Errorf("create metadata run: %w", err)
	}

	envelope := &catalog.Envelope{
		ArtifactID:      fmt.Sprintf("%s_%s_%s_%d", videoID, taskgraph.TaskHash, runID, 0),
		VideoID:         videoID,
		Kind:            taskgraph.ArtifactVideoMetadata,
		SchemaVersion:   h.registry.CurrentVersion(taskgraph.ArtifactVideoMetadata),
		SpanStartMS:     0,
		SpanEndMS:       entry.Probe.DurationMS,
		Payload:         raw,
		Producer:        hashProducer,
		ProducerVersion: version.Version,
		ModelProfile:    catalog.ProfileBalanced,
		ConfigHash:      hashConfigHash,
		InputHash:       entry.ContentHash,
		RunID:           runID,
	}
	if err := h.artifacts.Create(ctx, envelope); err != nil {
		_ = h.runs.MarkFailed(ctx, runID, err.Error())
		return 0, fmt.Errorf("persist metadata envelope: %w", err)
	}
	if err := h.runs.MarkCompleted(ctx, runID); err != nil {
		h.logger.Warn().Err(err).Str("run_id", runID).Msg("run finish failed")
	}
	return 1, nil
}
