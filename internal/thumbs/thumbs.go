// SPDX-License-Identifier: MIT

// Package thumbs materializes preview frames for every envelope timestamp
// of a video. The extractor is idempotent: frames already on disk are
// skipped, so re-running converges to a no-op.
package thumbs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/vidgrep/vidgrep/internal/media"
	"github.com/vidgrep/vidgrep/internal/metrics"
)

// Stats summarizes one extraction pass.
type Stats struct {
	Generated int `json:"generated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// SpanSource yields the distinct envelope start timestamps of a video.
type SpanSource interface {
	DistinctSpanStarts(ctx context.Context, videoID string) ([]int64, error)
}

// Extractor writes one JPEG per distinct envelope start into
// {baseDir}/{videoID}/{ms}.jpg.
type Extractor struct {
	spans   SpanSource
	grabber media.FrameGrabber
	baseDir string
	logger  zerolog.Logger
}

// NewExtractor wires a span source and a frame grabber to a target directory.
func NewExtractor(spans SpanSource, grabber media.FrameGrabber, baseDir string, logger zerolog.Logger) *Extractor {
	return &Extractor{
		spans:   spans,
		grabber: grabber,
		baseDir: baseDir,
		logger:  logger.With().Str("component", "thumbs").Logger(),
	}
}

// Dir returns the thumbnail directory of a video.
func (e *Extractor) Dir(videoID string) string {
	return filepath.Join(e.baseDir, videoID)
}

// FramePath returns where the frame for one timestamp lives.
func (e *Extractor) FramePath(videoID string, ms int64) string {
	return filepath.Join(e.Dir(videoID), strconv.FormatInt(ms, 10)+".jpg")
}

// Run extracts every missing frame for the video. Per-timestamp grab or
// write failures are counted and logged, not fatal; the pass only errors
// when the span query fails, the directory cannot be created, or the
// context is cancelled.
func (e *Extractor) Run(ctx context.Context, videoID, videoPath string) (Stats, error) {
	starts, err := e.spans.DistinctSpanStarts(ctx, videoID)
	if err != nil {
		return Stats{}, fmt.Errorf("span starts of %s: %w", videoID, err)
	}

	stats := Stats{Total: len(starts)}
	if len(starts) == 0 {
		return stats, nil
	}

	if err := os.MkdirAll(e.Dir(videoID), 0o755); err != nil {
		return stats, fmt.Errorf("thumbnail dir for %s: %w", videoID, err)
	}

	for _, ms := range starts {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		target := e.FramePath(videoID, ms)
		if _, err := os.Stat(target); err == nil {
			stats.Skipped++
			continue
		}

		frame, err := e.grabber.Grab(ctx, videoPath, ms)
		if err != nil {
			stats.Failed++
			e.logger.Warn().Err(err).
				Str("video_id", videoID).
				Int64("offset_ms", ms).
				Msg("frame grab failed")
			continue
		}

		if err := renameio.WriteFile(target, frame, 0o644); err != nil {
			stats.Failed++
			e.logger.Warn().Err(err).
				Str("video_id", videoID).
				Int64("offset_ms", ms).
				Msg("frame write failed")
			continue
		}
		stats.Generated++
	}

	metrics.AddThumbnailsWritten(stats.Generated)
	metrics.AddThumbnailFailures(stats.Failed)

	e.logger.Info().
		Str("event", "thumbs.extracted").
		Str("video_id", videoID).
		Int("generated", stats.Generated).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Msg("thumbnail pass finished")
	return stats, nil
}
