// SPDX-License-Identifier: MIT

// Package navigate answers jump and find queries over the artifact
// projections: "next face of cluster X after 01:23", "previous mention
// of 'reset' before here", or a library-wide chronological walk. Reads
// go straight to the projection tables; within-video navigation honors
// the video's selection policy, the global walk deliberately does not.
package navigate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/library"
	"github.com/vidgrep/vidgrep/internal/metrics"
	"github.com/vidgrep/vidgrep/internal/selection"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

// Direction of travel along the timeline.
type Direction string

const (
	Next Direction = "next"
	Prev Direction = "prev"
)

// ParseDirection validates a raw direction. Empty defaults to next.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", string(Next):
		return Next, nil
	case string(Prev):
		return Prev, nil
	}
	return "", newError(CodeInvalidDirection, "unknown direction %q", s)
}

// Source selects which text projections a find consults.
type Source string

const (
	SourceTranscript Source = "transcript"
	SourceOCR        Source = "ocr"
	SourceAll        Source = "all"
)

// ParseSource validates a raw find source. Empty defaults to all.
func ParseSource(s string) (Source, error) {
	switch s {
	case "", string(SourceAll):
		return SourceAll, nil
	case string(SourceTranscript):
		return SourceTranscript, nil
	case string(SourceOCR):
		return SourceOCR, nil
	}
	return "", newError(CodeInvalidKind, "unknown find source %q", s)
}

// Result paging bounds.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// JumpRequest asks for the nearest envelopes in one direction.
//
// Label, ClusterID and MinConfidence narrow kinds whose projection
// carries the matching column and are ignored elsewhere. Query switches
// the text kinds to full-text matching and conflicts with Label.
type JumpRequest struct {
	VideoID       string
	Kind          string
	Direction     string
	FromMS        int64
	Label         string
	ClusterID     string
	Query         string
	MinConfidence float64
	Limit         int
}

// FindRequest is a full-text search across the text projections of one
// video.
type FindRequest struct {
	VideoID   string
	Query     string
	Direction string
	FromMS    int64
	Source    string
	Limit     int
}

// Hit is one navigation target.
type Hit struct {
	ArtifactID string  `json:"artifact_id"`
	VideoID    string  `json:"video_id"`
	Kind       string  `json:"kind"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Label      string  `json:"label,omitempty"`
	ClusterID  string  `json:"cluster_id,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Text       string  `json:"text,omitempty"`
	Snippet    string  `json:"snippet,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// Service runs the navigation queries.
type Service struct {
	db       *sql.DB
	videos   *library.VideoStore
	policies *selection.Manager
	logger   zerolog.Logger
}

// NewService wraps an already-migrated catalog handle.
func NewService(db *sql.DB, videos *library.VideoStore, policies *selection.Manager, logger zerolog.Logger) *Service {
	return &Service{
		db:       db,
		videos:   videos,
		policies: policies,
		logger:   logger.With().Str("component", "navigate").Logger(),
	}
}

// Jump returns up to Limit envelopes of one kind walking from FromMS in
// the requested direction within one video. next yields ascending spans
// with start_ms >= from; prev yields descending spans that ended at or
// before from, so the span containing from is never its own predecessor.
func (s *Service) Jump(ctx context.Context, req JumpRequest) ([]Hit, error) {
	hits, err := s.jump(ctx, req, false)
	s.observe("jump", hits, err)
	return hits, err
}

// GlobalJump is Jump across the whole library, ordered by
// (file_created_at NULLS LAST, video_id, start_ms) so results read like
// a chronological browse. Per-video selection policies do not apply.
func (s *Service) GlobalJump(ctx context.Context, req JumpRequest) ([]Hit, error) {
	req.VideoID = ""
	hits, err := s.jump(ctx, req, true)
	s.observe("global_jump", hits, err)
	return hits, err
}

func (s *Service) jump(ctx context.Context, req JumpRequest, global bool) ([]Hit, error) {
	dir, err := ParseDirection(req.Direction)
	if err != nil {
		return nil, err
	}
	kind, err := taskgraph.ParseArtifactKind(req.Kind)
	if err != nil {
		return nil, newError(CodeInvalidKind, "unknown artifact kind %q", req.Kind)
	}
	if req.Label != "" && req.Query != "" {
		return nil, newError(CodeConflictingFilters, "label and query are mutually exclusive")
	}
	if req.MinConfidence < 0 || req.MinConfidence > 1 {
		return nil, newError(CodeInvalidConfidence, "min_confidence %v outside [0,1]", req.MinConfidence)
	}
	limit, err := normalizeLimit(req.Limit)
	if err != nil {
		return nil, err
	}

	sel := selection.Default()
	if !global {
		if err := s.requireVideo(ctx, req.VideoID); err != nil {
			return nil, err
		}
		policy, err := s.policies.GetEffective(ctx, req.VideoID, kind)
		if err != nil {
			return nil, fmt.Errorf("load policy %s/%s: %w", req.VideoID, kind, err)
		}
		sel = selection.Compile(policy)
	}

	plan, err := planJump(kind, req, dir, sel, limit, global)
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, plan)
}

// Find searches the transcript and OCR projections of one video and
// merges the hits by span start, ascending for next and descending for
// prev. Every hit carries its source tag and a match snippet.
func (s *Service) Find(ctx context.Context, req FindRequest) ([]Hit, error) {
	hits, err := s.find(ctx, req)
	s.observe("find", hits, err)
	return hits, err
}

func (s *Service) find(ctx context.Context, req FindRequest) ([]Hit, error) {
	dir, err := ParseDirection(req.Direction)
	if err != nil {
		return nil, err
	}
	source, err := ParseSource(req.Source)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, newError(CodeInvalidQuery, "find requires a query")
	}
	limit, err := normalizeLimit(req.Limit)
	if err != nil {
		return nil, err
	}
	if err := s.requireVideo(ctx, req.VideoID); err != nil {
		return nil, err
	}

	var merged []Hit
	for _, src := range sourcesFor(source) {
		policy, err := s.policies.GetEffective(ctx, req.VideoID, src.kind)
		if err != nil {
			return nil, fmt.Errorf("load policy %s/%s: %w", req.VideoID, src.kind, err)
		}
		plan := planText(src, req.VideoID, req.Query, req.FromMS, dir, selection.Compile(policy), limit, false)
		hits, err := s.collect(ctx, plan)
		if err != nil {
			return nil, err
		}
		merged = append(merged, hits...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].StartMS != merged[j].StartMS {
			if dir == Prev {
				return merged[i].StartMS > merged[j].StartMS
			}
			return merged[i].StartMS < merged[j].StartMS
		}
		return merged[i].ArtifactID < merged[j].ArtifactID
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (s *Service) requireVideo(ctx context.Context, videoID string) error {
	_, err := s.videos.Get(ctx, videoID)
	if errors.Is(err, catalog.ErrNotFound) {
		return newError(CodeVideoNotFound, "video %s not found", videoID)
	}
	return err
}

func normalizeLimit(limit int) (int, error) {
	switch {
	case limit == 0:
		return DefaultLimit, nil
	case limit < 0 || limit > MaxLimit:
		return 0, newError(CodeInvalidLimit, "limit %d outside 1..%d", limit, MaxLimit)
	}
	return limit, nil
}

func (s *Service) collect(ctx context.Context, p plan) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx, p.sql, p.args...)
	if err != nil {
		return nil, fmt.Errorf("navigate query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Hit
	for rows.Next() {
		var h Hit
		var text string
		if err := rows.Scan(
			&h.ArtifactID, &h.VideoID, &h.StartMS, &h.EndMS,
			&h.Label, &h.ClusterID, &h.Confidence, &text,
		); err != nil {
			return nil, err
		}
		h.Kind = string(p.kind)
		h.Source = p.source
		if p.snippet {
			h.Snippet = text
		} else {
			h.Text = text
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Service) observe(op string, hits []Hit, err error) {
	switch {
	case err == nil && len(hits) == 0:
		metrics.IncNavigateQuery(op, "empty")
	case err == nil:
		metrics.IncNavigateQuery(op, "ok")
	default:
		if nerr, ok := AsError(err); ok && nerr.Code != CodeInternal {
			metrics.IncNavigateQuery(op, "rejected")
			return
		}
		metrics.IncNavigateQuery(op, "error")
	}
}
