// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/task"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type videoJSON struct {
	ID              string  `json:"id"`
	Path            string  `json:"path"`
	ContentHash     string  `json:"content_hash,omitempty"`
	FileCreatedAtMS int64   `json:"file_created_at_ms,omitempty"`
	DurationS       float64 `json:"duration_s,omitempty"`
	SizeBytes       int64   `json:"size_bytes"`
	Status          string  `json:"status"`
	CreatedAtMS     int64   `json:"created_at_ms"`
	UpdatedAtMS     int64   `json:"updated_at_ms"`
}

func toVideoJSON(v *catalog.Video) videoJSON {
	return videoJSON{
		ID:              v.VideoID,
		Path:            v.Path,
		ContentHash:     v.ContentHash,
		FileCreatedAtMS: v.FileCreatedAtMS,
		DurationS:       v.DurationS,
		SizeBytes:       v.SizeBytes,
		Status:          string(v.Status),
		CreatedAtMS:     v.CreatedAtMS,
		UpdatedAtMS:     v.UpdatedAtMS,
	}
}

type taskJSON struct {
	ID            string   `json:"id"`
	VideoID       string   `json:"video_id"`
	Type          string   `json:"type"`
	Language      string   `json:"language,omitempty"`
	Status        string   `json:"status"`
	Priority      int      `json:"priority"`
	DependsOn     []string `json:"depends_on,omitempty"`
	Error         string   `json:"error,omitempty"`
	CreatedAtMS   int64    `json:"created_at_ms"`
	StartedAtMS   int64    `json:"started_at_ms,omitempty"`
	CompletedAtMS int64    `json:"completed_at_ms,omitempty"`
}

func toTaskJSON(t *catalog.Task) taskJSON {
	deps := make([]string, len(t.DependsOn))
	for i, d := range t.DependsOn {
		deps[i] = string(d)
	}
	return taskJSON{
		ID:            t.TaskID,
		VideoID:       t.VideoID,
		Type:          string(t.Type),
		Language:      t.Language,
		Status:        string(t.Status),
		Priority:      t.Priority,
		DependsOn:     deps,
		Error:         t.Error,
		CreatedAtMS:   t.CreatedAtMS,
		StartedAtMS:   t.StartedAtMS,
		CompletedAtMS: t.CompletedAtMS,
	}
}

func parsePage(r *http.Request) (limit, offset int, errCode, errDetail string) {
	limit = defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			return 0, 0, "INVALID_LIMIT", "limit must be an integer in 1.." + strconv.Itoa(maxPageSize)
		}
		limit = n
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, 0, "INVALID_ARGUMENT", "offset must be a non-negative integer"
		}
		offset = n
	}
	return limit, offset, "", ""
}

func parseVideoStatus(raw string) (catalog.VideoStatus, bool) {
	s := catalog.VideoStatus(raw)
	switch s {
	case catalog.VideoDiscovered, catalog.VideoHashed, catalog.VideoProcessing,
		catalog.VideoCompleted, catalog.VideoFailed:
		return s, true
	default:
		return "", false
	}
}

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	limit, offset, errCode, errDetail := parsePage(r)
	if errCode != "" {
		writeErrorCode(w, http.StatusBadRequest, errCode, errDetail)
		return
	}

	var (
		videos []*catalog.Video
		total  int
		err    error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := parseVideoStatus(raw)
		if !ok {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_STATUS", "unknown video status "+strconv.Quote(raw))
			return
		}
		videos, err = s.deps.Videos.ListByStatus(r.Context(), status)
		if err != nil {
			writeInternal(w, r, err)
			return
		}
		total = len(videos)
		if offset >= len(videos) {
			videos = nil
		} else {
			videos = videos[offset:]
		}
		if len(videos) > limit {
			videos = videos[:limit]
		}
	} else {
		videos, total, err = s.deps.Videos.List(r.Context(), limit, offset)
		if err != nil {
			writeInternal(w, r, err)
			return
		}
	}

	out := make([]videoJSON, len(videos))
	for i, v := range videos {
		out[i] = toVideoJSON(v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"videos": out,
		"total":  total,
	})
}

// getVideo resolves the path parameter, writing the error response itself
// when the video does not exist.
func (s *Server) getVideo(w http.ResponseWriter, r *http.Request) (*catalog.Video, bool) {
	videoID := chi.URLParam(r, "videoID")
	v, err := s.deps.Videos.Get(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeErrorCode(w, http.StatusNotFound, "VIDEO_NOT_FOUND", "video "+videoID+" not found")
			return nil, false
		}
		writeInternal(w, r, err)
		return nil, false
	}
	return v, true
}

func (s *Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	v, ok := s.getVideo(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toVideoJSON(v))
}

func (s *Server) handleVideoTasks(w http.ResponseWriter, r *http.Request) {
	v, ok := s.getVideo(w, r)
	if !ok {
		return
	}

	tasks, err := s.deps.Tasks.FindByVideo(r.Context(), v.VideoID)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	progress, err := s.deps.Tasks.Progress(r.Context(), v.VideoID)
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	out := make([]taskJSON, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskJSON(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"video_id": v.VideoID,
		"tasks":    out,
		"progress": progressJSON(progress),
	})
}

func progressJSON(p task.VideoProgress) map[string]int {
	return map[string]int{
		"total":    p.Total,
		"terminal": p.Terminal,
		"failed":   p.Failed,
	}
}

func (s *Server) handleRetryVideo(w http.ResponseWriter, r *http.Request) {
	v, ok := s.getVideo(w, r)
	if !ok {
		return
	}

	retried, err := s.deps.Orch.RetryVideo(r.Context(), v.VideoID)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"video_id": v.VideoID,
		"retried":  retried,
	})
}
