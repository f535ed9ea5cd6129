// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vidgrep/vidgrep/internal/navigate"
)

// parseJumpParams maps query parameters onto a jump request. Range checks
// stay in the navigate service; only malformed numerics are rejected here.
func parseJumpParams(r *http.Request) (navigate.JumpRequest, string, string) {
	q := r.URL.Query()
	req := navigate.JumpRequest{
		Kind:      q.Get("kind"),
		Direction: q.Get("direction"),
		Label:     q.Get("label"),
		ClusterID: q.Get("cluster_id"),
		Query:     q.Get("query"),
	}

	if raw := q.Get("from_ms"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return req, "INVALID_ARGUMENT", "from_ms must be an integer"
		}
		req.FromMS = n
	}
	if raw := q.Get("min_confidence"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return req, "INVALID_CONFIDENCE", "min_confidence must be a number"
		}
		req.MinConfidence = f
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return req, "INVALID_LIMIT", "limit must be an integer"
		}
		req.Limit = n
	}
	return req, "", ""
}

func (s *Server) handleJump(w http.ResponseWriter, r *http.Request) {
	req, errCode, errDetail := parseJumpParams(r)
	if errCode != "" {
		writeErrorCode(w, http.StatusBadRequest, errCode, errDetail)
		return
	}
	req.VideoID = chi.URLParam(r, "videoID")

	hits, err := s.deps.Navigate.Jump(r.Context(), req)
	if err != nil {
		writeNavigateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

func (s *Server) handleGlobalJump(w http.ResponseWriter, r *http.Request) {
	req, errCode, errDetail := parseJumpParams(r)
	if errCode != "" {
		writeErrorCode(w, http.StatusBadRequest, errCode, errDetail)
		return
	}

	hits, err := s.deps.Navigate.GlobalJump(r.Context(), req)
	if err != nil {
		writeNavigateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := navigate.FindRequest{
		VideoID:   chi.URLParam(r, "videoID"),
		Query:     q.Get("query"),
		Direction: q.Get("direction"),
		Source:    q.Get("source"),
	}

	if raw := q.Get("from_ms"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "from_ms must be an integer")
			return
		}
		req.FromMS = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be an integer")
			return
		}
		req.Limit = n
	}

	hits, err := s.deps.Navigate.Find(r.Context(), req)
	if err != nil {
		writeNavigateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}
