// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vidgrep/vidgrep/internal/catalog"
	"github.com/vidgrep/vidgrep/internal/selection"
	"github.com/vidgrep/vidgrep/internal/taskgraph"
)

type policyJSON struct {
	VideoID          string `json:"video_id"`
	Kind             string `json:"kind"`
	Mode             string `json:"mode"`
	PreferredProfile string `json:"preferred_profile,omitempty"`
	PinnedRunID      string `json:"pinned_run_id,omitempty"`
	PinnedArtifactID string `json:"pinned_artifact_id,omitempty"`
	Implicit         bool   `json:"implicit,omitempty"`
	CreatedAtMS      int64  `json:"created_at_ms,omitempty"`
	UpdatedAtMS      int64  `json:"updated_at_ms,omitempty"`
}

func toPolicyJSON(p *catalog.SelectionPolicy) policyJSON {
	return policyJSON{
		VideoID:          p.VideoID,
		Kind:             string(p.Kind),
		Mode:             string(p.Mode),
		PreferredProfile: string(p.PreferredProfile),
		PinnedRunID:      p.PinnedRunID,
		PinnedArtifactID: p.PinnedArtifactID,
		Implicit:         p.CreatedAtMS == 0,
		CreatedAtMS:      p.CreatedAtMS,
		UpdatedAtMS:      p.UpdatedAtMS,
	}
}

// policyKind resolves the kind path parameter, writing the error response
// itself when the kind is unknown.
func policyKind(w http.ResponseWriter, r *http.Request) (taskgraph.ArtifactKind, bool) {
	raw := chi.URLParam(r, "kind")
	kind, err := taskgraph.ParseArtifactKind(raw)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_KIND", "unknown artifact kind "+strconv.Quote(raw))
		return "", false
	}
	return kind, true
}

// handleGetPolicy returns the effective policy: the stored row, or the
// implicit latest default flagged as such.
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	v, ok := s.getVideo(w, r)
	if !ok {
		return
	}
	kind, ok := policyKind(w, r)
	if !ok {
		return
	}

	p, err := s.deps.Policies.GetEffective(r.Context(), v.VideoID, kind)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyJSON(p))
}

type putPolicyRequest struct {
	Mode             string `json:"mode"`
	PreferredProfile string `json:"preferred_profile"`
	PinnedRunID      string `json:"pinned_run_id"`
	PinnedArtifactID string `json:"pinned_artifact_id"`
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	v, ok := s.getVideo(w, r)
	if !ok {
		return
	}
	kind, ok := policyKind(w, r)
	if !ok {
		return
	}

	var req putPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
		return
	}

	policy := &catalog.SelectionPolicy{
		VideoID:          v.VideoID,
		Kind:             kind,
		Mode:             catalog.SelectionMode(req.Mode),
		PreferredProfile: catalog.ModelProfile(req.PreferredProfile),
		PinnedRunID:      req.PinnedRunID,
		PinnedArtifactID: req.PinnedArtifactID,
	}
	if err := s.deps.Policies.Set(r.Context(), policy); err != nil {
		if errors.Is(err, selection.ErrInvalidPolicy) {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_POLICY", err.Error())
			return
		}
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyJSON(policy))
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	v, ok := s.getVideo(w, r)
	if !ok {
		return
	}
	kind, ok := policyKind(w, r)
	if !ok {
		return
	}

	if err := s.deps.Policies.Delete(r.Context(), v.VideoID, kind); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeErrorCode(w, http.StatusNotFound, "POLICY_NOT_FOUND", "no stored policy for "+v.VideoID+"/"+string(kind))
			return
		}
		writeInternal(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
