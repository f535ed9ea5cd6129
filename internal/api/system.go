// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/vidgrep/vidgrep/internal/broker"
	"github.com/vidgrep/vidgrep/internal/metrics"
	"github.com/vidgrep/vidgrep/internal/version"
)

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": version.Version,
		"commit":  version.Commit,
		"date":    version.Date,
	})
}

// handleStatus aggregates population counts across the catalog and the
// broker queues for one-glance operations.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	videoCounts, err := s.deps.Videos.CountByStatus(ctx)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	taskCounts, err := s.deps.Tasks.CountsByStatus(ctx)
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	// Population gauges piggyback on the status poll.
	for status, n := range videoCounts {
		metrics.RecordVideosByStatus(string(status), n)
	}
	for status, n := range taskCounts {
		metrics.RecordTasksByStatus(string(status), n)
	}

	out := map[string]any{
		"videos": videoCounts,
		"tasks":  taskCounts,
	}

	if s.deps.Broker != nil {
		queues := make(map[string]int64, 2)
		for _, q := range []string{broker.QueueJobs, broker.QueueMLJobs} {
			depth, err := s.deps.Broker.QueueDepth(ctx, q)
			if err != nil {
				writeInternal(w, r, err)
				return
			}
			queues[q] = depth
		}
		out["queues"] = queues
	}

	writeJSON(w, http.StatusOK, out)
}
