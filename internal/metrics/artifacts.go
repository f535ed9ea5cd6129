// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envelopesPersistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_envelopes_persisted_total",
		Help: "Total number of artifact envelopes written per kind",
	}, []string{"kind"})

	envelopeBatchesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_envelope_batches_rejected_total",
		Help: "Envelope batches rejected before commit by reason",
	}, []string{"reason"}) // reason=validation|unknown_video|duplicate|storage

	schemaValidationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_schema_validation_failures_total",
		Help: "Payload validation failures per artifact kind",
	}, []string{"kind"})

	projectionRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_projection_rows_total",
		Help: "Rows written to query projections per table",
	}, []string{"table"})
)

func IncEnvelopePersisted(kind string) { envelopesPersistedTotal.WithLabelValues(kind).Inc() }

func IncEnvelopeBatchRejected(reason string) {
	envelopeBatchesRejectedTotal.WithLabelValues(reason).Inc()
}

func IncSchemaValidationFailure(kind string) {
	schemaValidationFailuresTotal.WithLabelValues(kind).Inc()
}

func AddProjectionRows(table string, n int) {
	projectionRowsTotal.WithLabelValues(table).Add(float64(n))
}
