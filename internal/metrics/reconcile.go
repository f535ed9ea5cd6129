package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_reconcile_runs_total",
		Help: "Reconciler sweeps by outcome",
	}, []string{"outcome"}) // outcome=success|error

	reconcileRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_reconcile_repairs_total",
		Help: "Repairs applied by the reconciler per action",
	}, []string{"action"}) // action=requeued|completed|failed|cancelled|reset

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vidgrep_reconcile_duration_seconds",
		Help:    "Duration of reconciler sweeps",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15},
	})

	thumbnailsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidgrep_thumbnails_written_total",
		Help: "Total number of thumbnail files written",
	})

	thumbnailFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidgrep_thumbnail_failures_total",
		Help: "Total number of per-timestamp thumbnail extraction failures",
	})
)

func RecordReconcileRun(d time.Duration, err error) {
	reconcileDurationSeconds.Observe(d.Seconds())
	if err != nil {
		reconcileRunsTotal.WithLabelValues("error").Inc()
		return
	}
	reconcileRunsTotal.WithLabelValues("success").Inc()
}

func IncReconcileRepair(action string) { reconcileRepairsTotal.WithLabelValues(action).Inc() }

func AddThumbnailsWritten(n int)  { thumbnailsWrittenTotal.Add(float64(n)) }
func AddThumbnailFailures(n int)  { thumbnailFailuresTotal.Add(float64(n)) }
