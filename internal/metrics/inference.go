package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inferenceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_inference_requests_total",
		Help: "Inference engine calls per task type by outcome",
	}, []string{"type", "outcome"}) // outcome=success|error|timeout

	inferenceDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vidgrep_inference_duration_seconds",
		Help:    "Inference engine call latency per task type",
		Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 1800},
	}, []string{"type"})

	inferenceItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_inference_items_total",
		Help: "Raw result items returned by the inference engine per task type",
	}, []string{"type"})
)

func RecordInference(taskType, outcome string, d time.Duration, items int) {
	inferenceRequestsTotal.WithLabelValues(taskType, outcome).Inc()
	inferenceDurationSeconds.WithLabelValues(taskType).Observe(d.Seconds())
	if items > 0 {
		inferenceItemsTotal.WithLabelValues(taskType).Add(float64(items))
	}
}
