// SPDX-License-Identifier: MIT
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task lifecycle metrics
	tasksCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_tasks_created_total",
		Help: "Total number of tasks created by type",
	}, []string{"type"})

	taskTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_task_transitions_total",
		Help: "Task status transitions by type and resulting status",
	}, []string{"type", "status"}) // status=running|completed|failed|cancelled

	taskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vidgrep_task_duration_seconds",
		Help:    "Wall time from claim to terminal status per task type",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"type"})

	tasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vidgrep_tasks_by_status",
		Help: "Current number of tasks per status (last reconcile sweep)",
	}, []string{"status"})

	// Queue metrics
	jobsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_jobs_enqueued_total",
		Help: "Total number of jobs pushed per queue",
	}, []string{"queue"})

	jobsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_jobs_consumed_total",
		Help: "Total number of jobs popped per queue",
	}, []string{"queue"})

	jobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_jobs_finished_total",
		Help: "Jobs reaching a terminal broker status per queue by outcome",
	}, []string{"queue", "outcome"}) // outcome=completed|failed|cancelled

	jobRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_job_retries_total",
		Help: "Total number of job re-deliveries per queue",
	}, []string{"queue"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vidgrep_queue_depth",
		Help: "Pending jobs per queue (last reconcile sweep)",
	}, []string{"queue"})
)

func IncTaskCreated(taskType string) { tasksCreatedTotal.WithLabelValues(taskType).Inc() }

func IncTaskTransition(taskType, status string) {
	taskTransitionsTotal.WithLabelValues(taskType, status).Inc()
}

func ObserveTaskDuration(taskType string, d time.Duration) {
	taskDurationSeconds.WithLabelValues(taskType).Observe(d.Seconds())
}

func RecordTasksByStatus(status string, n int) {
	tasksByStatus.WithLabelValues(status).Set(float64(n))
}

func IncJobEnqueued(queue string)  { jobsEnqueuedTotal.WithLabelValues(queue).Inc() }
func IncJobConsumed(queue string)  { jobsConsumedTotal.WithLabelValues(queue).Inc() }
func IncJobRetry(queue string)     { jobRetriesTotal.WithLabelValues(queue).Inc() }

func IncJobFinished(queue, outcome string) {
	jobsFinishedTotal.WithLabelValues(queue, outcome).Inc()
}

func RecordQueueDepth(queue string, depth int64) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}
