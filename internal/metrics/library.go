package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	videosDiscoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidgrep_videos_discovered_total",
		Help: "Total number of new video files ingested from scan roots",
	})

	videosByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vidgrep_videos_by_status",
		Help: "Current number of videos per lifecycle status (last scan)",
	}, []string{"status"})

	scanDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vidgrep_scan_duration_seconds",
		Help:    "Duration of full library scans",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	scanErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidgrep_scan_errors_total",
		Help: "Total number of scan failures (unreadable roots or entries)",
	})

	hashCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrep_hash_cache_total",
		Help: "Content hash cache lookups by outcome",
	}, []string{"outcome"}) // outcome=hit|miss

	hashDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vidgrep_hash_duration_seconds",
		Help:    "Time spent hashing file contents",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})
)

func AddVideosDiscovered(n int) { videosDiscoveredTotal.Add(float64(n)) }

func RecordVideosByStatus(status string, n int) {
	videosByStatus.WithLabelValues(status).Set(float64(n))
}

func ObserveScan(d time.Duration, err error) {
	scanDurationSeconds.Observe(d.Seconds())
	if err != nil {
		scanErrorsTotal.Inc()
	}
}

func IncHashCache(hit bool) {
	if hit {
		hashCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	hashCacheTotal.WithLabelValues("miss").Inc()
}

func ObserveHashDuration(d time.Duration) { hashDurationSeconds.Observe(d.Seconds()) }
