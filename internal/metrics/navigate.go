package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var navigateQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vidgrep_navigate_queries_total",
	Help: "Jump and find queries by operation and outcome",
}, []string{"op", "outcome"}) // op=jump|global_jump|find outcome=ok|empty|rejected|error

func IncNavigateQuery(op, outcome string) { navigateQueriesTotal.WithLabelValues(op, outcome).Inc() }
