package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var syncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recoveryd",
	Subsystem: "recovery",
	Name:      "sync_failures_total",
	Help:      "Number of failed recovery reconciliation cycles.",
}, []string{"kind"})
