package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayq",
		Name:      "jobs_processed_total",
		Help:      "Jobs acked by this worker process.",
	}, []string{"queue"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayq",
		Name:      "jobs_failed_total",
		Help:      "Jobs nacked by this worker process.",
	}, []string{"queue"})
)
