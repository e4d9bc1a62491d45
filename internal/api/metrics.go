package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "api",
		Name:      "request_seconds",
		Help:      "REST request latency by route and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "code"})

	archiveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "api",
		Name:      "archive_failures_total",
		Help:      "Best-effort archives after a REST write that failed.",
	})

	tracer = otel.Tracer("github.com/example/workspace-sync/api")
)

func init() {
	prometheus.MustRegister(requestLatency, archiveFailures)
}
