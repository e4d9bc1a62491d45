package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	storeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workspace_store",
		Name:      "operation_seconds",
		Help:      "Latency of store calls by driver and operation.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"driver", "operation"})

	appendedOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workspace_store",
		Name:      "appended_ops_total",
		Help:      "Operations appended to the log.",
	}, []string{"driver"})

	storeRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workspace_store",
		Name:      "retries_total",
		Help:      "Transient Postgres failures that were retried.",
	}, []string{"operation"})

	storeTracer = otel.Tracer("github.com/example/workspace-sync/storage")
)

func init() {
	prometheus.MustRegister(storeLatency, appendedOps, storeRetries)
}

func observe(driver, operation string, start time.Time) {
	storeLatency.WithLabelValues(driver, operation).Observe(time.Since(start).Seconds())
}
