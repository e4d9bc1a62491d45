package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	opLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "session",
		Name:      "op_seconds",
		Help:      "Time from receiving an operation to broadcasting it.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"result"})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "session",
		Name:      "active",
		Help:      "Workspaces with at least one joined peer.",
	})

	sessionSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "session",
		Name:      "subscribers",
		Help:      "Joined peers per workspace.",
	}, []string{"workspace"})

	deliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "delivery_failures_total",
		Help:      "Messages that could not be handed to a subscriber.",
	})

	relayDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "relay_records_total",
		Help:      "Relayed log records by outcome.",
	}, []string{"outcome"})

	tracer = otel.Tracer("github.com/example/workspace-sync/session")
)

func init() {
	prometheus.MustRegister(opLatency, activeSessions, sessionSubscribers, deliveryFailures, relayDelivered)
}
