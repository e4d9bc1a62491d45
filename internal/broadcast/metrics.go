package broadcast

import "github.com/prometheus/client_golang/prometheus"

var (
	relayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "enqueue_to_deliver_seconds",
		Help:      "Observed latency between sequencing on one instance and delivery on another.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	})

	relayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "messages_total",
		Help:      "Relayed records received, by outcome.",
	}, []string{"outcome"})

	relayPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "published_total",
		Help:      "Records handed to the relay for publishing, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(relayLatency, relayMessages, relayPublished)
}
