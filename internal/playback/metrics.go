package playback

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "cache_lookups_total",
		Help:      "Replayed-state cache lookups by result.",
	}, []string{"result"})

	replayedOps = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "playback",
		Name:      "replayed_ops",
		Help:      "Log entries replayed per playback request.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})
)

func init() {
	prometheus.MustRegister(cacheLookups, replayedOps)
}
