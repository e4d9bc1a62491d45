package snapshot

import "github.com/prometheus/client_golang/prometheus"

var (
	archiveResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "archives_total",
		Help:      "Archive attempts by result.",
	}, []string{"result"})

	archiveSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "skipped_total",
		Help:      "Inspections that found too few new operations to archive.",
	})

	archiveLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "snapshot",
		Name:      "archive_seconds",
		Help:      "Time spent uploading and recording one archive.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(archiveResults, archiveSkipped, archiveLatency)
}
