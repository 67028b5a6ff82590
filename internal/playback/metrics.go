package playback

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	rebuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "playback",
		Name:      "rebuild_seconds",
		Help:      "Time spent rebuilding a document at a sequence number.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "cache_lookups_total",
		Help:      "Rebuilt state cache lookups by result.",
	}, []string{"result"})

	tracer = otel.Tracer("github.com/example/tree-sync-engine/playback")
)

func init() {
	prometheus.MustRegister(rebuildSeconds, cacheLookups)
}
