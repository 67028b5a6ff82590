package forest

import "github.com/prometheus/client_golang/prometheus"

var (
	deltasApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "forest",
		Name:      "deltas_applied_total",
		Help:      "Number of deltas applied to in-memory forests.",
	})

	applyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "forest",
		Name:      "apply_delta_seconds",
		Help:      "Time spent applying a delta to a forest.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 14),
	})

	liveCursors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "forest",
		Name:      "live_cursors",
		Help:      "Cursors allocated and not yet freed.",
	})

	liveAnchors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "forest",
		Name:      "live_anchors",
		Help:      "Anchors tracked and not yet forgotten.",
	})
)

func init() {
	prometheus.MustRegister(deltasApplied, applyLatency, liveCursors, liveAnchors)
}
