package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	appendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edit_log",
		Name:      "append_seconds",
		Help:      "Latency for appending sequenced edits to the log.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	replayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edit_log",
		Name:      "replay_seconds",
		Help:      "Latency for replaying logged edits per document.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	backlogEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "edit_log",
		Name:      "backlog_entries",
		Help:      "Logged edits beyond the last checkpoint per document.",
	}, []string{"document"})

	tracer = otel.Tracer("github.com/example/tree-sync-engine/storage")
)

func init() {
	prometheus.MustRegister(appendLatency, replayLatency, backlogEntries)
}
