package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	upgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	connections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "connections",
		Help:      "Active WebSocket connections per document.",
	}, []string{"document"})

	sendQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "send_queue_depth",
		Help:      "Buffered outbound frames per document.",
	}, []string{"document"})

	sequencedEdits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "sequenced_edits_total",
		Help:      "Edits assigned a sequence number per document.",
	}, []string{"document"})

	rejectedEdits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "rejected_edits_total",
		Help:      "Submitted edits rejected by reason.",
	}, []string{"reason"})

	catchUpEdits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "catch_up_edits_total",
		Help:      "Edits resent on catch-up by source.",
	}, []string{"source"})

	tracer = otel.Tracer("github.com/example/tree-sync-engine/relay")
)

func init() {
	prometheus.MustRegister(upgradeLatency, connections, sendQueueDepth, sequencedEdits, rejectedEdits, catchUpEdits)
}
