package checkout

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	sequencedApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "sequenced_edits_applied_total",
		Help:      "Sequenced edits applied to local forests.",
	}, []string{"document_id"})

	duplicateEdits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "duplicate_edits_total",
		Help:      "Sequenced edits dropped because they were already applied.",
	}, []string{"document_id"})

	submittedEdits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "submitted_edits_total",
		Help:      "Local edits submitted for sequencing.",
	}, []string{"document_id"})

	trunkRebaseDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "checkout",
		Name:      "trunk_rebase_depth",
		Help:      "Concurrent sequenced edits an incoming edit was rebased over.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	tracer = otel.Tracer("github.com/example/tree-sync-engine/checkout")
)

func init() {
	prometheus.MustRegister(sequencedApplied, duplicateEdits, submittedEdits, trunkRebaseDepth)
}
