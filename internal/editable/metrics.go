package editable

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/example/tree-sync-engine/editable")

var (
	commitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "editable",
		Name:      "commits_total",
		Help:      "Transactions committed and submitted for sequencing.",
	})

	rebasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "editable",
		Name:      "rebases_total",
		Help:      "Open transactions rebased over an incoming sequenced change.",
	})

	rollbackOps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "editable",
		Name:      "rollback_ops_total",
		Help:      "Inverse operations applied while rolling back local edits.",
	})

	rebaseSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "editable",
		Name:      "rebase_seconds",
		Help:      "Time spent rebasing an open transaction.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
)

func init() {
	prometheus.MustRegister(commitsTotal, rebasesTotal, rollbackOps, rebaseSeconds)
}
