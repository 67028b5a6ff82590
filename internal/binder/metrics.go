package binder

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "binder",
		Name:      "events_delivered_total",
		Help:      "Listener invocations by binder mode and binding type.",
	}, []string{"mode", "type"})

	flushSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "binder",
		Name:      "flush_seconds",
		Help:      "Time spent delivering buffered or invalidated events.",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
	}, []string{"mode"})

	callNodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "binder",
		Name:      "call_tree_nodes",
		Help:      "Compiled bind path nodes currently held, by binder mode.",
	}, []string{"mode"})
)

func init() {
	prometheus.MustRegister(eventsDelivered, flushSeconds, callNodes)
}
