package snapshot

import "github.com/prometheus/client_golang/prometheus"

var snapshotsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "snapshot",
	Name:      "written_total",
	Help:      "Snapshots uploaded per document.",
}, []string{"document"})

func init() {
	prometheus.MustRegister(snapshotsWritten)
}
