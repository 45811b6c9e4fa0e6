package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	escrowOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pdesk",
			Name:      "escrow_operations_total",
			Help:      "Successful escrow operations by type (lock, release, return).",
		},
		[]string{"op"},
	)

	escrowFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pdesk",
			Name:      "escrow_failures_total",
			Help:      "Failed escrow disposals by target status and error kind.",
		},
		[]string{"status", "kind"},
	)
)

func init() {
	prometheus.MustRegister(escrowOps, escrowFailures)
}
