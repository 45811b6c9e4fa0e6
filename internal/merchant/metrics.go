package merchant

import "github.com/prometheus/client_golang/prometheus"

var badgeChanges = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "p2pdesk",
		Subsystem: "merchant",
		Name:      "badge_changes_total",
		Help:      "Merchant badge changes by new badge.",
	},
	[]string{"badge"},
)

func init() {
	prometheus.MustRegister(badgeChanges)
}
