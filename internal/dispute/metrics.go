package dispute

import "github.com/prometheus/client_golang/prometheus"

var (
	disputesOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "p2pdesk",
		Subsystem: "dispute",
		Name:      "opened_total",
		Help:      "Disputes opened by trade parties.",
	})

	disputesResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pdesk",
			Subsystem: "dispute",
			Name:      "resolved_total",
			Help:      "Disputes resolved by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(disputesOpened, disputesResolved)
}
