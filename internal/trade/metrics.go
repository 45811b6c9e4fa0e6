package trade

import "github.com/prometheus/client_golang/prometheus"

var (
	tradeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pdesk",
			Subsystem: "trade",
			Name:      "transitions_total",
			Help:      "Trades entering each status.",
		},
		[]string{"status"},
	)

	tradeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pdesk",
			Subsystem: "trade",
			Name:      "failures_total",
			Help:      "Failed trade operations by operation and error kind.",
		},
		[]string{"op", "kind"},
	)

	tradesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "p2pdesk",
		Subsystem: "trade",
		Name:      "expired_total",
		Help:      "Trades cancelled because the payment window passed.",
	})

	releaseSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "p2pdesk",
		Subsystem: "trade",
		Name:      "release_delay_seconds",
		Help:      "Time from payment marked to crypto released.",
		Buckets:   []float64{30, 60, 300, 600, 1800, 3600, 7200, 21600},
	})

	offerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pdesk",
			Subsystem: "trade",
			Name:      "offer_operations_total",
			Help:      "Offer operations by type.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(tradeTransitions, tradeFailures, tradesExpired, releaseSeconds, offerOps)
}
