package fees

import "github.com/prometheus/client_golang/prometheus"

var (
	feesCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pdesk",
			Subsystem: "fees",
			Name:      "collected_total",
			Help:      "Gross fees booked, by bucket and currency (float approximation).",
		},
		[]string{"bucket", "currency"},
	)

	commissionsPaid = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pdesk",
			Subsystem: "fees",
			Name:      "commissions_paid_total",
			Help:      "Referral commissions paid, by tier and currency (float approximation).",
		},
		[]string{"tier", "currency"},
	)

	feeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pdesk",
			Subsystem: "fees",
			Name:      "failures_total",
			Help:      "Fee bookings that rolled back, by kind.",
		},
		[]string{"kind"},
	)

	feesDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "p2pdesk",
			Subsystem: "fees",
			Name:      "deferred_total",
			Help:      "Fees queued for retry, by kind.",
		},
		[]string{"kind"},
	)

	referralDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "p2pdesk",
			Subsystem: "fees",
			Name:      "referral_lookup_degraded_total",
			Help:      "Fees booked without a referrer because the referral lookup failed.",
		},
	)

	jobsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "p2pdesk",
			Subsystem: "fees",
			Name:      "jobs_due",
			Help:      "Deferred fees due for retry at the last timer tick.",
		},
	)
)

func init() {
	prometheus.MustRegister(feesCollected, commissionsPaid, feeFailures, feesDeferred, referralDegraded, jobsPending)
}
