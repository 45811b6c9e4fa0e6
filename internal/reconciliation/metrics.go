package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mbd888/p2pdesk/internal/metrics"
)

const (
	resultHealthy   = "healthy"
	resultUnhealthy = "unhealthy"
	resultError     = "error"
)

var (
	reconcileLedgerMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Balance records violating total = available + locked in the last run.",
	})

	reconcileConservationMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "conservation_mismatches",
		Help:      "Currencies whose ledger total differs from deposits minus withdrawals in the last run.",
	})

	reconcileHoldMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "hold_mismatches",
		Help:      "Currencies whose locked balances differ from active escrow holds in the last run.",
	})

	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation passes aborted by a storage error.",
	})

	reconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Scheduled reconciliation passes by result.",
	}, []string{"result"})
)
