// Package reconciliation checks the ledger against its own invariants, the
// audit log and the escrow holds.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/ledger"
)

// Ledger is the balance side of reconciliation.
type Ledger interface {
	Currencies(ctx context.Context) ([]string, error)
	Inconsistent(ctx context.Context, limit int) ([]*ledger.Balance, error)
	SumTotals(ctx context.Context, currency string) (decimal.Decimal, error)
	SumLocked(ctx context.Context, currency string) (decimal.Decimal, error)
	Freeze(ctx context.Context, userID, currency, reason string)
}

// ExternalFlows reports deposits minus withdrawals recorded in the audit log.
type ExternalFlows interface {
	ExternalNet(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Holds reports the total of active escrow holds.
type Holds interface {
	SumActive(ctx context.Context, currency string) (decimal.Decimal, error)
}

// maxInconsistent caps how many broken records one run freezes.
const maxInconsistent = 500

// Mismatch is a balance record violating total == available + locked.
type Mismatch struct {
	UserID    string          `json:"userId"`
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// CurrencyReport holds the per-currency checks.
type CurrencyReport struct {
	Currency     string          `json:"currency"`
	LedgerTotal  decimal.Decimal `json:"ledgerTotal"`
	ExternalNet  decimal.Decimal `json:"externalNet"`
	Conserved    bool            `json:"conserved"`
	LedgerLocked decimal.Decimal `json:"ledgerLocked"`
	EscrowActive decimal.Decimal `json:"escrowActive"`
	HoldsMatch   bool            `json:"holdsMatch"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	RunAt        time.Time         `json:"runAt"`
	Duration     time.Duration     `json:"durationNs"`
	Currencies   []*CurrencyReport `json:"currencies"`
	Inconsistent []Mismatch        `json:"inconsistent"`
	Healthy      bool              `json:"healthy"`
}

// Runner performs reconciliation runs and keeps the latest report.
type Runner struct {
	ledger Ledger
	flows  ExternalFlows
	holds  Holds
	logger *slog.Logger
	last   atomic.Pointer[Report]
}

// NewRunner creates a reconciliation runner.
func NewRunner(l Ledger, flows ExternalFlows, holds Holds, logger *slog.Logger) *Runner {
	return &Runner{ledger: l, flows: flows, holds: holds, logger: logger}
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	return r.last.Load()
}

// RunAll checks every record and currency. Records breaking their invariant
// are frozen. Currency-level mismatches are reported and logged; they have
// no single record to freeze.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RunAt: start.UTC(), Healthy: true}

	broken, err := r.ledger.Inconsistent(ctx, maxInconsistent)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list inconsistent balances: %w", err)
	}
	for _, b := range broken {
		report.Inconsistent = append(report.Inconsistent, Mismatch{
			UserID: b.UserID, Currency: b.Currency, Total: b.Total, Available: b.Available, Locked: b.Locked,
		})
		r.ledger.Freeze(ctx, b.UserID, b.Currency, fmt.Sprintf(
			"reconciliation: total %s != available %s + locked %s", b.Total, b.Available, b.Locked))
	}

	currencies, err := r.ledger.Currencies(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list currencies: %w", err)
	}
	var conservationBad, holdsBad int
	for _, cur := range currencies {
		cr, err := r.checkCurrency(ctx, cur)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("reconcile %s: %w", cur, err)
		}
		if !cr.Conserved {
			conservationBad++
			r.logger.Error("conservation mismatch", "currency", cur,
				"ledgerTotal", cr.LedgerTotal.String(), "externalNet", cr.ExternalNet.String())
		}
		if !cr.HoldsMatch {
			holdsBad++
			r.logger.Error("escrow holds mismatch", "currency", cur,
				"ledgerLocked", cr.LedgerLocked.String(), "escrowActive", cr.EscrowActive.String())
		}
		report.Currencies = append(report.Currencies, cr)
	}

	report.Healthy = len(broken) == 0 && conservationBad == 0 && holdsBad == 0
	report.Duration = time.Since(start)

	reconcileLedgerMismatches.Set(float64(len(broken)))
	reconcileConservationMismatches.Set(float64(conservationBad))
	reconcileHoldMismatches.Set(float64(holdsBad))
	reconcileDuration.Observe(report.Duration.Seconds())
	r.last.Store(report)

	if report.Healthy {
		r.logger.Debug("reconciliation clean", "currencies", len(currencies))
	} else {
		r.logger.Warn("reconciliation found mismatches",
			"records", len(broken), "conservation", conservationBad, "holds", holdsBad)
	}
	return report, nil
}

func (r *Runner) checkCurrency(ctx context.Context, cur string) (*CurrencyReport, error) {
	total, err := r.ledger.SumTotals(ctx, cur)
	if err != nil {
		return nil, err
	}
	net, err := r.flows.ExternalNet(ctx, cur)
	if err != nil {
		return nil, err
	}
	locked, err := r.ledger.SumLocked(ctx, cur)
	if err != nil {
		return nil, err
	}
	active, err := r.holds.SumActive(ctx, cur)
	if err != nil {
		return nil, err
	}
	return &CurrencyReport{
		Currency:     cur,
		LedgerTotal:  total,
		ExternalNet:  net,
		Conserved:    total.Equal(net),
		LedgerLocked: locked,
		EscrowActive: active,
		HoldsMatch:   locked.Equal(active),
	}, nil
}
