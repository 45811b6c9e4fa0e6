package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when the configured interval is not positive.
const DefaultInterval = 5 * time.Minute

// Timer runs a reconciliation pass on start and then every interval.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a reconciliation timer.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger.With("component", "reconciliation"),
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start blocks until ctx is cancelled or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	// A restart should not wait a full interval to learn the ledger is broken.
	t.cycle(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.cycle(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reconcileRuns.WithLabelValues(resultError).Inc()
			t.logger.Error("panic during reconciliation", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	switch {
	case err != nil:
		reconcileRuns.WithLabelValues(resultError).Inc()
		t.logger.Warn("reconciliation run failed", "error", err)
	case report.Healthy:
		reconcileRuns.WithLabelValues(resultHealthy).Inc()
	default:
		reconcileRuns.WithLabelValues(resultUnhealthy).Inc()
		t.logger.Error("ledger needs attention",
			"frozenRecords", len(report.Inconsistent), "duration", report.Duration.String())
	}
}
