package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically cancels trades whose payment window has passed.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates an expiry timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeExpire(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in trade expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.expireDue(ctx)
}

func (t *Timer) expireDue(ctx context.Context) int {
	expired, err := t.service.ListExpired(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to list expired trades", "error", err)
		return 0
	}

	n := 0
	for _, tr := range expired {
		if ctx.Err() != nil {
			return n
		}
		ok, err := t.service.ExpireTrade(ctx, tr.ID)
		if err != nil {
			t.logger.Warn("failed to expire trade", "tradeId", tr.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		t.logger.Info("expired unpaid trades", "count", n)
	}
	return n
}
