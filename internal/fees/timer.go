package fees

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically retries deferred fees.
type Timer struct {
	dist     *Distributor
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a fee retry timer.
func NewTimer(dist *Distributor, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		dist:     dist,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the retry loop. Call in a goroutine.
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
			t.safeRetryDue(ctx)
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

func (t *Timer) safeRetryDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in fee retry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.retryDue(ctx)
}

func (t *Timer) retryDue(ctx context.Context) {
	due, err := t.store.ListDueJobs(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.logger.Warn("failed to list due fee jobs", "error", err)
		return
	}
	jobsPending.Set(float64(len(due)))

	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := t.dist.RetryJob(ctx, job.ID); err != nil {
			t.logger.Warn("fee job retry errored", "jobId", job.ID, "error", err)
		}
	}
}
