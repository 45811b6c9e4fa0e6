package merchant

import (
	"context"
	"log/slog"
	"time"
)

// Worker periodically rescores all merchants.
type Worker struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewWorker creates a rescoring worker. interval is typically 1 hour.
func NewWorker(service *Service, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Worker{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the rescoring loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) refresh(ctx context.Context) {
	n, err := w.service.Refresh(ctx)
	if err != nil {
		w.logger.Warn("merchant rescoring failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("merchant rescoring completed", "updated", n)
	}
}
