package fees

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/audit"
	"github.com/mbd888/p2pdesk/internal/retry"
)

// MaxJobAttempts is how many timer passes a deferred fee gets before it is
// marked failed for manual handling.
const MaxJobAttempts = 8

// RetryJob tries to book a deferred fee. A job whose fee is already booked
// is marked done without charging again.
func (d *Distributor) RetryJob(ctx context.Context, id string) (*Job, error) {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != JobPending {
		return job, nil
	}

	ch := Charge{
		UserID:      job.UserID,
		Kind:        job.Kind,
		Amount:      job.Amount,
		Currency:    job.Currency,
		RelatedTxID: job.RelatedTxID,
		DebitPayer:  job.DebitPayer,
	}
	info := d.Resolve(ctx, job.UserID)
	ctx = audit.WithCorrelationID(ctx, job.RelatedTxID)

	err = retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		err := d.runner.Run(ctx, func(ctx context.Context) error {
			booked, err := d.store.HasTransaction(ctx, job.RelatedTxID, job.Kind)
			if err != nil {
				return err
			}
			if booked {
				return ErrAlreadyBooked
			}
			_, err = d.Settle(ctx, ch, info)
			return err
		})
		if err != nil && !retryable(err) {
			return retry.Permanent(err)
		}
		return err
	})

	now := time.Now().UTC()
	job.Attempts++
	job.UpdatedAt = now
	switch {
	case err == nil, errors.Is(err, ErrAlreadyBooked):
		job.Status = JobDone
		job.LastError = ""
	case job.Attempts >= MaxJobAttempts:
		job.Status = JobFailed
		job.LastError = err.Error()
	default:
		job.LastError = err.Error()
		job.NextAttemptAt = now.Add(backoff(job.Attempts))
	}
	if uerr := d.store.UpdateJob(ctx, job); uerr != nil {
		return nil, fmt.Errorf("update fee job %s: %w", job.ID, uerr)
	}

	switch job.Status {
	case JobDone:
		d.logger.Info("deferred fee booked", "jobId", job.ID, "relatedTx", job.RelatedTxID, "attempts", job.Attempts)
	case JobFailed:
		d.logger.Error("deferred fee failed permanently", "jobId", job.ID, "relatedTx", job.RelatedTxID,
			"attempts", job.Attempts, "error", job.LastError)
	default:
		d.logger.Warn("deferred fee retry failed", "jobId", job.ID, "relatedTx", job.RelatedTxID,
			"attempts", job.Attempts, "next", job.NextAttemptAt, "error", job.LastError)
	}
	return job, nil
}

// Insufficient balances and invalid input will not fix themselves within
// one timer pass; anything else (storage, serialization) might.
func retryable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.Internal, apperr.ExternalServiceFailure:
		return true
	}
	return false
}

func backoff(attempts int) time.Duration {
	d := 30 * time.Second << min(attempts, 7)
	return min(d, time.Hour)
}
