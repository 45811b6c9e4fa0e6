// Package dispute records trade disputes and settles them on an admin's
// decision.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/audit"
	"github.com/mbd888/p2pdesk/internal/idgen"
	"github.com/mbd888/p2pdesk/internal/pagination"
	"github.com/mbd888/p2pdesk/internal/syncutil"
	"github.com/mbd888/p2pdesk/internal/traces"
	"github.com/mbd888/p2pdesk/internal/trade"
	"github.com/mbd888/p2pdesk/internal/txn"
)

var (
	ErrDisputeNotFound = apperr.New(apperr.NotFound, "dispute not found")
	ErrAlreadyResolved = apperr.New(apperr.InvalidState, "dispute already resolved")
	ErrDisputeExists   = apperr.New(apperr.Conflict, "trade already has an open dispute")
	ErrInvalidOutcome  = apperr.New(apperr.Invalid, "outcome must be release_to_buyer or return_to_seller")
	ErrReasonRequired  = apperr.New(apperr.Invalid, "dispute reason is required")
	ErrNoSettler       = apperr.New(apperr.Internal, "dispute settlement is not configured")
)

// Status of a dispute.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Outcome is the admin's decision on a dispute.
type Outcome string

const (
	OutcomeReleaseToBuyer Outcome = "release_to_buyer"
	OutcomeReturnToSeller Outcome = "return_to_seller"
)

// ParseOutcome validates an outcome string.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomeReleaseToBuyer, OutcomeReturnToSeller:
		return o, nil
	}
	return "", ErrInvalidOutcome
}

// Dispute is a party's complaint about a trade.
type Dispute struct {
	ID             string     `json:"id"`
	TradeID        string     `json:"tradeId"`
	OpenerID       string     `json:"openerId"`
	Reason         string     `json:"reason"`
	Status         Status     `json:"status"`
	Outcome        Outcome    `json:"outcome,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	ResolutionNote string     `json:"resolutionNote,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByTrade(ctx context.Context, tradeID string) (*Dispute, error)
	// Resolve closes an open dispute. It returns ErrAlreadyResolved if the
	// dispute is no longer open.
	Resolve(ctx context.Context, id string, outcome Outcome, by, note string, at time.Time) error
	List(ctx context.Context, status Status, limit int) ([]*Dispute, error)
	ListByTrade(ctx context.Context, tradeID string) ([]*Dispute, error)
}

// TradeSettler moves a disputed trade to its final state. within runs in
// the same settlement unit.
type TradeSettler interface {
	SettleDispute(ctx context.Context, tradeID, adminID string, releaseToBuyer bool, note string,
		within func(ctx context.Context) error) (*trade.Trade, error)
}

// Auditor records lifecycle audit entries.
type Auditor interface {
	Record(ctx context.Context, entry *audit.Entry) error
}

// Service opens and resolves disputes.
type Service struct {
	store   Store
	settler TradeSettler
	audit   Auditor
	runner  txn.Runner
	locks   syncutil.ShardedMutex
	logger  *slog.Logger
}

// NewService creates a dispute service.
func NewService(store Store, auditor Auditor, runner txn.Runner) *Service {
	return &Service{
		store:  store,
		audit:  auditor,
		runner: runner,
		logger: slog.Default(),
	}
}

// WithSettler sets the trade side of resolution. The trade service itself
// depends on this service to open disputes, so it is wired after both exist.
func (s *Service) WithSettler(t TradeSettler) *Service {
	s.settler = t
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Open records a new dispute for a trade. It joins the caller's unit, so
// the trade's move to dispute and the record commit together.
func (s *Service) Open(ctx context.Context, tradeID, openerID, reason string) (string, error) {
	if strings.TrimSpace(reason) == "" {
		return "", ErrReasonRequired
	}
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		TradeID:   tradeID,
		OpenerID:  openerID,
		Reason:    reason,
		Status:    StatusOpen,
		CreatedAt: time.Now().UTC(),
	}

	err := s.runner.Run(ctx, func(ctx context.Context) error {
		_, err := s.store.GetOpenByTrade(ctx, tradeID)
		switch {
		case err == nil:
			return ErrDisputeExists
		case !errors.Is(err, ErrDisputeNotFound):
			return err
		}
		return s.store.Create(ctx, d)
	})
	if err != nil {
		return "", err
	}

	disputesOpened.Inc()
	s.logger.Info("dispute opened", "disputeId", d.ID, "tradeId", tradeID, "opener", openerID)
	return d.ID, nil
}

// Resolve applies an admin's decision: the escrow is released to the buyer
// or returned to the seller, the trade reaches its final state and the
// dispute closes, all in one settlement unit.
func (s *Service) Resolve(ctx context.Context, disputeID, adminID string, outcome Outcome, note string) (*Dispute, error) {
	if s.settler == nil {
		return nil, ErrNoSettler
	}
	if _, err := ParseOutcome(string(outcome)); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}

	ctx = audit.WithActor(ctx, audit.ActorAdmin, adminID)
	ctx = audit.WithCorrelationID(ctx, d.TradeID)
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve",
		traces.DisputeID(d.ID), traces.TradeID(d.TradeID), traces.UserID(adminID))
	defer span.End()

	now := time.Now().UTC()
	_, err = s.settler.SettleDispute(ctx, d.TradeID, adminID, outcome == OutcomeReleaseToBuyer, note,
		func(ctx context.Context) error {
			if err := s.store.Resolve(ctx, d.ID, outcome, adminID, note, now); err != nil {
				return err
			}
			return s.audit.Record(ctx, &audit.Entry{
				Action:      audit.ActionDisputeResolved,
				UserID:      d.OpenerID,
				RefType:     "dispute",
				RefID:       d.ID,
				Description: note,
				AfterState: audit.Snapshot(map[string]string{
					"outcome": string(outcome), "tradeId": d.TradeID,
				}),
			})
		})
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("resolve dispute %s: %w", d.ID, err)
	}

	d.Status = StatusResolved
	d.Outcome = outcome
	d.ResolvedBy = adminID
	d.ResolutionNote = note
	d.ResolvedAt = &now

	disputesResolved.WithLabelValues(string(outcome)).Inc()
	s.logger.Info("dispute resolved", "disputeId", d.ID, "tradeId", d.TradeID,
		"admin", adminID, "outcome", outcome)
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// List returns disputes in a status, newest first. An empty status matches all.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	return s.store.List(ctx, status, pagination.Limit(limit, 50, 200))
}

// ListByTrade returns every dispute raised on a trade.
func (s *Service) ListByTrade(ctx context.Context, tradeID string) ([]*Dispute, error) {
	return s.store.ListByTrade(ctx, tradeID)
}
