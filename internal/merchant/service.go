package merchant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/p2pdesk/internal/pagination"
	"github.com/mbd888/p2pdesk/internal/syncutil"
	"github.com/mbd888/p2pdesk/internal/trade"
)

// Profile is the public view of a merchant.
type Profile struct {
	*Stats
	CompletionRate    float64    `json:"completionRate"`
	AvgReleaseSeconds float64    `json:"avgReleaseSeconds"`
	Components        Components `json:"components"`
}

// Service records finished trades into merchant stats.
type Service struct {
	store  Store
	calc   *Calculator
	locks  syncutil.ShardedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a merchant stats service.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		calc:   NewCalculator(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithCalculator replaces the default scoring weights.
func (s *Service) WithCalculator(c *Calculator) *Service {
	s.calc = c
	return s
}

// RecordTrade folds a trade that reached a final state into both parties'
// stats. Non-final trades are ignored.
func (s *Service) RecordTrade(ctx context.Context, t *trade.Trade) error {
	if !t.Status.IsTerminal() {
		return nil
	}

	for _, user := range []string{t.SellerID, t.BuyerID} {
		if err := s.apply(ctx, user, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) apply(ctx context.Context, user string, t *trade.Trade) error {
	unlock := s.locks.Lock(user)
	defer unlock()

	now := s.now()
	st, err := s.store.Get(ctx, user)
	if errors.Is(err, ErrMerchantNotFound) {
		st = NewStats(user, now)
	} else if err != nil {
		return err
	}

	st.TotalTrades++
	if t.DisputedAt != nil {
		st.DisputedTrades++
	}
	switch t.Status {
	case trade.StatusCompleted:
		st.CompletedTrades++
		st.Volume[t.Currency] = st.Volume[t.Currency].Add(t.Amount)
		if user == t.SellerID && t.PaidAt != nil && t.CompletedAt != nil && t.DisputedAt == nil {
			st.ReleaseSamples++
			st.TotalReleaseSeconds += t.CompletedAt.Sub(*t.PaidAt).Seconds()
		}
	case trade.StatusCancelled:
		if responsibleFor(t) == user {
			st.CancelledTrades++
		}
	}

	prev := st.Badge
	st.Score, st.Badge, _ = s.calc.Calculate(st, now)
	st.LastTradeAt = now
	st.UpdatedAt = now
	if err := s.store.Upsert(ctx, st); err != nil {
		return err
	}
	if st.Badge != prev {
		badgeChanges.WithLabelValues(string(st.Badge)).Inc()
		s.logger.Info("merchant badge changed", "user", user, "from", prev, "to", st.Badge)
	}
	return nil
}

// responsibleFor names the party a cancellation counts against. A trade
// cancelled by the system or an admin counts against the buyer: the payment
// window lapsed or the dispute went to the seller.
func responsibleFor(t *trade.Trade) string {
	if t.IsParty(t.CancelledBy) {
		return t.CancelledBy
	}
	return t.BuyerID
}

// Get returns a merchant's profile.
func (s *Service) Get(ctx context.Context, userID string) (*Profile, error) {
	st, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.profile(st), nil
}

// Leaderboard returns the best-scored merchants.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]*Profile, error) {
	all, err := s.store.List(ctx, pagination.Limit(limit, 20, 100))
	if err != nil {
		return nil, err
	}
	out := make([]*Profile, 0, len(all))
	for _, st := range all {
		out = append(out, s.profile(st))
	}
	return out, nil
}

func (s *Service) profile(st *Stats) *Profile {
	_, _, comp := s.calc.Calculate(st, s.now())
	return &Profile{
		Stats:             st,
		CompletionRate:    st.CompletionRate(),
		AvgReleaseSeconds: st.AvgReleaseSeconds(),
		Components:        comp,
	}
}

// Refresh rescores every merchant. Age moves scores even without new trades.
func (s *Service) Refresh(ctx context.Context) (int, error) {
	all, err := s.store.All(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	var changed []*Stats
	for _, st := range all {
		score, badge, _ := s.calc.Calculate(st, now)
		if score == st.Score && badge == st.Badge {
			continue
		}
		if badge != st.Badge {
			badgeChanges.WithLabelValues(string(badge)).Inc()
		}
		st.Score, st.Badge, st.UpdatedAt = score, badge, now
		changed = append(changed, st)
	}
	if len(changed) == 0 {
		return 0, nil
	}
	if err := s.store.SaveBatch(ctx, changed); err != nil {
		return 0, err
	}
	return len(changed), nil
}
