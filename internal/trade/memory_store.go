package trade

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/txn"
)

// MemoryStore is an in-memory offer and trade store for demo/development
// mode. Writes inside a settlement unit are undone if the unit aborts.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]*Offer
	trades map[string]*Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers: make(map[string]*Offer),
		trades: make(map[string]*Trade),
	}
}

func (m *MemoryStore) CreateOffer(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.offers[o.ID] = copyOffer(o)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.offers, o.ID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return copyOffer(o), nil
}

func (m *MemoryStore) ListOffers(_ context.Context, f OfferFilter, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if f.SellerID != "" && o.SellerID != f.SellerID {
			continue
		}
		if f.Currency != "" && o.Currency != f.Currency {
			continue
		}
		if f.FiatCurrency != "" && o.FiatCurrency != f.FiatCurrency {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		result = append(result, copyOffer(o))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ConsumeOffer(ctx context.Context, id string, amount decimal.Decimal, at time.Time) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if o.Status != OfferActive {
		return nil, ErrOfferInactive
	}
	if o.Remaining.LessThan(amount) {
		return nil, ErrAmountOutOfRange
	}

	prev := copyOffer(o)
	o.Remaining = o.Remaining.Sub(amount)
	if o.Remaining.LessThan(o.MinAmount) {
		o.Status = OfferCompleted
	}
	o.UpdatedAt = at
	m.restoreOnRollback(ctx, prev)
	return copyOffer(o), nil
}

func (m *MemoryStore) RestoreOffer(ctx context.Context, id string, amount decimal.Decimal, at time.Time) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}

	prev := copyOffer(o)
	o.Remaining = o.Remaining.Add(amount)
	if o.Status == OfferCompleted && !o.Remaining.LessThan(o.MinAmount) {
		o.Status = OfferActive
	}
	o.UpdatedAt = at
	m.restoreOnRollback(ctx, prev)
	return copyOffer(o), nil
}

func (m *MemoryStore) SetOfferStatus(ctx context.Context, id string, from []OfferStatus, to OfferStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	allowed := false
	for _, s := range from {
		if o.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrOfferInactive
	}

	prev := copyOffer(o)
	o.Status = to
	o.UpdatedAt = at
	m.restoreOnRollback(ctx, prev)
	return nil
}

// restoreOnRollback must be called with m.mu held.
func (m *MemoryStore) restoreOnRollback(ctx context.Context, prev *Offer) {
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.offers[prev.ID] = prev
		m.mu.Unlock()
	})
}

func (m *MemoryStore) CreateTrade(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trades[t.ID] = copyTrade(t)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.trades, t.ID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) GetTrade(_ context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return copyTrade(t), nil
}

func (m *MemoryStore) UpdateTrade(ctx context.Context, t *Trade, from ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	allowed := false
	for _, s := range from {
		if cur.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidState
	}

	prev := cur
	m.trades[t.ID] = copyTrade(t)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.trades[prev.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, status Status, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if !t.IsParty(userID) {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		result = append(result, copyTrade(t))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.Expired(now) {
			result = append(result, copyTrade(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PaymentDeadline.Before(result[j].PaymentDeadline) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyOffer(o *Offer) *Offer {
	cp := *o
	cp.PaymentMethods = append([]string(nil), o.PaymentMethods...)
	return &cp
}

func copyTrade(t *Trade) *Trade {
	cp := *t
	cp.PaidAt = copyTime(t.PaidAt)
	cp.CompletedAt = copyTime(t.CompletedAt)
	cp.CancelledAt = copyTime(t.CancelledAt)
	cp.DisputedAt = copyTime(t.DisputedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
