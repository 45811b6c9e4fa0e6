package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/txn"
)

type balanceKey struct {
	user     string
	currency string
}

// MemoryStore keeps balances in memory for demo/testing. Each mutation
// registers a compensation that restores the previous record if the
// surrounding settlement unit aborts.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[balanceKey]*Balance
}

// NewMemoryStore creates an in-memory balance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[balanceKey]*Balance)}
}

func (m *MemoryStore) Get(_ context.Context, userID, currency string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[balanceKey{userID, currency}]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	return b.clone(), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Balance
	for k, b := range m.balances {
		if k.user == userID {
			out = append(out, b.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.update(ctx, userID, currency, func(b *Balance) {
		b.Total = b.Total.Add(amount)
		b.Available = b.Available.Add(amount)
	}), nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal) (*Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current(userID, currency).Available.GreaterThanOrEqual(amount) {
		return nil, ErrInsufficientBalance
	}
	return m.update(ctx, userID, currency, func(b *Balance) {
		b.Total = b.Total.Sub(amount)
		b.Available = b.Available.Sub(amount)
	}), nil
}

func (m *MemoryStore) Lock(ctx context.Context, userID, currency string, amount decimal.Decimal) (*Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current(userID, currency).Available.GreaterThanOrEqual(amount) {
		return nil, ErrInsufficientBalance
	}
	return m.update(ctx, userID, currency, func(b *Balance) {
		b.Available = b.Available.Sub(amount)
		b.Locked = b.Locked.Add(amount)
	}), nil
}

func (m *MemoryStore) Unlock(ctx context.Context, userID, currency string, amount decimal.Decimal) (*Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current(userID, currency).Locked.GreaterThanOrEqual(amount) {
		return nil, ErrInsufficientLocked
	}
	return m.update(ctx, userID, currency, func(b *Balance) {
		b.Locked = b.Locked.Sub(amount)
		b.Available = b.Available.Add(amount)
	}), nil
}

func (m *MemoryStore) ReleaseLocked(ctx context.Context, fromUser, toUser, currency string, amount decimal.Decimal) (*Change, *Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current(fromUser, currency).Locked.GreaterThanOrEqual(amount) {
		return nil, nil, ErrInsufficientLocked
	}
	from := m.update(ctx, fromUser, currency, func(b *Balance) {
		b.Locked = b.Locked.Sub(amount)
		b.Total = b.Total.Sub(amount)
	})
	to := m.update(ctx, toUser, currency, func(b *Balance) {
		b.Available = b.Available.Add(amount)
		b.Total = b.Total.Add(amount)
	})
	return from, to, nil
}

func (m *MemoryStore) SumTotals(_ context.Context, currency string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for k, b := range m.balances {
		if k.currency == currency {
			total = total.Add(b.Total)
		}
	}
	return total, nil
}

func (m *MemoryStore) SumLocked(_ context.Context, currency string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for k, b := range m.balances {
		if k.currency == currency {
			total = total.Add(b.Locked)
		}
	}
	return total, nil
}

func (m *MemoryStore) Currencies(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for k := range m.balances {
		seen[k.currency] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) ListInconsistent(_ context.Context, limit int) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Balance
	for _, b := range m.balances {
		if b.Check() != nil {
			out = append(out, b.clone())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Put overwrites a record without any checks (for testing/repair).
func (m *MemoryStore) Put(b *Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey{b.UserID, b.Currency}] = b.clone()
}

// current returns the record or a zero record. Caller must hold m.mu.
func (m *MemoryStore) current(userID, currency string) *Balance {
	if b, ok := m.balances[balanceKey{userID, currency}]; ok {
		return b
	}
	return zeroBalance(userID, currency)
}

// update applies fn to a copy of the record, stores it and registers the
// compensation. Caller must hold m.mu.
func (m *MemoryStore) update(ctx context.Context, userID, currency string, fn func(*Balance)) *Change {
	key := balanceKey{userID, currency}
	prev, existed := m.balances[key]

	before := m.current(userID, currency).clone()
	after := before.clone()
	fn(after)
	after.UpdatedAt = time.Now()
	m.balances[key] = after

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existed {
			m.balances[key] = prev
		} else {
			delete(m.balances, key)
		}
	})

	return &Change{Before: before, After: after.clone()}
}
