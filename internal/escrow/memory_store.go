package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/txn"
)

// MemoryStore is an in-memory hold store for demo/development mode.
type MemoryStore struct {
	holds map[string]*Hold
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory hold store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holds: make(map[string]*Hold),
	}
}

func (m *MemoryStore) Create(ctx context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *h
	m.holds[h.ID] = &cp
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.holds, h.ID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyHold(h), nil
}

func (m *MemoryStore) GetActiveByRef(_ context.Context, refType, refID string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Hold
	for _, h := range m.holds {
		if h.RefType != refType || h.RefID != refID || h.Status != StatusLocked {
			continue
		}
		if found == nil || h.CreatedAt.Before(found.CreatedAt) {
			found = h
		}
	}
	if found == nil {
		return nil, ErrEscrowNotFound
	}
	return copyHold(found), nil
}

func (m *MemoryStore) Resolve(ctx context.Context, id string, status Status, counterparty string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[id]
	if !ok {
		return ErrEscrowNotFound
	}
	if h.Status != StatusLocked {
		return ErrAlreadyResolved
	}
	prev := copyHold(h)
	h.Status = status
	h.Counterparty = counterparty
	h.ResolvedAt = &at

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.holds[id] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Hold
	for _, h := range m.holds {
		if h.UserID == userID || h.Counterparty == userID {
			result = append(result, copyHold(h))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) SumActive(_ context.Context, currency string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, h := range m.holds {
		if h.Currency == currency && h.Status == StatusLocked {
			total = total.Add(h.Amount)
		}
	}
	return total, nil
}

func copyHold(h *Hold) *Hold {
	cp := *h
	if h.ResolvedAt != nil {
		t := *h.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
