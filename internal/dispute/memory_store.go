package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/p2pdesk/internal/txn"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.disputes[d.ID] = &cp
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.disputes, d.ID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetOpenByTrade(_ context.Context, tradeID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.TradeID == tradeID && d.Status == StatusOpen {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) Resolve(ctx context.Context, id string, outcome Outcome, by, note string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.Status != StatusOpen {
		return ErrAlreadyResolved
	}
	prev := *d
	resolvedAt := at
	d.Status = StatusResolved
	d.Outcome = outcome
	d.ResolvedBy = by
	d.ResolutionNote = note
	d.ResolvedAt = &resolvedAt
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.disputes[id] = &prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Dispute, error) {
	return m.filter(func(d *Dispute) bool { return status == "" || d.Status == status }, limit), nil
}

func (m *MemoryStore) ListByTrade(_ context.Context, tradeID string) ([]*Dispute, error) {
	return m.filter(func(d *Dispute) bool { return d.TradeID == tradeID }, 0), nil
}

func (m *MemoryStore) filter(keep func(*Dispute) bool, limit int) []*Dispute {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if keep(d) {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
