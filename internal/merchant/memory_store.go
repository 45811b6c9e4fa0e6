package merchant

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	stats map[string]*Stats
}

// NewMemoryStore creates an in-memory merchant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stats: make(map[string]*Stats)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.stats[userID]
	if !ok {
		return nil, ErrMerchantNotFound
	}
	return copyStats(s), nil
}

func (m *MemoryStore) Upsert(_ context.Context, s *Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[s.UserID] = copyStats(s)
	return nil
}

func (m *MemoryStore) SaveBatch(ctx context.Context, stats []*Stats) error {
	for _, s := range stats {
		if err := m.Upsert(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Stats, error) {
	all, _ := m.All(ctx)
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].CompletedTrades > all[j].CompletedTrades
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) All(_ context.Context) ([]*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Stats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, copyStats(s))
	}
	return out, nil
}

func copyStats(s *Stats) *Stats {
	cp := *s
	cp.Volume = make(map[string]decimal.Decimal, len(s.Volume))
	for k, v := range s.Volume {
		cp.Volume[k] = v
	}
	return &cp
}
