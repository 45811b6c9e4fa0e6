package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/money"
	"github.com/mbd888/p2pdesk/internal/txn"
)

// MemoryStore keeps entries in memory for demo/testing.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	nextID  int64
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores a copy of the entry once the surrounding unit commits.
func (m *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	cp := *entry
	txn.AfterCommit(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.nextID++
		cp.ID = m.nextID
		entry.ID = cp.ID
		m.entries = append(m.entries, &cp)
	})
	return nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter, limit int) ([]*Entry, error) {
	var afterID int64
	if f.after != nil {
		id, err := cursorID(f.after)
		if err != nil {
			return nil, ErrInvalidFilter
		}
		afterID = id
	}

	m.mu.RLock()
	var matched []*Entry
	for _, e := range m.entries {
		if f.UserID != "" && e.UserID != f.UserID && e.Counterparty != f.UserID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.CreatedAt.After(f.To) {
			continue
		}
		if f.after != nil {
			older := e.CreatedAt.Before(f.after.CreatedAt) ||
				(e.CreatedAt.Equal(f.after.CreatedAt) && e.ID < afterID)
			if !older {
				continue
			}
		}
		cp := *e
		matched = append(matched, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryStore) SumAmounts(_ context.Context, currency string, action Action) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	currency = money.Code(currency)
	total := decimal.Zero
	for _, e := range m.entries {
		if e.Action == action && e.Currency == currency {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

// Entries returns all stored entries in append order (for testing).
func (m *MemoryStore) Entries() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
