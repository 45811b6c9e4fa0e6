package fees

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/txn"
)

type revenueKey struct {
	bucket   Bucket
	currency string
}

// MemoryStore keeps fee records in memory for demo/testing. Writes inside a
// settlement unit are undone if the unit aborts.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions []*Transaction
	commissions  []*Commission
	revenue      map[revenueKey]*Revenue
	jobs         map[string]*Job
}

// NewMemoryStore creates an in-memory fee store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		revenue: make(map[revenueKey]*Revenue),
		jobs:    make(map[string]*Job),
	}
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *tx
	m.transactions = append(m.transactions, &cp)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.transactions = removeByID(m.transactions, tx.ID, func(t *Transaction) string { return t.ID })
	})
	return nil
}

func (m *MemoryStore) CreateCommission(ctx context.Context, c *Commission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.commissions = append(m.commissions, &cp)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.commissions = removeByID(m.commissions, c.ID, func(c *Commission) string { return c.ID })
	})
	return nil
}

func (m *MemoryStore) AddRevenue(ctx context.Context, bucket Bucket, currency string, gross, net, referral decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := revenueKey{bucket, currency}
	r, ok := m.revenue[key]
	if !ok {
		r = &Revenue{Bucket: bucket, Currency: currency}
		m.revenue[key] = r
	}
	r.Gross = r.Gross.Add(gross)
	r.Net = r.Net.Add(net)
	r.Referral = r.Referral.Add(referral)
	r.Count++

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		r.Gross = r.Gross.Sub(gross)
		r.Net = r.Net.Sub(net)
		r.Referral = r.Referral.Sub(referral)
		r.Count--
	})
	return nil
}

func (m *MemoryStore) HasTransaction(_ context.Context, relatedTxID string, kind Kind) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.transactions {
		if t.RelatedTxID == relatedTxID && t.Kind == kind {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for i := len(m.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if t := m.transactions[i]; t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListCommissions(_ context.Context, referrerID string, limit int) ([]*Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Commission
	for i := len(m.commissions) - 1; i >= 0 && len(out) < limit; i-- {
		if c := m.commissions[i]; c.ReferrerID == referrerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListRevenue(_ context.Context) ([]*Revenue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Revenue, 0, len(m.revenue))
	for _, r := range m.revenue {
		if r.Count == 0 {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bucket == out[j].Bucket {
			return out[i].Currency < out[j].Currency
		}
		return out[i].Bucket < out[j].Bucket
	})
	return out, nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *job
	m.jobs[job.ID] = &cp
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.jobs, job.ID)
	})
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) ListDueJobs(_ context.Context, now time.Time, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Job
	for _, j := range m.jobs {
		if j.Status == JobPending && !j.NextAttemptAt.After(now) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, status JobStatus, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Job
	for _, j := range m.jobs {
		if status == "" || j.Status == status {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func removeByID[T any](items []T, id string, idOf func(T) string) []T {
	for i := len(items) - 1; i >= 0; i-- {
		if idOf(items[i]) == id {
			return append(items[:i], items[i+1:]...)
		}
	}
	return items
}
