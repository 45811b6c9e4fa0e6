package referral

import (
	"context"
	"sync"
)

type record struct {
	referrer string
	tier     Tier
}

// MemoryStore keeps referral relationships in memory for demo/testing.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*record
}

// NewMemoryStore creates an in-memory referral store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*record)}
}

func (m *MemoryStore) GetReferrer(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.users[userID]
	if !ok {
		return "", ErrUserNotFound
	}
	return r.referrer, nil
}

func (m *MemoryStore) GetTier(_ context.Context, userID string) (Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.users[userID]
	if !ok {
		return "", ErrUserNotFound
	}
	return r.tier, nil
}

func (m *MemoryStore) SetReferrer(_ context.Context, userID, referrerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.ensure(userID)
	if r.referrer != "" {
		return ErrAlreadyReferred
	}
	r.referrer = referrerID
	m.ensure(referrerID)
	return nil
}

func (m *MemoryStore) SetTier(_ context.Context, userID string, tier Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensure(userID).tier = tier
	return nil
}

// ensure returns the user's record, creating a standard one. Caller must hold m.mu.
func (m *MemoryStore) ensure(userID string) *record {
	r, ok := m.users[userID]
	if !ok {
		r = &record{tier: TierStandard}
		m.users[userID] = r
	}
	return r
}
