package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", Func(func(context.Context) error { return nil }))
	r.Register("referral", Func(func(context.Context) error { return errors.New("connection refused") }))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, Status{Name: "database", Healthy: true}, statuses[0])
	assert.Equal(t, "referral", statuses[1].Name)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		time.Sleep(time.Second)
		return Status{Healthy: true}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "timed out", statuses[0].Detail)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

func TestPing(t *testing.T) {
	ctx := context.Background()
	assert.True(t, Ping(pinger{})(ctx).Healthy)

	s := Ping(pinger{err: errors.New("no route")})(ctx)
	assert.False(t, s.Healthy)
	assert.Equal(t, "no route", s.Detail)
}

func TestFresh(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	never := func() time.Time { return time.Time{} }
	assert.True(t, Fresh(never, now, time.Minute)(ctx).Healthy, "grace period after start")
	assert.False(t, Fresh(never, now.Add(-2*time.Minute), time.Minute)(ctx).Healthy)

	recent := func() time.Time { return now.Add(-10 * time.Second) }
	assert.True(t, Fresh(recent, now.Add(-time.Hour), time.Minute)(ctx).Healthy)

	stale := func() time.Time { return now.Add(-5 * time.Minute) }
	s := Fresh(stale, now.Add(-time.Hour), time.Minute)(ctx)
	assert.False(t, s.Healthy)
	assert.Contains(t, s.Detail, "last run")
}

func TestCircuits(t *testing.T) {
	ctx := context.Background()
	assert.True(t, Circuits(func() []string { return nil })(ctx).Healthy)

	s := Circuits(func() []string { return []string{"referral_lookup"} })(ctx)
	assert.False(t, s.Healthy)
	assert.Equal(t, "open: referral_lookup", s.Detail)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", Func(func(context.Context) error { return nil }))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Len(t, statuses, 10)
}
