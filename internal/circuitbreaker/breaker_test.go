package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, open)
	b.now = c.now
	return b, c
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	assert.True(t, b.Allow("referral"))
	b.RecordFailure("referral")
	b.RecordFailure("referral")
	assert.True(t, b.Allow("referral"), "below threshold")

	b.RecordFailure("referral")
	assert.False(t, b.Allow("referral"))
	assert.Equal(t, StateOpen, b.State("referral"))
	assert.Equal(t, []string{"referral"}, b.OpenKeys())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, c := newTestBreaker(2, time.Minute)
	b.RecordFailure("k")
	b.RecordFailure("k")
	require.False(t, b.Allow("k"))

	c.advance(time.Minute)
	assert.True(t, b.Allow("k"), "one probe after openDuration")
	assert.Equal(t, StateHalfOpen, b.State("k"))
	assert.False(t, b.Allow("k"), "second call while probing")

	b.RecordSuccess("k")
	assert.Equal(t, StateClosed, b.State("k"))
	assert.Empty(t, b.OpenKeys())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, c := newTestBreaker(2, time.Minute)
	b.RecordFailure("k")
	b.RecordFailure("k")
	c.advance(time.Minute)
	require.True(t, b.Allow("k"))

	b.RecordFailure("k")
	assert.Equal(t, StateOpen, b.State("k"))
	assert.False(t, b.Allow("k"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.RecordFailure("k")
	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	b.RecordFailure("k")
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("a")
	assert.False(t, b.Allow("a"))
	assert.True(t, b.Allow("b"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	outage := errors.New("connection refused")
	notFound := errors.New("no such user")
	expected := func(err error) bool { return errors.Is(err, notFound) }

	// expected errors never trip the circuit
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Execute("k", func() error { return notFound }, expected), notFound)
	}
	assert.Equal(t, StateClosed, b.State("k"))

	calls := 0
	fail := func() error { calls++; return outage }
	assert.ErrorIs(t, b.Execute("k", fail, expected), outage)
	assert.ErrorIs(t, b.Execute("k", fail, expected), outage)
	assert.ErrorIs(t, b.Execute("k", fail, expected), ErrOpen)
	assert.Equal(t, 2, calls, "open circuit must not call fn")
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	got := make(chan [2]State, 1)
	b.OnTransition(func(key string, from, to State) {
		got <- [2]State{from, to}
	})

	b.RecordFailure("k")
	b.RecordFailure("k")

	select {
	case tr := <-got:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, tr)
	case <-time.After(time.Second):
		t.Fatal("transition callback not called")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
