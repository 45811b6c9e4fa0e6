package txn

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRunner_CommitRunsAfterHooks(t *testing.T) {
	r := NewMemoryRunner()
	var log []string

	err := r.Run(context.Background(), func(ctx context.Context) error {
		assert.True(t, Active(ctx))
		OnRollback(ctx, func() { log = append(log, "undo") })
		AfterCommit(ctx, func() { log = append(log, "after-1") })
		AfterCommit(ctx, func() { log = append(log, "after-2") })
		log = append(log, "body")
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"body", "after-1", "after-2"}, log)
}

func TestMemoryRunner_RollbackReverseOrder(t *testing.T) {
	r := NewMemoryRunner()
	var log []string
	boom := errors.New("boom")

	err := r.Run(context.Background(), func(ctx context.Context) error {
		OnRollback(ctx, func() { log = append(log, "undo-1") })
		OnRollback(ctx, func() { log = append(log, "undo-2") })
		AfterCommit(ctx, func() { log = append(log, "after") })
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"undo-2", "undo-1"}, log)
}

func TestMemoryRunner_NestedJoinsOuter(t *testing.T) {
	r := NewMemoryRunner()
	undone := false

	err := r.Run(context.Background(), func(ctx context.Context) error {
		inner := r.Run(ctx, func(ctx context.Context) error {
			OnRollback(ctx, func() { undone = true })
			return nil
		})
		require.NoError(t, inner)
		return errors.New("outer fails")
	})

	require.Error(t, err)
	assert.True(t, undone, "inner compensation should run when the outer unit aborts")
}

func TestMemoryRunner_PanicRollsBack(t *testing.T) {
	r := NewMemoryRunner()
	undone := false

	assert.Panics(t, func() {
		_ = r.Run(context.Background(), func(ctx context.Context) error {
			OnRollback(ctx, func() { undone = true })
			panic("kaboom")
		})
	})
	assert.True(t, undone)

	// Runner must still be usable after a panic.
	require.NoError(t, r.Run(context.Background(), func(context.Context) error { return nil }))
}

func TestMemoryRunner_Serializes(t *testing.T) {
	r := NewMemoryRunner()
	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Run(context.Background(), func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestDetach_EscapesUnit(t *testing.T) {
	r := NewMemoryRunner()
	type key struct{}
	var log []string

	err := r.Run(context.WithValue(context.Background(), key{}, "v"), func(ctx context.Context) error {
		detached := Detach(ctx)
		assert.False(t, Active(detached))
		assert.Equal(t, "v", detached.Value(key{}))

		AfterCommit(detached, func() { log = append(log, "detached") })
		OnRollback(detached, func() { t.Fatal("detached writes are not compensated") })
		AfterCommit(ctx, func() { log = append(log, "unit") })
		return errors.New("abort")
	})

	require.Error(t, err)
	assert.Equal(t, []string{"detached"}, log)
	assert.Equal(t, context.Background(), Detach(context.Background()))
}

func TestOutsideUnit(t *testing.T) {
	ctx := context.Background()
	assert.False(t, Active(ctx))

	ran := false
	AfterCommit(ctx, func() { ran = true })
	assert.True(t, ran, "AfterCommit outside a unit runs immediately")

	OnRollback(ctx, func() { t.Fatal("should never run") })
	assert.Nil(t, DB(ctx, nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&pq.Error{Code: "40001"}))
	assert.True(t, isRetryable(&pq.Error{Code: "40P01"}))
	assert.False(t, isRetryable(&pq.Error{Code: "23505"}))
	assert.False(t, isRetryable(errors.New("plain")))
}
