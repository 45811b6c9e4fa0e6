package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedMutex_MutualExclusion(t *testing.T) {
	var m ShardedMutex
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("dsp_1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestContextShardedMutex_MutualExclusion(t *testing.T) {
	m := NewContextShardedMutex("test")
	ctx := context.Background()
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "trd_1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestContextShardedMutex_ContextCancelled(t *testing.T) {
	m := NewContextShardedMutex("test")

	unlock, err := m.LockContext(context.Background(), "trd_1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.LockContext(ctx, "trd_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContextShardedMutex_UnlockHandsOver(t *testing.T) {
	m := NewContextShardedMutex("test")
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "trd_1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "trd_1")
		if err == nil {
			u()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second waiter acquired a held lock")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not released after unlock")
	}
}

func TestShardOf_Stable(t *testing.T) {
	assert.Equal(t, shardOf("trd_abc"), shardOf("trd_abc"))
	assert.Less(t, shardOf("anything"), uint32(shardCount))
}
