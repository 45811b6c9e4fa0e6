// Package syncutil provides keyed lock pools that serialize work on a
// single entity (a trade, a dispute, a merchant) without unbounded memory.
// Distinct keys may share a shard.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const shardCount = 256

var lockWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "p2pdesk",
	Subsystem: "locks",
	Name:      "wait_seconds",
	Help:      "Time spent waiting for a keyed lock.",
	Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
}, []string{"pool"})

func init() {
	prometheus.MustRegister(lockWait)
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex is a fixed pool of mutexes keyed by string. The zero value
// is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardOf(key)]
	mu.Lock()
	return mu.Unlock
}

// ContextShardedMutex is a keyed lock pool whose waiters give up when their
// context ends.
type ContextShardedMutex struct {
	pool   string
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex creates a pool. name labels its wait-time metric.
func NewContextShardedMutex(name string) *ContextShardedMutex {
	m := &ContextShardedMutex{pool: name}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// LockContext acquires the lock for key. On success the caller must call
// the returned unlock function; on cancellation it returns ctx.Err().
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[shardOf(key)]
	start := time.Now()

	select {
	case ch <- struct{}{}:
		lockWait.WithLabelValues(m.pool).Observe(time.Since(start).Seconds())
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
