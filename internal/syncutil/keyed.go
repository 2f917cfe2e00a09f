// Package syncutil provides bounded pools of per-key locks.
//
// Keys are hashed onto a fixed number of shards, so memory stays bounded no
// matter how many documents, payments or actors are seen. Two keys may share
// a shard; that only costs throughput, never correctness, as long as callers
// do not nest locks from the same pool.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex serializes work per key. The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for key and returns the matching unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// ContextShardedMutex is a ShardedMutex whose waiters can give up when their
// context ends. Use NewContextShardedMutex.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextShardedMutex creates a context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext acquires the lock for key or returns ctx.Err() if the context
// ends first. On success the caller must call the returned unlock function.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[shardIndex(key)]

	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
