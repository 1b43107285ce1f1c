// Package syncutil provides per-key locking for in-process serialization of
// work on one dispute or proposal. The store's conditional updates remain the
// source of truth; these locks only keep concurrent requests on the same key
// from racing each other into those updates.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// shardCount bounds memory regardless of how many keys are seen. Keys that
// hash to the same shard share a lock.
const shardCount = 256

// KeyedMutex is a fixed pool of channel-backed mutexes keyed by string. The
// zero value is ready to use and must not be copied after first use.
type KeyedMutex struct {
	once   sync.Once
	shards [shardCount]chan struct{}
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
		}
	})
}

func (m *KeyedMutex) shard(key string) chan struct{} {
	m.init()
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// Lock acquires the lock for key and returns the function that releases it.
func (m *KeyedMutex) Lock(key string) func() {
	ch := m.shard(key)
	ch <- struct{}{}
	return func() { <-ch }
}

// LockContext is Lock that gives up when ctx is done. On error the lock is
// not held and the returned function is nil.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
