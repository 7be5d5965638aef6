// Package syncutil provides per-key locking for in-process stores.
package syncutil

import (
	"context"
	"sync"
)

const shardCount = 256

// KeyLock is a fixed pool of channel-based mutexes keyed by int64 IDs.
// Keys that hash to the same shard share a lock; memory stays bounded
// regardless of how many keys are seen. Acquisition honors context
// cancellation.
type KeyLock struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewKeyLock creates a ready-to-use KeyLock.
func NewKeyLock() *KeyLock {
	k := &KeyLock{}
	k.init()
	return k
}

func (k *KeyLock) init() {
	k.once.Do(func() {
		for i := range k.shards {
			k.shards[i] = make(chan struct{}, 1)
			k.shards[i] <- struct{}{}
		}
	})
}

// Lock acquires the lock for key. On success it returns the unlock func,
// which the caller must call exactly once.
func (k *KeyLock) Lock(ctx context.Context, key int64) (func(), error) {
	k.init()
	shard := k.shards[shardOf(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shardOf mixes the key (splitmix64 finalizer) so sequential IDs spread out.
func shardOf(key int64) uint64 {
	x := uint64(key)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x % shardCount
}
