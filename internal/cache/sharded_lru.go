package cache

import (
	"hash/fnv"
	"time"
)

const defaultShardCount = 16

// Cache is the interface the ingest path consumes; LRU and ShardedLRU both
// satisfy it.
type Cache[V any] interface {
	Get(key string) (V, bool)
	Put(key string, value V)
	Len() int
	Stats() (hits, misses int64)
}

var _ Cache[bool] = (*LRU[bool])(nil)
var _ Cache[bool] = (*ShardedLRU[bool])(nil)

// ShardedLRU spreads keys across independent LRU shards (FNV-32a on the
// key) so concurrent readers do not contend on one lock.
type ShardedLRU[V any] struct {
	shards []*LRU[V]
}

// NewShardedLRU builds a ShardedLRU with defaultShardCount shards;
// totalCapacity is split evenly across them.
func NewShardedLRU[V any](totalCapacity int, ttl time.Duration) *ShardedLRU[V] {
	return NewShardedLRUWithCount[V](totalCapacity, ttl, defaultShardCount)
}

func NewShardedLRUWithCount[V any](totalCapacity int, ttl time.Duration, shardCount int) *ShardedLRU[V] {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	perShard := totalCapacity / shardCount
	if perShard < 1 {
		perShard = 1
	}

	shards := make([]*LRU[V], shardCount)
	for i := range shards {
		shards[i] = NewLRU[V](perShard, ttl)
	}
	return &ShardedLRU[V]{shards: shards}
}

func (s *ShardedLRU[V]) shard(key string) *LRU[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[int(h.Sum32())%len(s.shards)]
}

func (s *ShardedLRU[V]) Get(key string) (V, bool) {
	return s.shard(key).Get(key)
}

func (s *ShardedLRU[V]) Put(key string, value V) {
	s.shard(key).Put(key, value)
}

func (s *ShardedLRU[V]) Len() int {
	total := 0
	for _, sh := range s.shards {
		total += sh.Len()
	}
	return total
}

func (s *ShardedLRU[V]) Stats() (hits, misses int64) {
	for _, sh := range s.shards {
		h, m := sh.Stats()
		hits += h
		misses += m
	}
	return
}
