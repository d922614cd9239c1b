package syncutil

import (
	"hash/fnv"
	"sort"
	"sync"
)

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Unlike sync.Map-based per-key locks, this uses bounded memory regardless
// of how many keys are seen, at the cost of occasional false sharing between
// keys that hash to the same shard.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

// LockMany acquires the mutexes for all keys in shard order and returns a
// single unlock function. Acquiring in a global order means two callers
// locking overlapping key sets can never deadlock each other. Duplicate
// shards are locked once.
func (s *ShardedMutex) LockMany(keys ...string) func() {
	indices := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, key := range keys {
		idx := s.shardIndex(key)
		if !seen[idx] {
			seen[idx] = true
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)

	for _, idx := range indices {
		s.shards[idx].Lock()
	}
	return func() {
		for i := len(indices) - 1; i >= 0; i-- {
			s.shards[indices[i]].Unlock()
		}
	}
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	return &s.shards[s.shardIndex(key)]
}

func (s *ShardedMutex) shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % 256)
}
