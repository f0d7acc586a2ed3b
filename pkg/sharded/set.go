package sharded

import (
	"sync"
)

type setShard struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

// Set is a concurrent set of strings.
type Set []*setShard

// NewSet creates a Set with numShards shards. numShards must be a power of two.
func NewSet(numShards int) *Set {
	if !isPowerOfTwo(numShards) {
		panic("num shards must be a power of 2")
	}
	s := make(Set, numShards)
	for i := 0; i < numShards; i++ {
		s[i] = &setShard{items: make(map[string]struct{})}
	}
	return &s
}

func (s *Set) getShard(key string) *setShard {
	return (*s)[getShardIndex(key, len(*s))]
}

// Store adds key to the set.
func (s *Set) Store(key string) {
	shard := s.getShard(key)
	shard.mu.Lock()
	shard.items[key] = struct{}{}
	shard.mu.Unlock()
}

// Has checks only for the presence of a key.
func (s *Set) Has(key string) bool {
	shard := s.getShard(key)
	shard.mu.RLock()
	_, exists := shard.items[key]
	shard.mu.RUnlock()
	return exists
}

// LoadOrStore ensures a key is present in the set, returning true if it was already present.
// It returns false if the key was newly stored. This is an atomic operation.
func (s *Set) LoadOrStore(key string) (loaded bool) {
	shard := s.getShard(key)
	shard.mu.Lock()
	_, loaded = shard.items[key]
	if !loaded {
		shard.items[key] = struct{}{}
	}
	shard.mu.Unlock()
	return loaded
}

// Count returns the total number of elements in the set.
func (s *Set) Count() int {
	count := 0
	for _, shard := range *s {
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}
