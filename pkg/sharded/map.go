package sharded

import (
	"sync"
)

type mapShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a concurrent map from string keys to values of type V.
type Map[V any] []*mapShard[V]

// NewMap creates a Map with numShards shards. numShards must be a power of two.
func NewMap[V any](numShards int) *Map[V] {
	if !isPowerOfTwo(numShards) {
		panic("num shards must be a power of 2")
	}
	s := make(Map[V], numShards)
	for i := 0; i < numShards; i++ {
		s[i] = &mapShard[V]{items: make(map[string]V)}
	}
	return &s
}

func (s *Map[V]) getShard(key string) *mapShard[V] {
	return (*s)[getShardIndex(key, len(*s))]
}

// Store adds a key-value pair to the map.
func (s *Map[V]) Store(key string, value V) {
	shard := s.getShard(key)
	shard.mu.Lock()
	shard.items[key] = value
	shard.mu.Unlock()
}

// Load retrieves the value associated with a key.
// It returns the value and a boolean indicating if the key was present.
func (s *Map[V]) Load(key string) (value V, ok bool) {
	shard := s.getShard(key)
	shard.mu.RLock()
	value, ok = shard.items[key]
	shard.mu.RUnlock()
	return value, ok
}

// Count returns the total number of elements in the map.
func (s *Map[V]) Count() int {
	count := 0
	for _, shard := range *s {
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}

// Items returns a snapshot of all key-value pairs.
func (s *Map[V]) Items() map[string]V {
	items := make(map[string]V, s.Count())
	for _, shard := range *s {
		shard.mu.RLock()
		for k, v := range shard.items {
			items[k] = v
		}
		shard.mu.RUnlock()
	}
	return items
}
