// Package sharded provides lock-striped concurrent collections keyed by path.
// Workers of a stage touch disjoint keys most of the time, so spreading the keys
// over independently locked shards keeps contention low.
package sharded

import "hash/fnv"

// DefaultShards is a shard count suitable for per-run path collections.
const DefaultShards = 64

// getShardIndex calculates the shard index for a given key.
// It uses the FNV-1a hash algorithm.
// numShards must be a power of 2 for the bitwise AND optimization to work correctly.
func getShardIndex(key string, numShards int) int {
	h := fnv.New32a()
	// Write never returns an error for FNV-1a, so we ignore the return value.
	h.Write([]byte(key))
	hashValue := h.Sum32()
	return int(hashValue & uint32(numShards-1))
}

func isPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}
