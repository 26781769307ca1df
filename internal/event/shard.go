package event

import "hash/fnv"

// ShardFor maps a shard key onto [0, shardCount). FNV-1a keeps the mapping
// stable across processes and releases.
func ShardFor(key string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shardCount))
}
