// Package topology decides which live server owns which shard and keeps
// that ownership fenced with epoch-numbered leases.
package topology

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// Assign maps every shard in [0, shardCount) to exactly one of servers
// using rendezvous hashing. The result depends only on the set of server
// ids, so every server computes the same assignment, and adding or removing
// one server moves only the shards it gains or loses.
//
// An empty server list yields an empty map.
func Assign(servers []string, shardCount int) map[int]string {
	out := make(map[int]string, shardCount)
	ids := uniqueSorted(servers)
	if len(ids) == 0 || shardCount < 1 {
		return out
	}
	r := rendezvous.New(ids, xxhash.Sum64String)
	for shard := 0; shard < shardCount; shard++ {
		out[shard] = r.Lookup(shardKey(shard))
	}
	return out
}

// ShardsOf returns the shards assigned to server, ascending.
func ShardsOf(assignment map[int]string, server string) []int {
	var shards []int
	for shard, owner := range assignment {
		if owner == server {
			shards = append(shards, shard)
		}
	}
	sort.Ints(shards)
	return shards
}

func shardKey(shard int) string {
	return "shard/" + strconv.Itoa(shard)
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
