package topology

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssign_EveryShardOneOwner(t *testing.T) {
	servers := []string{"srv-a", "srv-b", "srv-c", "srv-d"}
	got := Assign(servers, 64)
	require.Len(t, got, 64)

	counts := map[string]int{}
	for shard := 0; shard < 64; shard++ {
		owner, ok := got[shard]
		require.True(t, ok, "shard %d unassigned", shard)
		assert.Contains(t, servers, owner)
		counts[owner]++
	}
	for _, srv := range servers {
		assert.Positive(t, counts[srv], "%s owns no shard", srv)
	}
}

func TestAssign_Deterministic(t *testing.T) {
	a := Assign([]string{"srv-a", "srv-b", "srv-c"}, 32)
	b := Assign([]string{"srv-c", "srv-a", "srv-b", "srv-a", ""}, 32)
	assert.Equal(t, a, b, "input order and duplicates must not matter")
}

func TestAssign_MinimalMovementOnJoin(t *testing.T) {
	before := Assign([]string{"srv-a", "srv-b", "srv-c"}, 128)
	after := Assign([]string{"srv-a", "srv-b", "srv-c", "srv-d"}, 128)

	for shard, owner := range after {
		if owner != before[shard] {
			assert.Equal(t, "srv-d", owner, "shard %d moved between existing servers", shard)
		}
	}
}

func TestAssign_MinimalMovementOnLeave(t *testing.T) {
	before := Assign([]string{"srv-a", "srv-b", "srv-c"}, 128)
	after := Assign([]string{"srv-a", "srv-c"}, 128)

	for shard, owner := range before {
		if owner != "srv-b" {
			assert.Equal(t, owner, after[shard], "shard %d moved although its owner stayed", shard)
		}
	}
}

func TestAssign_Empty(t *testing.T) {
	assert.Empty(t, Assign(nil, 8))
	assert.Empty(t, Assign([]string{"srv-a"}, 0))
}

func TestShardsOf(t *testing.T) {
	assignment := map[int]string{0: "a", 1: "b", 2: "a", 3: "b", 4: "a"}
	assert.Equal(t, []int{0, 2, 4}, ShardsOf(assignment, "a"))
	assert.Empty(t, ShardsOf(assignment, "c"))
}

func BenchmarkAssign(b *testing.B) {
	servers := make([]string, 16)
	for i := range servers {
		servers[i] = fmt.Sprintf("srv-%02d", i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Assign(servers, 256)
	}
}
