package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outpost/internal/event"
)

// chain builds n events, each caused by the previous one.
func chain(n int) []event.Event {
	evs := make([]event.Event, n)
	for i := range evs {
		evs[i] = event.Event{ID: fmt.Sprintf("evt-%d", i), Topic: "x.created", Action: "create"}
		if i > 0 {
			evs[i].Origin = event.NewOrigin("EmitEvent", &evs[i-1])
		}
	}
	return evs
}

func TestCascadeGuard_Check(t *testing.T) {
	evs := chain(5)
	g := NewCascadeGuard(3)
	assert.Equal(t, 3, g.MaxDepth())

	for i := 0; i < 3; i++ {
		assert.NoError(t, g.Check(evs[i], nil), "depth %d", i)
	}
	err := g.Check(evs[3], nil)
	require.Error(t, err)
	assert.True(t, IsCascadeLimitError(err))

	var ce *CascadeLimitError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Depth)
	assert.Equal(t, 3, ce.Limit)
	assert.Equal(t, "evt-3", ce.EventID)
}

func TestCascadeGuard_LineageCounts(t *testing.T) {
	g := NewCascadeGuard(2)
	ev := event.Event{ID: "evt-x", Topic: "a.b"}
	assert.NoError(t, g.Check(ev, chain(1)))
	assert.Error(t, g.Check(ev, chain(2)), "a loaded lineage deeper than the origin chain counts")
}

func TestCascadeGuard_Disabled(t *testing.T) {
	evs := chain(20)
	assert.NoError(t, NewCascadeGuard(0).Check(evs[19], nil))
	assert.NoError(t, NewCascadeGuard(-1).Check(evs[19], nil))
}
