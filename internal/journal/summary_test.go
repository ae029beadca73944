package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/cult-world/internal/governance"
)

func TestSummarize(t *testing.T) {
	events := []governance.Event{
		{Cycle: 1, Category: governance.CategoryMembership, Meta: map[string]any{"agent_id": float64(1), "faction_id": float64(2), "role": "member"}},
		{Cycle: 1, Category: governance.CategoryMembership, Meta: map[string]any{"agent_id": float64(3), "faction_id": float64(1), "role": "member"}},
		{Cycle: 9, Category: governance.CategoryBribe, Meta: map[string]any{"offer_id": float64(1), "from": float64(3), "faction_id": float64(1)}},
		{Cycle: 9, Category: governance.CategoryBribe, Meta: map[string]any{"offer_id": float64(1), "status": "executed"}},
		{Cycle: 12, Category: governance.CategoryMembership, Meta: map[string]any{"agent_id": float64(1), "faction_id": float64(2), "reason": "x"}},
		{Cycle: 30, Category: governance.CategoryElection, Meta: map[string]any{"faction_id": uint64(1), "winner": uint64(3)}},
		{Cycle: 30, Category: governance.CategoryPayout, Meta: map[string]any{"faction_id": uint64(1), "agent_id": uint64(3)}},
	}

	s := Summarize(events, Filter{})
	assert.Equal(t, 7, s.Events)
	assert.Equal(t, uint64(1), s.FirstCycle)
	assert.Equal(t, uint64(30), s.LastCycle)
	assert.Equal(t, 3, s.ByCategory[governance.CategoryMembership])
	require.Len(t, s.Factions, 2)

	f1 := s.Factions[0]
	assert.Equal(t, uint64(1), f1.FactionID)
	assert.Equal(t, 1, f1.Joins)
	assert.Equal(t, 1, f1.Bribes)
	assert.Equal(t, 1, f1.Elections)
	assert.Equal(t, []uint64{3}, f1.Leaders)
	assert.Equal(t, 1, f1.Payouts)

	f2 := s.Factions[1]
	assert.Equal(t, 1, f2.Joins)
	assert.Equal(t, 1, f2.Leaves)
}

func TestFilter(t *testing.T) {
	ev := governance.Event{Cycle: 10, Category: governance.CategoryElection, Meta: map[string]any{"faction_id": float64(4)}}

	assert.True(t, Filter{}.Match(ev))
	assert.True(t, Filter{Category: governance.CategoryElection, FactionID: 4, FromCycle: 10, ToCycle: 10}.Match(ev))
	assert.False(t, Filter{Category: governance.CategoryBribe}.Match(ev))
	assert.False(t, Filter{FactionID: 5}.Match(ev))
	assert.False(t, Filter{FromCycle: 11}.Match(ev))
	assert.False(t, Filter{ToCycle: 9}.Match(ev))
	assert.False(t, Filter{FactionID: 4}.Match(governance.Event{Cycle: 10}))
}
