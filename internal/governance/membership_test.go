package governance

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/cult-world/internal/agents"
	"github.com/talgya/cult-world/internal/entropy"
	"github.com/talgya/cult-world/internal/social"
)

func TestEnsureMembershipIdempotent(t *testing.T) {
	h := newHarness(t, 1)

	first := h.join(4, 2)
	second := h.join(4, 2)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.repl.count(WriteMembershipInsert))
	assert.Equal(t, 0, h.repl.count(WriteMembershipUpdate))
	assert.Len(t, h.eng.MembershipHistory(4), 1)
	requireSingleActive(t, h.eng)
}

func TestEnsureMembershipDeactivatesPrevious(t *testing.T) {
	h := newHarness(t, 1)

	old := h.join(4, 1)
	h.clock.Advance(time.Minute)
	cur := h.eng.EnsureMembership(JoinRequest{AgentID: 4, FactionID: 2, Reason: ReasonBackfill})

	history := h.eng.MembershipHistory(4)
	require.Len(t, history, 2)
	assert.Equal(t, old.ID, history[0].ID)
	assert.False(t, history[0].Active)
	require.NotNil(t, history[0].LeftAt)
	assert.Equal(t, h.clock.Now(), *history[0].LeftAt)
	assert.Equal(t, ReasonManual, history[0].JoinReason)
	assert.Equal(t, ReasonReplaced, history[0].LeaveReason)

	assert.Equal(t, cur, history[1])
	assert.True(t, cur.Active)
	assert.Equal(t, RoleMember, cur.Role)
	assert.Equal(t, ReasonBackfill, cur.JoinReason)

	kinds := make([]WriteKind, 0, len(h.repl.writes))
	for _, w := range h.repl.writes {
		kinds = append(kinds, w.Kind)
	}
	assert.Equal(t, []WriteKind{WriteMembershipInsert, WriteMembershipUpdate, WriteMembershipInsert}, kinds)
	requireSingleActive(t, h.eng)
}

func TestRemoveMembership(t *testing.T) {
	h := newHarness(t, 1)
	h.join(4, 1)

	assert.False(t, h.eng.RemoveMembership(4, 2, "speculative"))
	assert.False(t, h.eng.RemoveMembership(5, 1, "never joined"))
	f, ok := h.eng.FactionOf(4)
	require.True(t, ok)
	assert.Equal(t, social.FactionID(1), f)

	assert.True(t, h.eng.RemoveMembership(4, 1, "exiled"))
	_, ok = h.eng.FactionOf(4)
	assert.False(t, ok)
	assert.Empty(t, h.eng.Members(1))

	history := h.eng.MembershipHistory(4)
	require.Len(t, history, 1)
	assert.Equal(t, "exiled", history[0].LeaveReason)
}

func TestMembersOldestFirst(t *testing.T) {
	h := newHarness(t, 1)
	for _, id := range []agents.AgentID{30, 10, 20} {
		h.join(id, 1)
		h.clock.Advance(time.Second)
	}
	// Same instant: record id decides.
	h.join(5, 1)
	h.join(2, 1)

	var order []agents.AgentID
	for _, m := range h.eng.Members(1) {
		order = append(order, m.AgentID)
	}
	assert.Equal(t, []agents.AgentID{30, 10, 20, 5, 2}, order)
	assert.Equal(t, map[social.FactionID]int{1: 5}, h.eng.FactionSizes())
}

func TestAtMostOneActiveAfterEveryOperation(t *testing.T) {
	h := newHarness(t, 99)
	src := entropy.New(5)

	for i := uint64(0); i < 400; i++ {
		k := entropy.NewKey("test.op", i)
		agent := agents.AgentID(src.Int(1, 8, k.With("agent")))
		faction := social.FactionID(src.Int(1, 3, k.With("faction")))

		switch src.Int(0, 3, k.With("op")) {
		case 0:
			h.join(agent, faction)
		case 1:
			h.eng.RemoveMembership(agent, faction, "test")
		case 2:
			h.eng.ProposeBribe(BribeRequest{
				FromAgentID: agent + 10, ToAgentID: agent, TargetFactionID: faction,
				Amount: 10, Cycle: i, Diplomacy: 1, TrustToBriber: 1,
			})
		case 3:
			cur, _ := h.eng.FactionOf(agent)
			h.eng.MaybeSwitchAfterBribe(SwitchRequest{
				AgentID: agent, CurrentFactionID: cur, Cycle: i, TargetGroupStrength: 1,
			})
		}
		h.eng.ProcessElectionCycle(faction, i, "50")
		requireSingleActive(t, h.eng)
	}
}

func TestConcurrentJoinsKeepSingleActive(t *testing.T) {
	h := newHarness(t, 3)
	h.eng.sink = nil

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				agent := agents.AgentID(i % 10)
				faction := social.FactionID((g+i)%3 + 1)
				h.eng.EnsureMembership(JoinRequest{AgentID: agent, FactionID: faction, Reason: fmt.Sprintf("worker %d", g)})
			}
		}(g)
	}
	wg.Wait()

	requireSingleActive(t, h.eng)
	total := 0
	for _, n := range h.eng.FactionSizes() {
		total += n
	}
	assert.Equal(t, 10, total)
}
