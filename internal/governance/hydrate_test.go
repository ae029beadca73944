package governance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/cult-world/internal/agents"
	"github.com/talgya/cult-world/internal/social"
)

func populated(t *testing.T, seed int64) *harness {
	h := newHarness(t, seed)
	for id := agents.AgentID(1); id <= 6; id++ {
		h.join(id, social.FactionID(id%2+1))
	}
	acceptBribe(t, h, 3, 1, 5)
	for c := uint64(0); c <= 90; c++ {
		h.eng.ProcessElectionCycle(1, c, "40")
		h.eng.ProcessElectionCycle(2, c, "60")
	}
	return h
}

func TestHydrateRoundTrip(t *testing.T) {
	orig := populated(t, 77)
	snap := orig.eng.Snapshot()

	restored := newHarness(t, 77)
	rep := restored.eng.Hydrate(snap)
	assert.Zero(t, rep.Repairs)
	assert.Equal(t, len(snap.Memberships), rep.Memberships)
	assert.Equal(t, 1, rep.PendingSwitches)
	assert.Equal(t, snap, restored.eng.Snapshot())
	assert.Zero(t, restored.repl.total())

	for _, f := range []social.FactionID{1, 2} {
		a, okA := orig.eng.Leadership(f)
		b, okB := restored.eng.Leadership(f)
		assert.Equal(t, okA, okB)
		assert.Equal(t, a, b)

		na, _ := orig.eng.NextElection(f)
		nb, _ := restored.eng.NextElection(f)
		assert.Equal(t, na, nb)
	}
	assert.Equal(t, orig.eng.PendingAgents(), restored.eng.PendingAgents())

	// Both engines continue identically.
	for c := uint64(91); c <= 200; c++ {
		for _, f := range []social.FactionID{1, 2} {
			assert.Equal(t,
				orig.eng.ProcessElectionCycle(f, c, "40"),
				restored.eng.ProcessElectionCycle(f, c, "40"))
		}
	}
	a := orig.eng.EnsureMembership(JoinRequest{AgentID: 50, FactionID: 1})
	b := restored.eng.EnsureMembership(JoinRequest{AgentID: 50, FactionID: 1})
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, orig.eng.Snapshot(), restored.eng.Snapshot())
}

func TestHydrateRepairsDuplicateActive(t *testing.T) {
	h := newHarness(t, 1)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{Memberships: []Membership{
		{ID: 4, AgentID: 9, FactionID: 2, Role: RoleMember, Active: true, JoinedAt: t0.Add(time.Hour), JoinReason: ReasonManual},
		{ID: 2, AgentID: 9, FactionID: 1, Role: RoleMember, Active: true, JoinedAt: t0, JoinReason: ReasonBackfill},
	}}

	rep := h.eng.Hydrate(snap)
	assert.Equal(t, 1, rep.Repairs)

	f, ok := h.eng.FactionOf(9)
	require.True(t, ok)
	assert.Equal(t, social.FactionID(2), f)
	requireSingleActive(t, h.eng)

	history := h.eng.MembershipHistory(9)
	require.Len(t, history, 2)
	assert.False(t, history[0].Active)
	assert.Equal(t, ReasonRepair, history[0].LeaveReason)
	assert.Equal(t, 1, h.repl.count(WriteMembershipUpdate))

	next := h.join(10, 1)
	assert.Equal(t, int64(5), next.ID)
}

func TestHydrateRebuildsOpenElectionAndPending(t *testing.T) {
	h := newHarness(t, 1)
	winner := agents.AgentID(3)
	closedAt := uint64(20)
	accepted := h.clock.Now()
	snap := Snapshot{
		Memberships: []Membership{
			{ID: 1, AgentID: 3, FactionID: 5, Role: RoleLeader, Active: true, JoinedAt: accepted},
			{ID: 2, AgentID: 4, FactionID: 5, Role: RoleMember, Active: true, JoinedAt: accepted},
		},
		Offers: []BribeOffer{
			{ID: 8, ToAgentID: 4, TargetFactionID: 6, Amount: "10", Status: BribeAccepted, AcceptedAt: &accepted},
			{ID: 3, ToAgentID: 4, TargetFactionID: 6, Amount: "1", Status: BribeAccepted, AcceptedAt: &accepted},
			{ID: 5, ToAgentID: 3, TargetFactionID: 6, Amount: "1", Status: BribeRejected},
		},
		Elections: []LeadershipElection{
			{ID: 1, FactionID: 5, RoundIndex: 1, OpenedAt: 16, ClosesAt: 20, ClosedAt: &closedAt, Status: ElectionClosed, WinnerAgentID: &winner},
			{ID: 2, FactionID: 5, RoundIndex: 2, OpenedAt: 50, ClosesAt: 54, Status: ElectionOpen},
			{ID: 3, FactionID: 5, RoundIndex: 3, OpenedAt: 52, ClosesAt: 56, Status: ElectionOpen},
		},
		Cursors: []Cursor{{FactionID: 5, LastProcessedCycle: ptr(uint64(52))}},
	}

	rep := h.eng.Hydrate(snap)
	assert.Equal(t, 2, rep.Repairs)
	assert.Equal(t, 1, rep.OpenElections)

	open, ok := h.eng.OpenElection(5)
	require.True(t, ok)
	assert.Equal(t, int64(3), open.ID)
	stale, _ := h.eng.Election(2)
	assert.Equal(t, ElectionCancelled, stale.Status)

	state, ok := h.eng.Leadership(5)
	require.True(t, ok)
	assert.Equal(t, winner, state.LeaderAgentID)
	assert.Equal(t, closedAt, state.UpdatedAtCycle)

	ps, ok := h.eng.PendingSwitch(4)
	require.True(t, ok)
	assert.Equal(t, int64(8), ps.OfferID)
	assert.InDelta(t, 1.0, ps.NormalizedAmount, 1e-12)
	old, _ := h.eng.Offer(3)
	assert.Equal(t, BribeExpired, old.Status)

	// The cursor still guards processed cycles, and the open round closes on time.
	assert.True(t, h.eng.ProcessElectionCycle(5, 52, "1").Ignored)
	out := h.eng.ProcessElectionCycle(5, 56, "1")
	require.NotNil(t, out.Closed)
	assert.Equal(t, int64(3), *out.Closed)

	o := h.eng.ProposeBribe(BribeRequest{FromAgentID: 1, ToAgentID: 2, TargetFactionID: 5, Cycle: 57})
	assert.Equal(t, int64(9), o.ID)
}

func ptr[T any](v T) *T { return &v }
