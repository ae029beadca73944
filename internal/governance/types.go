// Package governance tracks which agent belongs to which cult, resolves bribes
// into delayed faction switches, and runs periodic leadership elections.
// All probabilistic decisions draw from a keyed entropy.Source.
package governance

import (
	"fmt"
	"time"

	"github.com/talgya/cult-world/internal/agents"
	"github.com/talgya/cult-world/internal/social"
)

// Role is a member's position within a faction.
type Role string

const (
	RoleMember Role = "member"
	RoleLeader Role = "leader"
)

// Join and leave reasons recorded on membership rows.
const (
	ReasonManual      = "manual"
	ReasonBribeSwitch = "accepted bribe, probabilistic switch"
	ReasonBackfill    = "backfill"
	ReasonSelfCreated = "self-created"
	ReasonElection    = "election"
	ReasonReplaced    = "replaced by new membership"
	ReasonRoleChange  = "role change"
	ReasonRepair      = "hydrate repair"
)

// Membership is one append-only membership record. At most one record per
// agent is active at any time.
type Membership struct {
	ID            int64            `json:"id"`
	AgentID       agents.AgentID   `json:"agent_id"`
	FactionID     social.FactionID `json:"faction_id"`
	Role          Role             `json:"role"`
	Active        bool             `json:"active"`
	JoinedAt      time.Time        `json:"joined_at"`
	LeftAt        *time.Time       `json:"left_at,omitempty"`
	JoinReason    string           `json:"join_reason"`
	LeaveReason   string           `json:"leave_reason,omitempty"`
	SourceBribeID *int64           `json:"source_bribe_id,omitempty"`
}

// BribeStatus is the lifecycle state of a bribe offer.
type BribeStatus string

const (
	BribePending  BribeStatus = "pending"
	BribeAccepted BribeStatus = "accepted"
	BribeRejected BribeStatus = "rejected"
	BribeExpired  BribeStatus = "expired"
	BribeExecuted BribeStatus = "executed"
)

// Terminal reports whether no further transition is possible.
func (s BribeStatus) Terminal() bool {
	return s == BribeRejected || s == BribeExpired || s == BribeExecuted
}

// BribeOffer is a payment from one agent to another to defect to a faction.
type BribeOffer struct {
	ID                    int64            `json:"id"`
	FromAgentID           agents.AgentID   `json:"from_agent_id"`
	ToAgentID             agents.AgentID   `json:"to_agent_id"`
	TargetFactionID       social.FactionID `json:"target_faction_id"`
	Purpose               string           `json:"purpose"`
	Amount                string           `json:"amount"` // decimal string
	Status                BribeStatus      `json:"status"`
	AcceptanceProbability float64          `json:"acceptance_probability"`
	Cycle                 uint64           `json:"cycle"`
	AcceptedAt            *time.Time       `json:"accepted_at,omitempty"`
	ExpiresAt             *time.Time       `json:"expires_at,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
}

// ElectionStatus is the lifecycle state of a leadership election.
type ElectionStatus string

const (
	ElectionOpen      ElectionStatus = "open"
	ElectionClosed    ElectionStatus = "closed"
	ElectionCancelled ElectionStatus = "cancelled"
)

// LeadershipElection is one voting round in a faction. OpenedAt, ClosesAt and
// ClosedAt are cycle numbers.
type LeadershipElection struct {
	ID            int64            `json:"id"`
	FactionID     social.FactionID `json:"faction_id"`
	RoundIndex    int              `json:"round_index"`
	OpenedAt      uint64           `json:"opened_at"`
	ClosesAt      uint64           `json:"closes_at"`
	ClosedAt      *uint64          `json:"closed_at,omitempty"`
	Status        ElectionStatus   `json:"status"`
	WinnerAgentID *agents.AgentID  `json:"winner_agent_id,omitempty"`
	PrizeAmount   string           `json:"prize_amount"`
	Seed          string           `json:"seed"`
	Votes         []LeadershipVote `json:"votes"`
}

// LeadershipVote is a single ballot, cast once when the election opens.
type LeadershipVote struct {
	ElectionID       int64          `json:"election_id"`
	VoterAgentID     agents.AgentID `json:"voter_agent_id"`
	CandidateAgentID agents.AgentID `json:"candidate_agent_id"`
	Weight           float64        `json:"weight"`
	Rationale        string         `json:"rationale"`
	BribeOfferID     *int64         `json:"bribe_offer_id,omitempty"`
}

// LeadershipState is the latest closed-election outcome for a faction.
type LeadershipState struct {
	FactionID      social.FactionID `json:"faction_id"`
	LeaderAgentID  agents.AgentID   `json:"leader_agent_id"`
	RoundIndex     int              `json:"round_index"`
	ElectionID     int64            `json:"election_id"`
	UpdatedAtCycle uint64           `json:"updated_at_cycle"`
}

// PendingSwitch links an accepted bribe to the later, probabilistic switch.
type PendingSwitch struct {
	OfferID          int64            `json:"offer_id"`
	TargetFactionID  social.FactionID `json:"target_faction_id"`
	NormalizedAmount float64          `json:"normalized_amount"`
	AcceptedAt       time.Time        `json:"accepted_at"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty"`
}

// PayoutModeOffchain marks a payout that is recorded but not settled here.
const PayoutModeOffchain = "offchain"

// Payout credits an election winner with the faction's pooled resources.
type Payout struct {
	ID         int64            `json:"id"`
	ElectionID int64            `json:"election_id"`
	FactionID  social.FactionID `json:"faction_id"`
	AgentID    agents.AgentID   `json:"agent_id"`
	Amount     string           `json:"amount"`
	Mode       string           `json:"mode"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Cursor is a faction's election scheduling position. Nil fields mean
// "not yet set".
type Cursor struct {
	FactionID          social.FactionID `json:"faction_id"`
	NextElectionCycle  *uint64          `json:"next_election_cycle,omitempty"`
	LastProcessedCycle *uint64          `json:"last_processed_cycle,omitempty"`
}

// Snapshot is the full persisted state loaded on start.
type Snapshot struct {
	Memberships []Membership         `json:"memberships"`
	Offers      []BribeOffer         `json:"offers"`
	Elections   []LeadershipElection `json:"elections"`
	Payouts     []Payout             `json:"payouts"`
	Cursors     []Cursor             `json:"cursors"`
}

// WriteKind names a persistence operation.
type WriteKind string

const (
	WriteMembershipInsert WriteKind = "membership.insert"
	WriteMembershipUpdate WriteKind = "membership.update"
	WriteOfferUpsert      WriteKind = "offer.upsert"
	WriteElectionInsert   WriteKind = "election.insert"
	WriteElectionUpdate   WriteKind = "election.update"
	WriteVoteInsert       WriteKind = "vote.insert"
	WritePayoutInsert     WriteKind = "payout.insert"
	WriteCursorUpsert     WriteKind = "cursor.upsert"
)

// Write is one replicated change. Only the field matching Kind is set; values
// are copies, so a Write can be applied after the engine has moved on.
type Write struct {
	Kind       WriteKind
	Membership Membership
	Offer      BribeOffer
	Election   LeadershipElection
	Vote       LeadershipVote
	Payout     Payout
	Cursor     Cursor
}

// EntityID identifies the row a write touches, for logs.
func (w Write) EntityID() string {
	switch w.Kind {
	case WriteMembershipInsert, WriteMembershipUpdate:
		return fmt.Sprintf("membership:%d", w.Membership.ID)
	case WriteOfferUpsert:
		return fmt.Sprintf("offer:%d", w.Offer.ID)
	case WriteElectionInsert, WriteElectionUpdate:
		return fmt.Sprintf("election:%d", w.Election.ID)
	case WriteVoteInsert:
		return fmt.Sprintf("vote:%d/%d", w.Vote.ElectionID, w.Vote.VoterAgentID)
	case WritePayoutInsert:
		return fmt.Sprintf("payout:%d", w.Payout.ID)
	case WriteCursorUpsert:
		return fmt.Sprintf("cursor:%d", w.Cursor.FactionID)
	}
	return string(w.Kind)
}

// Replicator receives every state change. Replicate must not block; a
// returned error is logged and the in-memory transition stands.
type Replicator interface {
	Replicate(w Write) error
}

// TrustLedger reports how much one agent trusts another, in [-1, 1].
type TrustLedger interface {
	Trust(from, to agents.AgentID) float64
}

// Event is a notable governance transition.
type Event struct {
	Cycle       uint64         `json:"cycle"`
	Time        time.Time      `json:"time"`
	Category    string         `json:"category"`
	Description string         `json:"description"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Event categories.
const (
	CategoryMembership = "membership"
	CategoryBribe      = "bribe"
	CategoryElection   = "election"
	CategoryPayout     = "payout"
)

// EventSink receives events after the operation that produced them has
// released the engine lock.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans events out to several sinks in order.
func MultiSink(sinks ...EventSink) EventSink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}
