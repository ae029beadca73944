package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/talgya/cult-world/internal/agents"
	"github.com/talgya/cult-world/internal/governance"
	"github.com/talgya/cult-world/internal/social"
)

// Row types mirror the tables column for column. Times are stored as
// RFC 3339 text in UTC so they round-trip to the nanosecond.

type membershipRow struct {
	ID            int64          `db:"id"`
	AgentID       int64          `db:"agent_id"`
	FactionID     int64          `db:"faction_id"`
	Role          string         `db:"role"`
	Active        bool           `db:"active"`
	JoinedAt      string         `db:"joined_at"`
	LeftAt        sql.NullString `db:"left_at"`
	JoinReason    string         `db:"join_reason"`
	LeaveReason   string         `db:"leave_reason"`
	SourceBribeID sql.NullInt64  `db:"source_bribe_id"`
}

type offerRow struct {
	ID                    int64          `db:"id"`
	FromAgentID           int64          `db:"from_agent_id"`
	ToAgentID             int64          `db:"to_agent_id"`
	TargetFactionID       int64          `db:"target_faction_id"`
	Purpose               string         `db:"purpose"`
	Amount                string         `db:"amount"`
	Status                string         `db:"status"`
	AcceptanceProbability float64        `db:"acceptance_probability"`
	Cycle                 int64          `db:"cycle"`
	AcceptedAt            sql.NullString `db:"accepted_at"`
	ExpiresAt             sql.NullString `db:"expires_at"`
	CreatedAt             string         `db:"created_at"`
}

type electionRow struct {
	ID            int64         `db:"id"`
	FactionID     int64         `db:"faction_id"`
	RoundIndex    int           `db:"round_index"`
	OpenedAt      int64         `db:"opened_at"`
	ClosesAt      int64         `db:"closes_at"`
	ClosedAt      sql.NullInt64 `db:"closed_at"`
	Status        string        `db:"status"`
	WinnerAgentID sql.NullInt64 `db:"winner_agent_id"`
	PrizeAmount   string        `db:"prize_amount"`
	Seed          string        `db:"seed"`
}

type voteRow struct {
	ElectionID       int64         `db:"election_id"`
	VoterAgentID     int64         `db:"voter_agent_id"`
	CandidateAgentID int64         `db:"candidate_agent_id"`
	Weight           float64       `db:"weight"`
	Rationale        string        `db:"rationale"`
	BribeOfferID     sql.NullInt64 `db:"bribe_offer_id"`
}

type payoutRow struct {
	ID         int64  `db:"id"`
	ElectionID int64  `db:"election_id"`
	FactionID  int64  `db:"faction_id"`
	AgentID    int64  `db:"agent_id"`
	Amount     string `db:"amount"`
	Mode       string `db:"mode"`
	CreatedAt  string `db:"created_at"`
}

type cursorRow struct {
	FactionID          int64         `db:"faction_id"`
	NextElectionCycle  sql.NullInt64 `db:"next_election_cycle"`
	LastProcessedCycle sql.NullInt64 `db:"last_processed_cycle"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullCycle(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func cyclePtr(n sql.NullInt64) *uint64 {
	if !n.Valid {
		return nil
	}
	v := uint64(n.Int64)
	return &v
}

func toMembershipRow(m governance.Membership) membershipRow {
	return membershipRow{
		ID:            m.ID,
		AgentID:       int64(m.AgentID),
		FactionID:     int64(m.FactionID),
		Role:          string(m.Role),
		Active:        m.Active,
		JoinedAt:      formatTime(m.JoinedAt),
		LeftAt:        nullTime(m.LeftAt),
		JoinReason:    m.JoinReason,
		LeaveReason:   m.LeaveReason,
		SourceBribeID: nullInt(m.SourceBribeID),
	}
}

func (r membershipRow) toMembership() (governance.Membership, error) {
	joined, err := parseTime(r.JoinedAt)
	if err != nil {
		return governance.Membership{}, err
	}
	left, err := parseNullTime(r.LeftAt)
	if err != nil {
		return governance.Membership{}, err
	}
	return governance.Membership{
		ID:            r.ID,
		AgentID:       agents.AgentID(r.AgentID),
		FactionID:     social.FactionID(r.FactionID),
		Role:          governance.Role(r.Role),
		Active:        r.Active,
		JoinedAt:      joined,
		LeftAt:        left,
		JoinReason:    r.JoinReason,
		LeaveReason:   r.LeaveReason,
		SourceBribeID: intPtr(r.SourceBribeID),
	}, nil
}

func toOfferRow(o governance.BribeOffer) offerRow {
	return offerRow{
		ID:                    o.ID,
		FromAgentID:           int64(o.FromAgentID),
		ToAgentID:             int64(o.ToAgentID),
		TargetFactionID:       int64(o.TargetFactionID),
		Purpose:               o.Purpose,
		Amount:                o.Amount,
		Status:                string(o.Status),
		AcceptanceProbability: o.AcceptanceProbability,
		Cycle:                 int64(o.Cycle),
		AcceptedAt:            nullTime(o.AcceptedAt),
		ExpiresAt:             nullTime(o.ExpiresAt),
		CreatedAt:             formatTime(o.CreatedAt),
	}
}

func (r offerRow) toOffer() (governance.BribeOffer, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return governance.BribeOffer{}, err
	}
	accepted, err := parseNullTime(r.AcceptedAt)
	if err != nil {
		return governance.BribeOffer{}, err
	}
	expires, err := parseNullTime(r.ExpiresAt)
	if err != nil {
		return governance.BribeOffer{}, err
	}
	return governance.BribeOffer{
		ID:                    r.ID,
		FromAgentID:           agents.AgentID(r.FromAgentID),
		ToAgentID:             agents.AgentID(r.ToAgentID),
		TargetFactionID:       social.FactionID(r.TargetFactionID),
		Purpose:               r.Purpose,
		Amount:                r.Amount,
		Status:                governance.BribeStatus(r.Status),
		AcceptanceProbability: r.AcceptanceProbability,
		Cycle:                 uint64(r.Cycle),
		AcceptedAt:            accepted,
		ExpiresAt:             expires,
		CreatedAt:             created,
	}, nil
}

func toElectionRow(el governance.LeadershipElection) electionRow {
	row := electionRow{
		ID:          el.ID,
		FactionID:   int64(el.FactionID),
		RoundIndex:  el.RoundIndex,
		OpenedAt:    int64(el.OpenedAt),
		ClosesAt:    int64(el.ClosesAt),
		ClosedAt:    nullCycle(el.ClosedAt),
		Status:      string(el.Status),
		PrizeAmount: el.PrizeAmount,
		Seed:        el.Seed,
	}
	if el.WinnerAgentID != nil {
		row.WinnerAgentID = sql.NullInt64{Int64: int64(*el.WinnerAgentID), Valid: true}
	}
	return row
}

func (r electionRow) toElection() governance.LeadershipElection {
	el := governance.LeadershipElection{
		ID:          r.ID,
		FactionID:   social.FactionID(r.FactionID),
		RoundIndex:  r.RoundIndex,
		OpenedAt:    uint64(r.OpenedAt),
		ClosesAt:    uint64(r.ClosesAt),
		ClosedAt:    cyclePtr(r.ClosedAt),
		Status:      governance.ElectionStatus(r.Status),
		PrizeAmount: r.PrizeAmount,
		Seed:        r.Seed,
	}
	if r.WinnerAgentID.Valid {
		w := agents.AgentID(r.WinnerAgentID.Int64)
		el.WinnerAgentID = &w
	}
	return el
}

func toVoteRow(v governance.LeadershipVote) voteRow {
	return voteRow{
		ElectionID:       v.ElectionID,
		VoterAgentID:     int64(v.VoterAgentID),
		CandidateAgentID: int64(v.CandidateAgentID),
		Weight:           v.Weight,
		Rationale:        v.Rationale,
		BribeOfferID:     nullInt(v.BribeOfferID),
	}
}

func (r voteRow) toVote() governance.LeadershipVote {
	return governance.LeadershipVote{
		ElectionID:       r.ElectionID,
		VoterAgentID:     agents.AgentID(r.VoterAgentID),
		CandidateAgentID: agents.AgentID(r.CandidateAgentID),
		Weight:           r.Weight,
		Rationale:        r.Rationale,
		BribeOfferID:     intPtr(r.BribeOfferID),
	}
}

func toPayoutRow(p governance.Payout) payoutRow {
	return payoutRow{
		ID:         p.ID,
		ElectionID: p.ElectionID,
		FactionID:  int64(p.FactionID),
		AgentID:    int64(p.AgentID),
		Amount:     p.Amount,
		Mode:       p.Mode,
		CreatedAt:  formatTime(p.CreatedAt),
	}
}

func (r payoutRow) toPayout() (governance.Payout, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return governance.Payout{}, err
	}
	return governance.Payout{
		ID:         r.ID,
		ElectionID: r.ElectionID,
		FactionID:  social.FactionID(r.FactionID),
		AgentID:    agents.AgentID(r.AgentID),
		Amount:     r.Amount,
		Mode:       r.Mode,
		CreatedAt:  created,
	}, nil
}

func toCursorRow(c governance.Cursor) cursorRow {
	return cursorRow{
		FactionID:          int64(c.FactionID),
		NextElectionCycle:  nullCycle(c.NextElectionCycle),
		LastProcessedCycle: nullCycle(c.LastProcessedCycle),
	}
}

func (r cursorRow) toCursor() governance.Cursor {
	return governance.Cursor{
		FactionID:          social.FactionID(r.FactionID),
		NextElectionCycle:  cyclePtr(r.NextElectionCycle),
		LastProcessedCycle: cyclePtr(r.LastProcessedCycle),
	}
}
