// Leadership elections: schedule, open with instantaneous voting, close with
// a keyed tie-break, and record the payout.
package governance

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/talgya/cult-world/internal/agents"
	"github.com/talgya/cult-world/internal/entropy"
	"github.com/talgya/cult-world/internal/social"
)

// Randomness domains used by elections.
const (
	domainSchedule       = "election.schedule"
	domainAlignment      = "election.alignment"
	domainVoteNoise      = "election.vote_noise"
	domainVoterTieBreak  = "election.voter_tiebreak"
	domainWinnerTieBreak = "election.winner_tiebreak"
)

// Ballot scoring weights.
const (
	weightAlignment = 0.45
	weightTrust     = 0.25
	weightBribe     = 0.2
	weightNoise     = 0.1

	tieEpsilon = 1e-9
)

// ElectionOutcome reports what one ProcessElectionCycle call did.
type ElectionOutcome struct {
	FactionID     social.FactionID `json:"faction_id"`
	Cycle         uint64           `json:"cycle"`
	Ignored       bool             `json:"ignored"` // cycle already processed
	NextElection  *uint64          `json:"next_election,omitempty"`
	Opened        *int64           `json:"opened,omitempty"`
	Closed        *int64           `json:"closed,omitempty"`
	Status        ElectionStatus   `json:"status,omitempty"`
	WinnerAgentID *agents.AgentID  `json:"winner_agent_id,omitempty"`
	Payout        *Payout          `json:"payout,omitempty"`
}

// ProcessElectionCycle advances a faction's election state machine by one
// cycle: schedule, open (with every member voting at once), or close.
// A cycle at or before the last processed cycle for the faction is ignored.
// treasuryPot is the decimal amount credited to a winner.
func (e *Engine) ProcessElectionCycle(factionID social.FactionID, cycle uint64, treasuryPot string) ElectionOutcome {
	e.lock()
	defer e.unlock()

	out := ElectionOutcome{FactionID: factionID, Cycle: cycle}
	fs := e.faction(factionID)
	if fs.lastProcessed != nil && cycle <= *fs.lastProcessed {
		out.Ignored = true
		return out
	}

	if fs.openElection == 0 && fs.nextElection == nil {
		e.scheduleLocked(factionID, fs, cycle)
	}

	if fs.openElection == 0 && fs.nextElection != nil && cycle >= *fs.nextElection {
		el := e.openLocked(factionID, fs, cycle, treasuryPot)
		id := el.ID
		out.Opened = &id
		if el.Status == ElectionCancelled {
			out.Closed = &id
			out.Status = ElectionCancelled
		}
	}

	if fs.openElection != 0 {
		el := e.elections[fs.openElection]
		if cycle >= el.ClosesAt {
			payout := e.closeLocked(factionID, fs, el, cycle, treasuryPot)
			id := el.ID
			out.Closed = &id
			out.Status = el.Status
			if el.WinnerAgentID != nil {
				w := *el.WinnerAgentID
				out.WinnerAgentID = &w
			}
			out.Payout = payout
		}
	}

	processed := cycle
	fs.lastProcessed = &processed
	e.replicate(Write{Kind: WriteCursorUpsert, Cursor: e.cursorLocked(factionID)})

	if fs.nextElection != nil {
		n := *fs.nextElection
		out.NextElection = &n
	}
	return out
}

// scheduleLocked sets the next election a random gap after cycle.
func (e *Engine) scheduleLocked(factionID social.FactionID, fs *factionState, cycle uint64) {
	k := entropy.NewKey(domainSchedule, cycle).Faction(uint64(factionID))
	gap := e.src.Int(e.tune.ElectionMinGap, e.tune.ElectionMaxGap, k)
	next := cycle + uint64(gap)
	fs.nextElection = &next
	slog.Debug("election scheduled", "faction", factionID, "cycle", cycle, "at", next, "key", k.String())
}

// ElectionSeed derives the audit seed string for a faction's election round.
func ElectionSeed(seed int64, factionID social.FactionID, round int) string {
	name := fmt.Sprintf("cult-world/election/%d/%d/%d", seed, factionID, round)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func (e *Engine) openLocked(factionID social.FactionID, fs *factionState, cycle uint64, treasuryPot string) *LeadershipElection {
	fs.round++
	el := &LeadershipElection{
		ID:          e.nextElectionID,
		FactionID:   factionID,
		RoundIndex:  fs.round,
		OpenedAt:    cycle,
		ClosesAt:    cycle + uint64(e.tune.VotingWindow),
		Status:      ElectionOpen,
		PrizeAmount: treasuryPot,
		Seed:        ElectionSeed(e.src.Seed(), factionID, fs.round),
	}
	e.nextElectionID++
	e.elections[el.ID] = el
	fs.elections = append(fs.elections, el.ID)
	fs.nextElection = nil

	members := e.membersLocked(factionID)
	if len(members) == 0 {
		closed := cycle
		el.Status = ElectionCancelled
		el.ClosedAt = &closed
		e.replicate(Write{Kind: WriteElectionInsert, Election: copyElection(*el)})
		e.emit(cycle, CategoryElection,
			fmt.Sprintf("election round %d in faction %d cancelled: no members", el.RoundIndex, factionID),
			map[string]any{"election_id": el.ID, "faction_id": uint64(factionID), "round": el.RoundIndex})
		slog.Info("election cancelled", "faction", factionID, "round", el.RoundIndex, "reason", "no members")
		e.scheduleLocked(factionID, fs, cycle)
		return el
	}

	fs.openElection = el.ID
	e.replicate(Write{Kind: WriteElectionInsert, Election: copyElection(*el)})
	for _, voter := range members {
		v := e.castVoteLocked(el, voter.AgentID, members)
		el.Votes = append(el.Votes, v)
		e.replicate(Write{Kind: WriteVoteInsert, Vote: v})
	}

	e.emit(cycle, CategoryElection,
		fmt.Sprintf("election round %d opened in faction %d with %d voters", el.RoundIndex, factionID, len(el.Votes)),
		map[string]any{
			"election_id": el.ID,
			"faction_id":  uint64(factionID),
			"round":       el.RoundIndex,
			"closes_at":   el.ClosesAt,
			"seed":        el.Seed,
		})
	slog.Info("election opened", "faction", factionID, "round", el.RoundIndex, "voters", len(el.Votes), "closes_at", el.ClosesAt)
	return el
}

// castVoteLocked scores every member as a candidate for one voter and
// returns the ballot for the best score.
func (e *Engine) castVoteLocked(el *LeadershipElection, voter agents.AgentID, members []*Membership) LeadershipVote {
	round := el.RoundIndex
	bias, biasOffer := e.bribeBiasLocked(voter, el.FactionID)

	scores := make([]candidateScore, 0, len(members))
	for _, cand := range members {
		extra := fmt.Sprintf("round:%d|candidate:%d", round, cand.AgentID)
		align := e.src.Float(entropy.NewKey(domainAlignment, el.OpenedAt).
			Faction(uint64(el.FactionID)).Agent(uint64(voter)).With(extra))
		noise := e.src.Float(entropy.NewKey(domainVoteNoise, el.OpenedAt).
			Faction(uint64(el.FactionID)).Agent(uint64(voter)).With(extra))
		trust := e.normalizeTrust(voter, cand.AgentID)

		scores = append(scores, candidateScore{
			candidate: cand.AgentID,
			score:     weightAlignment*align + weightTrust*trust + weightBribe*bias + weightNoise*noise,
			rationale: fmt.Sprintf("alignment=%.3f trust=%.3f bribe=%.3f noise=%.3f", align, trust, bias, noise),
		})
	}
	pick := pickBallot(e.src, scores, voterTieBreakKey(el.FactionID, voter, round, el.OpenedAt))

	return LeadershipVote{
		ElectionID:       el.ID,
		VoterAgentID:     voter,
		CandidateAgentID: pick.candidate,
		Weight:           1,
		Rationale:        pick.rationale,
		BribeOfferID:     biasOffer,
	}
}

type candidateScore struct {
	candidate agents.AgentID
	score     float64
	rationale string
}

// pickBallot returns the best-scoring candidate. Candidates within
// tieEpsilon of the best are tied and one is chosen by the keyed draw.
func pickBallot(src *entropy.Source, scores []candidateScore, key entropy.Key) candidateScore {
	if len(scores) == 0 {
		return candidateScore{}
	}
	best := scores[0].score
	for _, s := range scores[1:] {
		if s.score > best {
			best = s.score
		}
	}
	var tied []candidateScore
	for _, s := range scores {
		if best-s.score <= tieEpsilon {
			tied = append(tied, s)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	sort.Slice(tied, func(i, j int) bool { return tied[i].candidate < tied[j].candidate })
	pick := entropy.Choose(src, tied, key)
	pick.rationale += " (tie-break)"
	return pick
}

// voterTieBreakKey scopes a ballot tie-break to one voter and round.
func voterTieBreakKey(factionID social.FactionID, voter agents.AgentID, round int, opened uint64) entropy.Key {
	return entropy.NewKey(domainVoterTieBreak, opened).
		Faction(uint64(factionID)).
		Agent(uint64(voter)).
		With(fmt.Sprintf("round:%d", round))
}

// winnerTieBreakKey scopes the final tie-break to one election round.
func winnerTieBreakKey(factionID social.FactionID, round int, opened uint64) entropy.Key {
	return entropy.NewKey(domainWinnerTieBreak, opened).
		Faction(uint64(factionID)).
		With(fmt.Sprintf("round:%d", round))
}

// resolveWinner tallies counted ballots. Ballots from voters who have left
// the faction since the election opened are not counted.
func (e *Engine) resolveWinner(el *LeadershipElection) (agents.AgentID, bool) {
	totals := make(map[agents.AgentID]float64)
	for _, v := range el.Votes {
		if m, ok := e.active[v.VoterAgentID]; !ok || m.FactionID != el.FactionID {
			continue
		}
		totals[v.CandidateAgentID] += v.Weight
	}
	if len(totals) == 0 {
		return 0, false
	}

	best := -1.0
	for _, t := range totals {
		if t > best {
			best = t
		}
	}
	var leaders []agents.AgentID
	for cand, t := range totals {
		if best-t <= tieEpsilon {
			leaders = append(leaders, cand)
		}
	}
	sortAgentIDs(leaders)
	if len(leaders) == 1 {
		return leaders[0], true
	}
	k := winnerTieBreakKey(el.FactionID, el.RoundIndex, el.OpenedAt)
	winner := entropy.Choose(e.src, leaders, k)
	slog.Debug("election tie-break", "faction", el.FactionID, "round", el.RoundIndex, "tied", len(leaders), "winner", winner, "key", k.String())
	return winner, true
}

func (e *Engine) closeLocked(factionID social.FactionID, fs *factionState, el *LeadershipElection, cycle uint64, treasuryPot string) *Payout {
	closed := cycle
	el.ClosedAt = &closed
	fs.openElection = 0
	defer e.scheduleLocked(factionID, fs, cycle)

	winner, ok := e.resolveWinner(el)
	if !ok {
		el.Status = ElectionCancelled
		e.replicate(Write{Kind: WriteElectionUpdate, Election: copyElection(*el)})
		e.emit(cycle, CategoryElection,
			fmt.Sprintf("election round %d in faction %d cancelled: no votes", el.RoundIndex, factionID),
			map[string]any{"election_id": el.ID, "faction_id": uint64(factionID), "round": el.RoundIndex})
		slog.Info("election cancelled", "faction", factionID, "round", el.RoundIndex, "reason", "no votes")
		return nil
	}

	el.Status = ElectionClosed
	el.WinnerAgentID = &winner
	el.PrizeAmount = treasuryPot
	e.replicate(Write{Kind: WriteElectionUpdate, Election: copyElection(*el)})

	var previous agents.AgentID
	if fs.leadership != nil {
		previous = fs.leadership.LeaderAgentID
	}
	fs.leadership = &LeadershipState{
		FactionID:      factionID,
		LeaderAgentID:  winner,
		RoundIndex:     el.RoundIndex,
		ElectionID:     el.ID,
		UpdatedAtCycle: cycle,
	}
	if previous != 0 && previous != winner {
		e.setRoleLocked(previous, factionID, RoleMember, cycle)
	}
	e.setRoleLocked(winner, factionID, RoleLeader, cycle)

	payout := Payout{
		ID:         e.nextPayoutID,
		ElectionID: el.ID,
		FactionID:  factionID,
		AgentID:    winner,
		Amount:     treasuryPot,
		Mode:       PayoutModeOffchain,
		CreatedAt:  e.now().UTC(),
	}
	e.nextPayoutID++
	e.payouts = append(e.payouts, payout)
	e.replicate(Write{Kind: WritePayoutInsert, Payout: payout})

	e.emit(cycle, CategoryElection,
		fmt.Sprintf("agent %d won election round %d in faction %d", winner, el.RoundIndex, factionID),
		map[string]any{
			"election_id": el.ID,
			"faction_id":  uint64(factionID),
			"round":       el.RoundIndex,
			"winner":      uint64(winner),
			"votes":       len(el.Votes),
		})
	e.emit(cycle, CategoryPayout,
		fmt.Sprintf("agent %d credited %s from the treasury of faction %d", winner, humanize.Commaf(ParseAmount(treasuryPot)), factionID),
		map[string]any{
			"payout_id":  payout.ID,
			"faction_id": uint64(factionID),
			"agent_id":   uint64(winner),
			"amount":     treasuryPot,
			"mode":       payout.Mode,
		})
	slog.Info("election closed", "faction", factionID, "round", el.RoundIndex, "winner", winner, "prize", humanize.Commaf(ParseAmount(treasuryPot)))
	return &payout
}

// Elections returns a faction's elections in round order.
func (e *Engine) Elections(factionID social.FactionID) []LeadershipElection {
	e.lock()
	defer e.unlock()
	fs, ok := e.factions[factionID]
	if !ok {
		return nil
	}
	out := make([]LeadershipElection, 0, len(fs.elections))
	for _, id := range fs.elections {
		out = append(out, copyElection(*e.elections[id]))
	}
	return out
}

// Election returns an election by id.
func (e *Engine) Election(id int64) (LeadershipElection, bool) {
	e.lock()
	defer e.unlock()
	el, ok := e.elections[id]
	if !ok {
		return LeadershipElection{}, false
	}
	return copyElection(*el), true
}

// OpenElection returns the faction's open election, if any.
func (e *Engine) OpenElection(factionID social.FactionID) (LeadershipElection, bool) {
	e.lock()
	defer e.unlock()
	fs, ok := e.factions[factionID]
	if !ok || fs.openElection == 0 {
		return LeadershipElection{}, false
	}
	return copyElection(*e.elections[fs.openElection]), true
}

// NextElection returns the cycle of the faction's next scheduled election.
func (e *Engine) NextElection(factionID social.FactionID) (uint64, bool) {
	e.lock()
	defer e.unlock()
	fs, ok := e.factions[factionID]
	if !ok || fs.nextElection == nil {
		return 0, false
	}
	return *fs.nextElection, true
}

// Leadership returns the latest closed-election outcome for a faction.
func (e *Engine) Leadership(factionID social.FactionID) (LeadershipState, bool) {
	e.lock()
	defer e.unlock()
	fs, ok := e.factions[factionID]
	if !ok || fs.leadership == nil {
		return LeadershipState{}, false
	}
	return *fs.leadership, true
}

// Payouts returns recorded payouts, oldest first. A zero factionID returns
// every faction's payouts.
func (e *Engine) Payouts(factionID social.FactionID) []Payout {
	e.lock()
	defer e.unlock()
	var out []Payout
	for _, p := range e.payouts {
		if factionID == 0 || p.FactionID == factionID {
			out = append(out, p)
		}
	}
	return out
}
