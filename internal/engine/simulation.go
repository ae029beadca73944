// Simulation ties agents, factions and the governance engine together and
// drives them each cycle.
package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/talgya/cult-world/internal/agents"
	"github.com/talgya/cult-world/internal/entropy"
	"github.com/talgya/cult-world/internal/governance"
	"github.com/talgya/cult-world/internal/social"
)

// Randomness domains used by the driver.
const (
	domainFounding = "driver.founding"
	domainBriber   = "driver.briber"
	domainTarget   = "driver.target"
	domainAmount   = "driver.amount"
)

const (
	maxRecentEvents = 200
	titheRate       = 0.02 // share of member wealth paid to the treasury each day
	relationDrift   = 0.02 // weekly decay of relations and trust toward neutral
)

// Settings are the driver's tunables.
type Settings struct {
	BribeBudget       float64 // most an agent spends on one bribe
	BribesPerCycle    int     // proposals attempted each cycle
	BribeExpiryCycles int     // deadline for accepted bribes; 0 means none
}

// Simulation holds the agent population and faction treasuries and calls
// the governance engine through its driver contract.
type Simulation struct {
	Gov    *governance.Engine
	Ledger *social.Ledger
	Src    *entropy.Source

	settings Settings

	mu           sync.RWMutex
	agents       []*agents.Agent
	agentIndex   map[agents.AgentID]*agents.Agent
	factions     []*social.Faction
	factionIndex map[social.FactionID]*social.Faction
	lastCycle    uint64
	stats        SimStats

	eventsMu sync.Mutex
	events   []governance.Event // most recent first-in, capped
}

// SimStats tracks aggregate statistics.
type SimStats struct {
	Population      int     `json:"population"`
	Unaffiliated    int     `json:"unaffiliated"`
	TotalWealth     float64 `json:"total_wealth"`
	TotalTreasury   float64 `json:"total_treasury"`
	BribesProposed  int     `json:"bribes_proposed"`
	BribesAccepted  int     `json:"bribes_accepted"`
	BribesExpired   int     `json:"bribes_expired"`
	Defections      int     `json:"defections"`
	ElectionsClosed int     `json:"elections_closed"`
}

// NewSimulation wires a population and its factions to a governance engine.
func NewSimulation(gov *governance.Engine, ledger *social.Ledger, ag []*agents.Agent, factions []*social.Faction, settings Settings) *Simulation {
	s := &Simulation{
		Gov:          gov,
		Ledger:       ledger,
		Src:          gov.Source(),
		settings:     settings,
		agents:       ag,
		agentIndex:   make(map[agents.AgentID]*agents.Agent, len(ag)),
		factions:     factions,
		factionIndex: make(map[social.FactionID]*social.Faction, len(factions)),
	}
	for _, a := range ag {
		s.agentIndex[a.ID] = a
	}
	for _, f := range factions {
		s.factionIndex[f.ID] = f
	}
	return s
}

// SeedMemberships places every unaffiliated agent into a faction. The first
// agent to land in an empty faction founds it; the rest are backfill. Agents
// that already hold a membership (after hydration) only update the ledger.
func (s *Simulation) SeedMemberships(cycle uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.factions) == 0 {
		return
	}

	sizes := s.Gov.FactionSizes()
	for _, a := range s.agents {
		if f, ok := s.Gov.FactionOf(a.ID); ok {
			s.Ledger.Place(a.ID, f)
			continue
		}
		if !a.Alive {
			continue
		}
		k := entropy.NewKey(domainFounding, cycle).Agent(uint64(a.ID))
		f := entropy.Choose(s.Src, s.factions, k)
		reason := governance.ReasonBackfill
		if sizes[f.ID] == 0 {
			reason = governance.ReasonSelfCreated
		}
		s.Gov.EnsureMembership(governance.JoinRequest{
			AgentID:   a.ID,
			FactionID: f.ID,
			Role:      governance.RoleMember,
			Reason:    reason,
			Cycle:     cycle,
		})
		sizes[f.ID]++
		s.Ledger.Place(a.ID, f.ID)
	}
	slog.Info("memberships seeded", "agents", len(s.agents), "factions", len(s.factions))
}

// TickCycle runs one driver cycle: elections in every faction, a switch
// chance for every agent holding an accepted bribe, then new bribes.
func (s *Simulation) TickCycle(cycle uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCycle = cycle

	s.processElections(cycle)
	s.expireOffers(cycle)
	s.processPendingSwitches(cycle)
	s.proposeBribes(cycle)
	s.updateStats()
}

func (s *Simulation) processElections(cycle uint64) {
	for _, f := range s.factions {
		out := s.Gov.ProcessElectionCycle(f.ID, cycle, governance.FormatAmount(f.Treasury))
		if out.Status == governance.ElectionClosed && out.WinnerAgentID != nil {
			s.stats.ElectionsClosed++
			slog.Info("faction has a new leader",
				"faction", f.Name,
				"leader", s.agentName(*out.WinnerAgentID),
				"treasury", humanize.Commaf(f.Treasury),
			)
		}
	}
}

// expireOffers sweeps pending switches whose deadline passed, including
// those of agents no longer in the living population.
func (s *Simulation) expireOffers(cycle uint64) {
	expired := s.Gov.ExpireOffers(cycle)
	if len(expired) == 0 {
		return
	}
	s.stats.BribesExpired += len(expired)
	slog.Debug("bribe offers expired", "cycle", cycle, "offers", expired)
}

func (s *Simulation) processPendingSwitches(cycle uint64) {
	population := s.livingCount()
	if population == 0 {
		return
	}
	sizes := s.Gov.FactionSizes()

	for _, id := range s.Gov.PendingAgents() {
		ps, ok := s.Gov.PendingSwitch(id)
		if !ok {
			continue
		}
		cur, _ := s.Gov.FactionOf(id)
		strength := float64(sizes[ps.TargetFactionID]) / float64(population)

		leaderTrust := 0.5
		var oldLeader agents.AgentID
		if cur != 0 {
			if state, ok := s.Gov.Leadership(cur); ok && state.LeaderAgentID != id {
				oldLeader = state.LeaderAgentID
				leaderTrust = (s.Ledger.Trust(id, oldLeader) + 1) / 2
			}
		}

		res := s.Gov.MaybeSwitchAfterBribe(governance.SwitchRequest{
			AgentID:             id,
			CurrentFactionID:    cur,
			Cycle:               cycle,
			TargetGroupStrength: strength,
			CurrentLeaderTrust:  leaderTrust,
		})
		if !res.Switched {
			continue
		}

		s.stats.Defections++
		s.Ledger.Place(id, res.NewFactionID)
		if oldLeader != 0 {
			s.Ledger.AdjustTrust(oldLeader, id, -0.3)
		}
		if cur != 0 {
			s.Ledger.SetRelation(cur, res.NewFactionID, s.Ledger.Relation(cur, res.NewFactionID)-2)
			sizes[cur]--
		}
		sizes[res.NewFactionID]++
		slog.Info("agent defected",
			"agent", s.agentName(id),
			"from", s.factionName(cur),
			"to", s.factionName(res.NewFactionID),
			"offer", res.OfferID,
		)
	}
}

func (s *Simulation) proposeBribes(cycle uint64) {
	if s.settings.BribesPerCycle <= 0 || s.settings.BribeBudget <= 0 {
		return
	}
	living := s.livingAgents()
	if len(living) < 2 {
		return
	}

	for i := 0; i < s.settings.BribesPerCycle; i++ {
		extra := fmt.Sprintf("slot:%d", i)
		briber := entropy.Choose(s.Src, living, entropy.NewKey(domainBriber, cycle).With(extra))
		briberFaction, ok := s.Gov.FactionOf(briber.ID)
		if !ok {
			continue
		}

		var targets []*agents.Agent
		for _, a := range living {
			if f, _ := s.Gov.FactionOf(a.ID); f != briberFaction {
				targets = append(targets, a)
			}
		}
		if len(targets) == 0 {
			continue
		}
		target := entropy.Choose(s.Src, targets, entropy.NewKey(domainTarget, cycle).Agent(uint64(briber.ID)).With(extra))

		// Ambitious agents bid closer to their full budget.
		share := 0.25 + 0.75*briber.Ambition*s.Src.Float(entropy.NewKey(domainAmount, cycle).Agent(uint64(briber.ID)).With(extra))
		amount := float64(int(s.settings.BribeBudget*share*100)) / 100
		if amount <= 0 || !briber.CanAfford(amount) {
			continue
		}

		offer := s.Gov.ProposeBribe(governance.BribeRequest{
			FromAgentID:     briber.ID,
			ToAgentID:       target.ID,
			TargetFactionID: briberFaction,
			Purpose:         fmt.Sprintf("recruit for %s", s.factionName(briberFaction)),
			Amount:          amount,
			Cycle:           cycle,
			Diplomacy:       target.Diplomacy,
			TrustToBriber:   (s.Ledger.Trust(target.ID, briber.ID) + 1) / 2,
			Loyalty:         target.Loyalty,
			ExpiresInCycles: s.settings.BribeExpiryCycles,
		})
		s.stats.BribesProposed++
		if offer.Status != governance.BribeAccepted {
			continue
		}
		s.stats.BribesAccepted++
		briber.Spend(amount)
		target.Wealth += amount
		s.Ledger.AdjustTrust(target.ID, briber.ID, 0.05)
	}
}

// OnDay collects tithes from members into their faction's treasury.
func (s *Simulation) OnDay(cycle uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.factions {
		var collected float64
		for _, m := range s.Gov.Members(f.ID) {
			a, ok := s.agentIndex[m.AgentID]
			if !ok || !a.Alive {
				continue
			}
			tithe := a.Wealth * titheRate
			a.Spend(tithe)
			collected += tithe
		}
		f.Treasury += collected
	}
	s.updateStats()
	slog.Info("daily tithes collected", "cycle", cycle, "time", SimTime(cycle), "treasury", humanize.Commaf(s.stats.TotalTreasury))
}

// OnWeek lets grudges fade and alliances weaken.
func (s *Simulation) OnWeek(cycle uint64) {
	s.Ledger.Drift(relationDrift)
	slog.Debug("relations drifted", "cycle", cycle)
}

// Emit keeps recent governance events for reporting.
func (s *Simulation) Emit(ev governance.Event) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.events = append(s.events, ev)
	if len(s.events) > maxRecentEvents {
		s.events = append(s.events[:0:0], s.events[len(s.events)-maxRecentEvents:]...)
	}
}

// RecentEvents returns up to limit of the newest events, newest last.
func (s *Simulation) RecentEvents(limit int) []governance.Event {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	return append([]governance.Event(nil), s.events[len(s.events)-limit:]...)
}

// LastCycle returns the most recently processed cycle.
func (s *Simulation) LastCycle() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCycle
}

// Stats returns the latest aggregate statistics.
func (s *Simulation) Stats() SimStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Factions returns copies of the factions, by id.
func (s *Simulation) Factions() []social.Faction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]social.Faction, 0, len(s.factions))
	for _, f := range s.factions {
		out = append(out, *f)
	}
	return out
}

// Faction returns a copy of one faction.
func (s *Simulation) Faction(id social.FactionID) (social.Faction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.factionIndex[id]
	if !ok {
		return social.Faction{}, false
	}
	return *f, true
}

// Agent returns a copy of one agent.
func (s *Simulation) Agent(id agents.AgentID) (agents.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agentIndex[id]
	if !ok {
		return agents.Agent{}, false
	}
	return *a, true
}

func (s *Simulation) updateStats() {
	st := SimStats{
		BribesProposed:  s.stats.BribesProposed,
		BribesAccepted:  s.stats.BribesAccepted,
		BribesExpired:   s.stats.BribesExpired,
		Defections:      s.stats.Defections,
		ElectionsClosed: s.stats.ElectionsClosed,
	}
	for _, a := range s.agents {
		if !a.Alive {
			continue
		}
		st.Population++
		st.TotalWealth += a.Wealth
		if _, ok := s.Gov.FactionOf(a.ID); !ok {
			st.Unaffiliated++
		}
	}
	for _, f := range s.factions {
		st.TotalTreasury += f.Treasury
	}
	s.stats = st
}

func (s *Simulation) livingAgents() []*agents.Agent {
	out := make([]*agents.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if a.Alive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Simulation) livingCount() int {
	n := 0
	for _, a := range s.agents {
		if a.Alive {
			n++
		}
	}
	return n
}

func (s *Simulation) agentName(id agents.AgentID) string {
	if a, ok := s.agentIndex[id]; ok {
		return a.Name
	}
	return fmt.Sprintf("agent %d", id)
}

func (s *Simulation) factionName(id social.FactionID) string {
	if f, ok := s.factionIndex[id]; ok {
		return f.Name
	}
	if id == 0 {
		return "none"
	}
	return fmt.Sprintf("faction %d", id)
}
