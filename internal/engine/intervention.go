package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/cult-world/internal/agents"
	"github.com/talgya/cult-world/internal/governance"
	"github.com/talgya/cult-world/internal/social"
)

// CategoryIntervention marks events produced by operator actions.
const CategoryIntervention = "intervention"

// EndowFaction adds amount to a faction's treasury. Negative amounts drain
// it, never below zero.
func (s *Simulation) EndowFaction(id social.FactionID, amount float64) (string, error) {
	s.mu.Lock()
	f, ok := s.factionIndex[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("faction %d not found", id)
	}
	f.Treasury += amount
	if f.Treasury < 0 {
		f.Treasury = 0
	}
	cycle, name, treasury := s.lastCycle, f.Name, f.Treasury
	s.mu.Unlock()

	desc := fmt.Sprintf("An anonymous patron moves %s coins into the coffers of %s (now %s)",
		humanize.Commaf(amount), name, humanize.Commaf(treasury))
	s.intervened(cycle, desc, map[string]any{"faction_id": uint64(id), "amount": amount})
	slog.Info("endow intervention", "faction", name, "amount", amount)
	return desc, nil
}

// InductAgent moves an agent into a faction outside the bribe path.
func (s *Simulation) InductAgent(agentID agents.AgentID, factionID social.FactionID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agentIndex[agentID]
	if !ok || !a.Alive {
		return "", fmt.Errorf("agent %d not found", agentID)
	}
	f, ok := s.factionIndex[factionID]
	if !ok {
		return "", fmt.Errorf("faction %d not found", factionID)
	}
	if cur, ok := s.Gov.FactionOf(agentID); ok && cur == factionID {
		return "", fmt.Errorf("%s already belongs to %s", a.Name, f.Name)
	}

	s.Gov.EnsureMembership(governance.JoinRequest{
		AgentID:   agentID,
		FactionID: factionID,
		Role:      governance.RoleMember,
		Reason:    governance.ReasonManual,
		Cycle:     s.lastCycle,
	})
	s.Ledger.Place(agentID, factionID)

	desc := fmt.Sprintf("%s is drawn into %s by forces unseen", a.Name, f.Name)
	s.intervened(s.lastCycle, desc, map[string]any{"agent_id": uint64(agentID), "faction_id": uint64(factionID)})
	slog.Info("induct intervention", "agent", a.Name, "faction", f.Name)
	return desc, nil
}

// ExpelAgent ends an agent's active membership, leaving it unaffiliated.
func (s *Simulation) ExpelAgent(agentID agents.AgentID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agentIndex[agentID]
	if !ok {
		return "", fmt.Errorf("agent %d not found", agentID)
	}
	cur, ok := s.Gov.FactionOf(agentID)
	if !ok {
		return "", fmt.Errorf("%s belongs to no faction", a.Name)
	}
	s.Gov.RemoveMembership(agentID, cur, governance.ReasonManual)
	s.Ledger.Place(agentID, 0)
	s.updateStats()

	desc := fmt.Sprintf("%s is cast out of %s", a.Name, s.factionName(cur))
	s.intervened(s.lastCycle, desc, map[string]any{"agent_id": uint64(agentID), "faction_id": uint64(cur)})
	slog.Info("expel intervention", "agent", a.Name, "faction", cur)
	return desc, nil
}

// MediateFactions shifts the relation between two factions by delta.
func (s *Simulation) MediateFactions(a, b social.FactionID, delta float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a == b {
		return "", fmt.Errorf("cannot mediate a faction with itself")
	}
	if _, ok := s.factionIndex[a]; !ok {
		return "", fmt.Errorf("faction %d not found", a)
	}
	if _, ok := s.factionIndex[b]; !ok {
		return "", fmt.Errorf("faction %d not found", b)
	}
	s.Ledger.SetRelation(a, b, s.Ledger.Relation(a, b)+delta)
	now := s.Ledger.Relation(a, b)

	desc := fmt.Sprintf("Envoys pass between %s and %s (relation now %.0f)", s.factionName(a), s.factionName(b), now)
	s.intervened(s.lastCycle, desc, map[string]any{"faction_a": uint64(a), "faction_b": uint64(b), "delta": delta})
	slog.Info("mediate intervention", "a", a, "b", b, "relation", now)
	return desc, nil
}

func (s *Simulation) intervened(cycle uint64, desc string, meta map[string]any) {
	s.Emit(governance.Event{
		Cycle:       cycle,
		Time:        time.Now().UTC(),
		Category:    CategoryIntervention,
		Description: desc,
		Meta:        meta,
	})
}
