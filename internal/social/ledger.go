// Trust ledger: agent-to-agent trust and faction-to-faction relations.
package social

import (
	"sync"

	"github.com/talgya/cult-world/internal/agents"
)

type agentPair struct {
	from, to agents.AgentID
}

type factionPair struct {
	a, b FactionID
}

// Ledger stores trust between agents (-1 to +1) and relations between
// factions (-100 to +100). It is safe for concurrent use.
type Ledger struct {
	mu        sync.RWMutex
	trust     map[agentPair]float64
	relations map[factionPair]float64
	placement map[agents.AgentID]FactionID
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		trust:     make(map[agentPair]float64),
		relations: make(map[factionPair]float64),
		placement: make(map[agents.AgentID]FactionID),
	}
}

// Place records which faction an agent currently belongs to, for the
// relation fallback in Trust. Zero removes the placement.
func (l *Ledger) Place(agent agents.AgentID, faction FactionID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if faction == 0 {
		delete(l.placement, agent)
		return
	}
	l.placement[agent] = faction
}

func orderedPair(a, b FactionID) factionPair {
	if a > b {
		a, b = b, a
	}
	return factionPair{a, b}
}

// SetRelation sets a symmetric relation between two factions.
func (l *Ledger) SetRelation(a, b FactionID, value float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.relations[orderedPair(a, b)] = clamp(value, -100, 100)
}

// Relation returns the relation between two factions. A faction is fully
// aligned with itself.
func (l *Ledger) Relation(a, b FactionID) float64 {
	if a == b {
		return 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.relations[orderedPair(a, b)]
}

// SetTrust sets trust in both directions.
func (l *Ledger) SetTrust(a, b agents.AgentID, value float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := clamp(value, -1, 1)
	l.trust[agentPair{a, b}] = v
	l.trust[agentPair{b, a}] = v
}

// AdjustTrust shifts from's trust in to by delta. Only that direction moves.
func (l *Ledger) AdjustTrust(from, to agents.AgentID, delta float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := agentPair{from, to}
	l.trust[k] = clamp(l.trust[k]+delta, -1, 1)
}

// Trust returns how much from trusts to, in [-1, 1]. Without a pairwise
// score it falls back to the relation between the agents' factions. An agent
// rates itself like any fellow member.
func (l *Ledger) Trust(from, to agents.AgentID) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.trust[agentPair{from, to}]; ok {
		return v
	}
	fa, okA := l.placement[from]
	fb, okB := l.placement[to]
	if !okA || !okB {
		return 0
	}
	// Sharing a cult is a mild, not full, basis for trust.
	if fa == fb {
		return 0.25
	}
	return l.relations[orderedPair(fa, fb)] / 100
}

// Drift decays every relation and trust score toward neutral by rate
// (0.0–1.0). Grudges fade, alliances weaken.
func (l *Ledger) Drift(rate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.relations {
		l.relations[k] = v - v*rate
	}
	for k, v := range l.trust {
		l.trust[k] = v - v*rate
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
