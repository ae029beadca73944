// Package agents provides the cult member data model and the seeded spawner.
package agents

// AgentID is a unique identifier for an agent.
type AgentID uint64

// Temperament names the broad behavioral orientation of an agent.
type Temperament uint8

const (
	Zealot      Temperament = iota // Loyal to the current cult, rarely bribed
	Opportunist                    // Follows money
	Diplomat                       // Trades favors, persuasive
	Schemer                        // Bribes others to grow influence
)

// TemperamentName returns a display name for a temperament.
func TemperamentName(t Temperament) string {
	switch t {
	case Zealot:
		return "zealot"
	case Opportunist:
		return "opportunist"
	case Diplomat:
		return "diplomat"
	case Schemer:
		return "schemer"
	}
	return "unknown"
}

// Agent is a simulated cult member. Faction membership is not stored here;
// the governance engine owns it.
type Agent struct {
	ID          AgentID     `json:"id"`
	Name        string      `json:"name"`
	Temperament Temperament `json:"temperament"`

	// Traits, all 0.0–1.0.
	Diplomacy float64 `json:"diplomacy"`
	Loyalty   float64 `json:"loyalty"`
	Ambition  float64 `json:"ambition"`

	// Wealth in coins, spent on bribes.
	Wealth float64 `json:"wealth"`

	BornCycle uint64 `json:"born_cycle"`
	Alive     bool   `json:"alive"`
}

// CanAfford reports whether the agent holds at least amount.
func (a *Agent) CanAfford(amount float64) bool {
	return a.Wealth >= amount
}

// Spend removes amount from the agent's wealth, never going negative.
func (a *Agent) Spend(amount float64) {
	a.Wealth -= amount
	if a.Wealth < 0 {
		a.Wealth = 0
	}
}
