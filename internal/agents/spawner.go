// Agent spawning: creates the initial population with names, temperaments,
// traits and starting wealth. Every value is a keyed draw, so the same seed
// spawns the same population.
package agents

import (
	"fmt"

	"github.com/talgya/cult-world/internal/entropy"
)

// Spawner creates agents for the simulation.
type Spawner struct {
	src    *entropy.Source
	nextID AgentID
}

// NewSpawner creates an agent spawner drawing from src.
func NewSpawner(src *entropy.Source) *Spawner {
	return &Spawner{src: src, nextID: 1}
}

// SetNextID sets the next agent ID to be issued (used when restoring from DB).
func (s *Spawner) SetNextID(id AgentID) {
	s.nextID = id
}

// NextID returns the ID the next spawned agent will get.
func (s *Spawner) NextID() AgentID {
	return s.nextID
}

// SpawnPopulation creates count agents born at the given cycle.
func (s *Spawner) SpawnPopulation(count int, cycle uint64) []*Agent {
	out := make([]*Agent, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, s.spawnOne(cycle))
	}
	return out
}

func (s *Spawner) spawnOne(cycle uint64) *Agent {
	id := s.nextID
	s.nextID++

	key := func(trait string) entropy.Key {
		return entropy.NewKey("spawn."+trait, cycle).Agent(uint64(id))
	}

	temperament := Temperament(s.src.Int(0, 3, key("temperament")))

	// Base traits, then nudged by temperament.
	diplomacy := s.src.Float(key("diplomacy"))
	loyalty := s.src.Float(key("loyalty"))
	ambition := s.src.Float(key("ambition"))
	switch temperament {
	case Zealot:
		loyalty = 0.6 + loyalty*0.4
	case Opportunist:
		loyalty *= 0.5
	case Diplomat:
		diplomacy = 0.5 + diplomacy*0.5
	case Schemer:
		ambition = 0.6 + ambition*0.4
	}

	return &Agent{
		ID:          id,
		Name:        s.generateName(key("name")),
		Temperament: temperament,
		Diplomacy:   diplomacy,
		Loyalty:     loyalty,
		Ambition:    ambition,
		Wealth:      float64(s.src.Int(5, 60, key("wealth"))),
		BornCycle:   cycle,
		Alive:       true,
	}
}

var (
	namePrefixes = []string{
		"Ash", "Bel", "Cor", "Dra", "Eli", "Fen", "Gor", "Hal", "Isa", "Jor",
		"Kel", "Lum", "Mor", "Nyx", "Ori", "Pel", "Qua", "Rav", "Syl", "Tor",
	}
	nameSuffixes = []string{
		"ric", "wen", "mir", "dra", "ven", "los", "tha", "nor", "ael", "rin",
	}
	epithets = []string{
		"the Devout", "the Hollow", "of the Ember", "the Whisperer", "the Bold",
		"of the Veil", "the Unbound", "the Quiet",
	}
)

func (s *Spawner) generateName(k entropy.Key) string {
	prefix := entropy.Choose(s.src, namePrefixes, k.With("prefix"))
	suffix := entropy.Choose(s.src, nameSuffixes, k.With("suffix"))
	epithet := entropy.Choose(s.src, epithets, k.With("epithet"))
	return fmt.Sprintf("%s%s %s", prefix, suffix, epithet)
}
