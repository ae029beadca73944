// Factions: the cults agents belong to. Membership and leadership live in
// the governance engine; this file only holds identity and treasury.
package social

import "sort"

// FactionID is a unique identifier for a faction. Zero means "no faction".
type FactionID uint64

// Faction represents a cult with a pooled treasury.
type Faction struct {
	ID       FactionID `json:"id"`
	Name     string    `json:"name"`
	Creed    string    `json:"creed,omitempty"`
	Treasury float64   `json:"treasury"`
}

// FactionSeed describes a faction to create at world start.
type FactionSeed struct {
	ID       FactionID
	Name     string
	Creed    string
	Treasury float64
}

// SeedFactions builds factions from seeds, ordered by ID.
func SeedFactions(seeds []FactionSeed) []*Faction {
	out := make([]*Faction, 0, len(seeds))
	for _, s := range seeds {
		out = append(out, &Faction{
			ID:       s.ID,
			Name:     s.Name,
			Creed:    s.Creed,
			Treasury: s.Treasury,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultSeeds returns the five founding cults.
func DefaultSeeds() []FactionSeed {
	return []FactionSeed{
		{ID: 1, Name: "Order of the Pale Flame", Creed: "purity through fire", Treasury: 500},
		{ID: 2, Name: "Children of the Tide", Creed: "all returns to the sea", Treasury: 420},
		{ID: 3, Name: "The Gilded Eye", Creed: "wealth is revelation", Treasury: 800},
		{ID: 4, Name: "Circle of Ash", Creed: "endings are sacred", Treasury: 260},
		{ID: 5, Name: "The Quiet Choir", Creed: "silence binds", Treasury: 340},
	}
}
