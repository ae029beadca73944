package journal

import (
	"sort"

	"github.com/talgya/cult-world/internal/governance"
)

// Filter narrows the events an audit looks at. Zero fields match anything.
type Filter struct {
	Category  string
	FactionID uint64
	FromCycle uint64
	ToCycle   uint64 // inclusive; 0 means no upper bound
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev governance.Event) bool {
	if f.Category != "" && ev.Category != f.Category {
		return false
	}
	if ev.Cycle < f.FromCycle || (f.ToCycle != 0 && ev.Cycle > f.ToCycle) {
		return false
	}
	if f.FactionID != 0 {
		id, ok := metaUint(ev.Meta, "faction_id")
		if !ok || id != f.FactionID {
			return false
		}
	}
	return true
}

// FactionTally counts governance activity for one faction.
type FactionTally struct {
	FactionID uint64
	Joins     int
	Leaves    int
	Bribes    int
	Elections int
	Payouts   int
	Leaders   []uint64 // election winners in order
}

// Summary aggregates a journal.
type Summary struct {
	Events     int
	FirstCycle uint64
	LastCycle  uint64
	ByCategory map[string]int
	Factions   []FactionTally // by faction id
}

// Summarize tallies the events that pass f.
func Summarize(events []governance.Event, f Filter) Summary {
	s := Summary{ByCategory: make(map[string]int)}
	tallies := make(map[uint64]*FactionTally)
	tally := func(id uint64) *FactionTally {
		t, ok := tallies[id]
		if !ok {
			t = &FactionTally{FactionID: id}
			tallies[id] = t
		}
		return t
	}

	for _, ev := range events {
		if !f.Match(ev) {
			continue
		}
		if s.Events == 0 || ev.Cycle < s.FirstCycle {
			s.FirstCycle = ev.Cycle
		}
		if ev.Cycle > s.LastCycle {
			s.LastCycle = ev.Cycle
		}
		s.Events++
		s.ByCategory[ev.Category]++

		fid, ok := metaUint(ev.Meta, "faction_id")
		if !ok {
			continue
		}
		t := tally(fid)
		switch ev.Category {
		case governance.CategoryMembership:
			if _, joined := ev.Meta["role"]; joined {
				t.Joins++
			} else {
				t.Leaves++
			}
		case governance.CategoryBribe:
			if _, proposed := ev.Meta["from"]; proposed {
				t.Bribes++
			}
		case governance.CategoryElection:
			if w, ok := metaUint(ev.Meta, "winner"); ok {
				t.Elections++
				t.Leaders = append(t.Leaders, w)
			}
		case governance.CategoryPayout:
			t.Payouts++
		}
	}

	for _, t := range tallies {
		s.Factions = append(s.Factions, *t)
	}
	sort.Slice(s.Factions, func(i, j int) bool { return s.Factions[i].FactionID < s.Factions[j].FactionID })
	return s
}

// metaUint reads a numeric meta field. Values decoded from the journal are
// float64; values emitted in process are their original integer types.
func metaUint(meta map[string]any, key string) (uint64, bool) {
	switch v := meta[key].(type) {
	case float64:
		return uint64(v), v >= 0
	case uint64:
		return v, true
	case int64:
		return uint64(v), v >= 0
	case int:
		return uint64(v), v >= 0
	}
	return 0, false
}
