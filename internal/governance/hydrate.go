package governance

import (
	"log/slog"
	"sort"
)

// HydrateReport summarizes a Hydrate call.
type HydrateReport struct {
	Memberships     int `json:"memberships"`
	Offers          int `json:"offers"`
	PendingSwitches int `json:"pending_switches"`
	Elections       int `json:"elections"`
	OpenElections   int `json:"open_elections"`
	Payouts         int `json:"payouts"`
	Repairs         int `json:"repairs"`
}

// Hydrate replaces all engine state with snap and rebuilds the derived
// indexes: active membership per agent, pending switch per agent, open
// election and leadership per faction. Rows that break an invariant are
// repaired, logged and replicated; hydration itself never fails.
func (e *Engine) Hydrate(snap Snapshot) HydrateReport {
	e.lock()
	defer e.unlock()

	e.reset()
	var rep HydrateReport

	memberships := append([]Membership(nil), snap.Memberships...)
	sort.Slice(memberships, func(i, j int) bool { return memberships[i].ID < memberships[j].ID })
	for _, row := range memberships {
		m := copyMembership(row)
		e.memberships[m.ID] = &m
		if m.ID >= e.nextMembershipID {
			e.nextMembershipID = m.ID + 1
		}
		if !m.Active {
			continue
		}
		if prev, ok := e.active[m.AgentID]; ok {
			left := m.JoinedAt
			prev.Active = false
			prev.LeftAt = &left
			prev.LeaveReason = ReasonRepair
			e.replicate(Write{Kind: WriteMembershipUpdate, Membership: copyMembership(*prev)})
			slog.Warn("hydrate: duplicate active membership", "agent", m.AgentID, "deactivated", prev.ID, "kept", m.ID)
			rep.Repairs++
		}
		e.active[m.AgentID] = &m
	}
	rep.Memberships = len(e.memberships)

	offers := append([]BribeOffer(nil), snap.Offers...)
	sort.Slice(offers, func(i, j int) bool { return offers[i].ID < offers[j].ID })
	for _, row := range offers {
		o := copyOffer(row)
		e.offers[o.ID] = &o
		if o.ID >= e.nextOfferID {
			e.nextOfferID = o.ID + 1
		}
		if o.Status != BribeAccepted {
			continue
		}
		if prev, ok := e.pending[o.ToAgentID]; ok {
			old := e.offers[prev.OfferID]
			old.Status = BribeExpired
			e.replicate(Write{Kind: WriteOfferUpsert, Offer: copyOffer(*old)})
			slog.Warn("hydrate: superseded pending bribe", "agent", o.ToAgentID, "expired", old.ID, "kept", o.ID)
			rep.Repairs++
		}
		accepted := o.CreatedAt
		if o.AcceptedAt != nil {
			accepted = *o.AcceptedAt
		}
		ps := &PendingSwitch{
			OfferID:          o.ID,
			TargetFactionID:  o.TargetFactionID,
			NormalizedAmount: NormalizeAmount(ParseAmount(o.Amount)),
			AcceptedAt:       accepted,
		}
		if o.ExpiresAt != nil {
			t := *o.ExpiresAt
			ps.ExpiresAt = &t
		}
		e.pending[o.ToAgentID] = ps
	}
	rep.Offers = len(e.offers)
	rep.PendingSwitches = len(e.pending)

	elections := append([]LeadershipElection(nil), snap.Elections...)
	sort.Slice(elections, func(i, j int) bool {
		if elections[i].FactionID != elections[j].FactionID {
			return elections[i].FactionID < elections[j].FactionID
		}
		if elections[i].RoundIndex != elections[j].RoundIndex {
			return elections[i].RoundIndex < elections[j].RoundIndex
		}
		return elections[i].ID < elections[j].ID
	})
	for _, row := range elections {
		el := copyElection(row)
		e.elections[el.ID] = &el
		if el.ID >= e.nextElectionID {
			e.nextElectionID = el.ID + 1
		}
		fs := e.faction(el.FactionID)
		fs.elections = append(fs.elections, el.ID)
		if el.RoundIndex > fs.round {
			fs.round = el.RoundIndex
		}

		switch el.Status {
		case ElectionOpen:
			if fs.openElection != 0 {
				old := e.elections[fs.openElection]
				closed := el.OpenedAt
				old.Status = ElectionCancelled
				old.ClosedAt = &closed
				e.replicate(Write{Kind: WriteElectionUpdate, Election: copyElection(*old)})
				slog.Warn("hydrate: duplicate open election", "faction", el.FactionID, "cancelled", old.ID, "kept", el.ID)
				rep.Repairs++
			}
			fs.openElection = el.ID
		case ElectionClosed:
			if el.WinnerAgentID == nil {
				continue
			}
			updated := el.OpenedAt
			if el.ClosedAt != nil {
				updated = *el.ClosedAt
			}
			fs.leadership = &LeadershipState{
				FactionID:      el.FactionID,
				LeaderAgentID:  *el.WinnerAgentID,
				RoundIndex:     el.RoundIndex,
				ElectionID:     el.ID,
				UpdatedAtCycle: updated,
			}
		}
	}
	rep.Elections = len(e.elections)
	for _, fs := range e.factions {
		if fs.openElection != 0 {
			rep.OpenElections++
		}
	}

	e.payouts = append([]Payout(nil), snap.Payouts...)
	sort.Slice(e.payouts, func(i, j int) bool { return e.payouts[i].ID < e.payouts[j].ID })
	for _, p := range e.payouts {
		if p.ID >= e.nextPayoutID {
			e.nextPayoutID = p.ID + 1
		}
	}
	rep.Payouts = len(e.payouts)

	for _, c := range snap.Cursors {
		fs := e.faction(c.FactionID)
		if c.NextElectionCycle != nil {
			v := *c.NextElectionCycle
			fs.nextElection = &v
		}
		if c.LastProcessedCycle != nil {
			v := *c.LastProcessedCycle
			fs.lastProcessed = &v
		}
	}
	// An open election supersedes any stale schedule.
	for _, fs := range e.factions {
		if fs.openElection != 0 {
			fs.nextElection = nil
		}
	}

	slog.Info("governance hydrated",
		"memberships", rep.Memberships,
		"active", len(e.active),
		"offers", rep.Offers,
		"pending", rep.PendingSwitches,
		"elections", rep.Elections,
		"open", rep.OpenElections,
		"repairs", rep.Repairs,
	)
	return rep
}
