// Membership management: exclusive, append-only faction membership.
package governance

import (
	"fmt"
	"sort"

	"github.com/talgya/cult-world/internal/agents"
	"github.com/talgya/cult-world/internal/social"
)

// JoinRequest describes a membership to ensure.
type JoinRequest struct {
	AgentID       agents.AgentID
	FactionID     social.FactionID
	Role          Role
	Reason        string
	SourceBribeID *int64
	Cycle         uint64 // for event attribution only
}

// EnsureMembership makes req.FactionID the agent's active faction. If the
// agent is already active there the existing record is returned unchanged;
// otherwise any prior active record is deactivated and a new one inserted.
func (e *Engine) EnsureMembership(req JoinRequest) Membership {
	e.lock()
	defer e.unlock()
	return copyMembership(*e.ensureMembershipLocked(req))
}

// RemoveMembership deactivates the agent's membership in factionID without a
// replacement. It is a no-op unless factionID is the agent's active faction.
func (e *Engine) RemoveMembership(agentID agents.AgentID, factionID social.FactionID, reason string) bool {
	e.lock()
	defer e.unlock()
	return e.removeMembershipLocked(agentID, factionID, reason, 0)
}

// FactionOf returns the agent's active faction.
func (e *Engine) FactionOf(agentID agents.AgentID) (social.FactionID, bool) {
	e.lock()
	defer e.unlock()
	m, ok := e.active[agentID]
	if !ok {
		return 0, false
	}
	return m.FactionID, true
}

// ActiveMembership returns the agent's active membership record.
func (e *Engine) ActiveMembership(agentID agents.AgentID) (Membership, bool) {
	e.lock()
	defer e.unlock()
	m, ok := e.active[agentID]
	if !ok {
		return Membership{}, false
	}
	return copyMembership(*m), true
}

// Members returns the active memberships of a faction, oldest first.
func (e *Engine) Members(factionID social.FactionID) []Membership {
	e.lock()
	defer e.unlock()
	members := e.membersLocked(factionID)
	out := make([]Membership, len(members))
	for i, m := range members {
		out[i] = copyMembership(*m)
	}
	return out
}

// MembershipHistory returns every record for an agent, oldest first.
func (e *Engine) MembershipHistory(agentID agents.AgentID) []Membership {
	e.lock()
	defer e.unlock()
	var out []Membership
	for _, m := range e.memberships {
		if m.AgentID == agentID {
			out = append(out, copyMembership(*m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FactionSizes returns the number of active members per faction.
func (e *Engine) FactionSizes() map[social.FactionID]int {
	e.lock()
	defer e.unlock()
	sizes := make(map[social.FactionID]int)
	for _, m := range e.active {
		sizes[m.FactionID]++
	}
	return sizes
}

// membersLocked orders by join time, then by id for records joined in the
// same instant.
func (e *Engine) membersLocked(factionID social.FactionID) []*Membership {
	var out []*Membership
	for _, m := range e.active {
		if m.FactionID == factionID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) ensureMembershipLocked(req JoinRequest) *Membership {
	if cur, ok := e.active[req.AgentID]; ok {
		if cur.FactionID == req.FactionID {
			return cur
		}
		e.deactivateLocked(cur, ReasonReplaced, req.Cycle)
	}

	role := req.Role
	if role == "" {
		role = RoleMember
	}
	m := &Membership{
		ID:         e.nextMembershipID,
		AgentID:    req.AgentID,
		FactionID:  req.FactionID,
		Role:       role,
		Active:     true,
		JoinedAt:   e.now().UTC(),
		JoinReason: req.Reason,
	}
	if req.SourceBribeID != nil {
		id := *req.SourceBribeID
		m.SourceBribeID = &id
	}
	e.nextMembershipID++
	e.memberships[m.ID] = m
	e.active[m.AgentID] = m

	e.replicate(Write{Kind: WriteMembershipInsert, Membership: copyMembership(*m)})
	e.emit(req.Cycle, CategoryMembership,
		fmt.Sprintf("agent %d joined faction %d as %s (%s)", m.AgentID, m.FactionID, m.Role, m.JoinReason),
		map[string]any{
			"agent_id":   uint64(m.AgentID),
			"faction_id": uint64(m.FactionID),
			"role":       string(m.Role),
			"reason":     m.JoinReason,
		})
	return m
}

func (e *Engine) removeMembershipLocked(agentID agents.AgentID, factionID social.FactionID, reason string, cycle uint64) bool {
	cur, ok := e.active[agentID]
	if !ok || cur.FactionID != factionID {
		return false
	}
	e.deactivateLocked(cur, reason, cycle)
	return true
}

func (e *Engine) deactivateLocked(m *Membership, reason string, cycle uint64) {
	left := e.now().UTC()
	m.Active = false
	m.LeftAt = &left
	m.LeaveReason = reason
	if e.active[m.AgentID] == m {
		delete(e.active, m.AgentID)
	}

	e.replicate(Write{Kind: WriteMembershipUpdate, Membership: copyMembership(*m)})
	e.emit(cycle, CategoryMembership,
		fmt.Sprintf("agent %d left faction %d (%s)", m.AgentID, m.FactionID, reason),
		map[string]any{
			"agent_id":   uint64(m.AgentID),
			"faction_id": uint64(m.FactionID),
			"reason":     reason,
		})
}

// setRoleLocked re-records an agent's active membership in factionID with a
// new role. Nothing happens if the agent is not active there or already
// holds the role.
func (e *Engine) setRoleLocked(agentID agents.AgentID, factionID social.FactionID, role Role, cycle uint64) {
	cur, ok := e.active[agentID]
	if !ok || cur.FactionID != factionID || cur.Role == role {
		return
	}
	e.deactivateLocked(cur, ReasonRoleChange, cycle)
	e.ensureMembershipLocked(JoinRequest{
		AgentID:   agentID,
		FactionID: factionID,
		Role:      role,
		Reason:    ReasonElection,
		Cycle:     cycle,
	})
}
