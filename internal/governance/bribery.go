// Bribery influence: proposal, immediate accept/reject, and the delayed,
// probabilistic faction switch.
package governance

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/talgya/cult-world/internal/agents"
	"github.com/talgya/cult-world/internal/entropy"
	"github.com/talgya/cult-world/internal/social"
)

// Randomness domains used by the bribery model.
const (
	domainAcceptNoise = "bribe.accept_noise"
	domainAcceptDraw  = "bribe.accept_draw"
	domainSwitchNoise = "bribe.switch_noise"
	domainSwitchDraw  = "bribe.switch_draw"
)

// bribeNoise is the amplitude of the keyed noise term in both bribe models.
const bribeNoise = 0.06

// NormalizeAmount maps a bribe amount onto [0, 1] with a saturating
// logarithmic curve: ten coins is full influence.
func NormalizeAmount(amount float64) float64 {
	if amount <= 0 || math.IsNaN(amount) {
		return 0
	}
	return clamp(math.Log10(1+amount)/math.Log10(11), 0, 1)
}

// AcceptanceProbability is the chance a bribe is provisionally accepted.
// It rises with money, diplomacy and trust in the briber, falls with loyalty,
// and never leaves [0.05, 0.95].
func AcceptanceProbability(normalizedAmount, diplomacy, trustToBriber, loyalty, noise float64) float64 {
	p := 0.18 +
		0.42*normalizedAmount +
		0.18*diplomacy +
		0.17*trustToBriber -
		0.12*loyalty +
		noise
	return clamp(p, 0.05, 0.95)
}

// SwitchProbability is the per-cycle chance an accepted bribe turns into an
// actual defection.
func SwitchProbability(normalizedAmount, targetGroupStrength, currentLeaderTrust, noise float64) float64 {
	p := 0.15 +
		0.55*normalizedAmount +
		0.2*targetGroupStrength -
		0.2*currentLeaderTrust +
		noise
	return clamp(p, 0, 0.98)
}

// FormatAmount renders an amount as the decimal string stored on offers.
func FormatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}

// ParseAmount reads a stored decimal amount. Malformed values read as zero.
func ParseAmount(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// BribeRequest is the input to ProposeBribe.
type BribeRequest struct {
	FromAgentID     agents.AgentID
	ToAgentID       agents.AgentID
	TargetFactionID social.FactionID
	Purpose         string
	Amount          float64
	Cycle           uint64

	Diplomacy     float64 // recipient's diplomacy, 0–1
	TrustToBriber float64 // recipient's trust in the briber, 0–1
	Loyalty       float64 // recipient's loyalty to its current faction, 0–1

	// ExpiresInCycles bounds how long an accepted offer may wait for the
	// switch. Zero means no deadline.
	ExpiresInCycles int
}

// ProposeBribe records an offer and decides acceptance with one keyed draw.
// An accepted offer registers a pending switch for the recipient; the
// faction change itself happens later in MaybeSwitchAfterBribe.
func (e *Engine) ProposeBribe(req BribeRequest) BribeOffer {
	e.lock()
	defer e.unlock()

	now := e.now().UTC()
	offer := &BribeOffer{
		ID:              e.nextOfferID,
		FromAgentID:     req.FromAgentID,
		ToAgentID:       req.ToAgentID,
		TargetFactionID: req.TargetFactionID,
		Purpose:         req.Purpose,
		Amount:          FormatAmount(req.Amount),
		Status:          BribePending,
		Cycle:           req.Cycle,
		CreatedAt:       now,
	}
	e.nextOfferID++
	e.offers[offer.ID] = offer

	normalized := NormalizeAmount(req.Amount)
	base := entropy.NewKey("", req.Cycle).
		Faction(uint64(req.TargetFactionID)).
		Agent(uint64(req.ToAgentID)).
		With(fmt.Sprintf("offer:%d", offer.ID))

	noiseKey := base
	noiseKey.Domain = domainAcceptNoise
	drawKey := base
	drawKey.Domain = domainAcceptDraw

	noise := e.src.Signed(noiseKey, bribeNoise)
	p := AcceptanceProbability(normalized, req.Diplomacy, req.TrustToBriber, req.Loyalty, noise)
	offer.AcceptanceProbability = p
	draw := e.src.Float(drawKey)

	slog.Debug("bribe acceptance draw",
		"offer", offer.ID,
		"probability", fmt.Sprintf("%.4f", p),
		"draw", fmt.Sprintf("%.4f", draw),
		"noise_key", noiseKey.String(),
		"draw_key", drawKey.String(),
	)

	if draw <= p {
		offer.Status = BribeAccepted
		accepted := now
		offer.AcceptedAt = &accepted
		if req.ExpiresInCycles > 0 {
			deadline := accepted.Add(time.Duration(int64(req.ExpiresInCycles)*e.tune.BribeMillisPerCycle) * time.Millisecond)
			offer.ExpiresAt = &deadline
		}
		e.supersedePendingLocked(req.ToAgentID, req.Cycle)
		e.pending[req.ToAgentID] = &PendingSwitch{
			OfferID:          offer.ID,
			TargetFactionID:  req.TargetFactionID,
			NormalizedAmount: normalized,
			AcceptedAt:       accepted,
			ExpiresAt:        offer.ExpiresAt,
		}
	} else {
		offer.Status = BribeRejected
	}

	e.replicate(Write{Kind: WriteOfferUpsert, Offer: copyOffer(*offer)})
	e.emit(req.Cycle, CategoryBribe,
		fmt.Sprintf("agent %d offered agent %d %s coins to join faction %d: %s", offer.FromAgentID, offer.ToAgentID, offer.Amount, offer.TargetFactionID, offer.Status),
		map[string]any{
			"offer_id":    offer.ID,
			"from":        uint64(offer.FromAgentID),
			"to":          uint64(offer.ToAgentID),
			"faction_id":  uint64(offer.TargetFactionID),
			"amount":      offer.Amount,
			"status":      string(offer.Status),
			"probability": p,
		})
	return copyOffer(*offer)
}

// supersedePendingLocked expires the agent's current pending offer, if any,
// because a newer acceptance replaces it.
func (e *Engine) supersedePendingLocked(agentID agents.AgentID, cycle uint64) {
	ps, ok := e.pending[agentID]
	if !ok {
		return
	}
	delete(e.pending, agentID)
	if old, ok := e.offers[ps.OfferID]; ok && old.Status == BribeAccepted {
		e.setOfferStatusLocked(old, BribeExpired, cycle, "superseded")
	}
}

func (e *Engine) setOfferStatusLocked(o *BribeOffer, status BribeStatus, cycle uint64, why string) {
	o.Status = status
	e.replicate(Write{Kind: WriteOfferUpsert, Offer: copyOffer(*o)})
	e.emit(cycle, CategoryBribe,
		fmt.Sprintf("bribe %d to agent %d %s (%s)", o.ID, o.ToAgentID, status, why),
		map[string]any{
			"offer_id": o.ID,
			"to":       uint64(o.ToAgentID),
			"status":   string(status),
			"reason":   why,
		})
}

// SwitchRequest is the input to MaybeSwitchAfterBribe.
type SwitchRequest struct {
	AgentID          agents.AgentID
	CurrentFactionID social.FactionID // zero when the agent has no faction
	Cycle            uint64

	TargetGroupStrength float64 // 0–1
	CurrentLeaderTrust  float64 // 0–1
}

// SwitchResult reports what MaybeSwitchAfterBribe did.
type SwitchResult struct {
	OfferID       int64            `json:"offer_id,omitempty"`
	Switched      bool             `json:"switched"`
	Expired       bool             `json:"expired"`
	StillPending  bool             `json:"still_pending"`
	Probability   float64          `json:"probability"`
	FromFactionID social.FactionID `json:"from_faction_id,omitempty"`
	NewFactionID  social.FactionID `json:"new_faction_id,omitempty"`
}

// MaybeSwitchAfterBribe gives an agent with an accepted bribe one chance to
// defect. Agents without a pending bribe get a zero result.
func (e *Engine) MaybeSwitchAfterBribe(req SwitchRequest) SwitchResult {
	e.lock()
	defer e.unlock()

	ps, ok := e.pending[req.AgentID]
	if !ok {
		return SwitchResult{}
	}
	res := SwitchResult{OfferID: ps.OfferID}
	offer := e.offers[ps.OfferID]

	if ps.ExpiresAt != nil && e.now().After(*ps.ExpiresAt) {
		delete(e.pending, req.AgentID)
		if offer != nil {
			e.setOfferStatusLocked(offer, BribeExpired, req.Cycle, "deadline passed")
		}
		res.Expired = true
		return res
	}

	base := entropy.NewKey("", req.Cycle).
		Agent(uint64(req.AgentID)).
		With(fmt.Sprintf("offer:%d", ps.OfferID))
	noiseKey := base
	noiseKey.Domain = domainSwitchNoise
	drawKey := base
	drawKey.Domain = domainSwitchDraw

	noise := e.src.Signed(noiseKey, bribeNoise)
	p := SwitchProbability(ps.NormalizedAmount, req.TargetGroupStrength, req.CurrentLeaderTrust, noise)
	res.Probability = p
	draw := e.src.Float(drawKey)

	slog.Debug("bribe switch draw",
		"agent", req.AgentID,
		"offer", ps.OfferID,
		"probability", fmt.Sprintf("%.4f", p),
		"draw", fmt.Sprintf("%.4f", draw),
		"draw_key", drawKey.String(),
	)

	if draw > p {
		res.StillPending = true
		return res
	}

	if req.CurrentFactionID != 0 {
		e.removeMembershipLocked(req.AgentID, req.CurrentFactionID, ReasonBribeSwitch, req.Cycle)
	}
	offerID := ps.OfferID
	e.ensureMembershipLocked(JoinRequest{
		AgentID:       req.AgentID,
		FactionID:     ps.TargetFactionID,
		Role:          RoleMember,
		Reason:        ReasonBribeSwitch,
		SourceBribeID: &offerID,
		Cycle:         req.Cycle,
	})
	delete(e.pending, req.AgentID)
	if offer != nil {
		e.setOfferStatusLocked(offer, BribeExecuted, req.Cycle, "switched faction")
	}

	res.Switched = true
	res.FromFactionID = req.CurrentFactionID
	res.NewFactionID = ps.TargetFactionID
	return res
}

// ExpireOffers expires every pending switch whose deadline has passed,
// without drawing. It returns the expired offer ids.
func (e *Engine) ExpireOffers(cycle uint64) []int64 {
	e.lock()
	defer e.unlock()

	now := e.now()
	var expired []int64
	for agentID, ps := range e.pending {
		if ps.ExpiresAt == nil || !now.After(*ps.ExpiresAt) {
			continue
		}
		delete(e.pending, agentID)
		if o, ok := e.offers[ps.OfferID]; ok {
			e.setOfferStatusLocked(o, BribeExpired, cycle, "deadline passed")
		}
		expired = append(expired, ps.OfferID)
	}
	sortInt64s(expired)
	return expired
}

// PendingSwitch returns the agent's pending switch, if any.
func (e *Engine) PendingSwitch(agentID agents.AgentID) (PendingSwitch, bool) {
	e.lock()
	defer e.unlock()
	ps, ok := e.pending[agentID]
	if !ok {
		return PendingSwitch{}, false
	}
	return *ps, true
}

// PendingAgents returns agents with a pending switch, by id.
func (e *Engine) PendingAgents() []agents.AgentID {
	e.lock()
	defer e.unlock()
	out := make([]agents.AgentID, 0, len(e.pending))
	for id := range e.pending {
		out = append(out, id)
	}
	sortAgentIDs(out)
	return out
}

// Offer returns an offer by id.
func (e *Engine) Offer(id int64) (BribeOffer, bool) {
	e.lock()
	defer e.unlock()
	o, ok := e.offers[id]
	if !ok {
		return BribeOffer{}, false
	}
	return copyOffer(*o), true
}

// OfferFilter narrows Offers. Zero fields match everything.
type OfferFilter struct {
	Status    BribeStatus
	AgentID   agents.AgentID // matches sender or recipient
	FactionID social.FactionID
}

// Offers returns matching offers by id.
func (e *Engine) Offers(f OfferFilter) []BribeOffer {
	e.lock()
	defer e.unlock()
	var out []BribeOffer
	for _, o := range e.offers {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.AgentID != 0 && o.FromAgentID != f.AgentID && o.ToAgentID != f.AgentID {
			continue
		}
		if f.FactionID != 0 && o.TargetFactionID != f.FactionID {
			continue
		}
		out = append(out, copyOffer(*o))
	}
	sortOffers(out)
	return out
}

// bribeBiasLocked returns the normalized amount of the most recent accepted
// or executed bribe paid to voter for factionID, with that offer's id.
func (e *Engine) bribeBiasLocked(voter agents.AgentID, factionID social.FactionID) (float64, *int64) {
	var best *BribeOffer
	for _, o := range e.offers {
		if o.ToAgentID != voter || o.TargetFactionID != factionID {
			continue
		}
		if o.Status != BribeAccepted && o.Status != BribeExecuted {
			continue
		}
		if best == nil || o.ID > best.ID {
			best = o
		}
	}
	if best == nil {
		return 0, nil
	}
	id := best.ID
	return NormalizeAmount(ParseAmount(best.Amount)), &id
}
