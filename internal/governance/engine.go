package governance

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/talgya/cult-world/internal/agents"
	"github.com/talgya/cult-world/internal/entropy"
	"github.com/talgya/cult-world/internal/social"
)

// Tuning holds the scheduling constants. Defaults match the simulation's
// published timing; changing them changes observable behavior.
type Tuning struct {
	ElectionMinGap      int   // cycles between elections, lower bound
	ElectionMaxGap      int   // cycles between elections, upper bound
	VotingWindow        int   // cycles an election stays open
	BribeMillisPerCycle int64 // real-time length of one bribe-expiry cycle
}

// DefaultTuning returns the standard timing.
func DefaultTuning() Tuning {
	return Tuning{
		ElectionMinGap:      24,
		ElectionMaxGap:      48,
		VotingWindow:        4,
		BribeMillisPerCycle: 30000,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithReplicator sets where state changes are replicated.
func WithReplicator(r Replicator) Option {
	return func(e *Engine) { e.repl = r }
}

// WithClock overrides the wall clock used for timestamps and bribe deadlines.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEventSink sets the receiver of governance events.
func WithEventSink(s EventSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithTuning overrides the default timing.
func WithTuning(t Tuning) Option {
	return func(e *Engine) { e.tune = t }
}

type factionState struct {
	openElection  int64 // 0 when none
	nextElection  *uint64
	lastProcessed *uint64
	round         int
	elections     []int64 // ids in round order
	leadership    *LeadershipState
}

// Stats counts engine activity since start.
type Stats struct {
	Memberships         int `json:"memberships"`
	ActiveMemberships   int `json:"active_memberships"`
	Offers              int `json:"offers"`
	PendingSwitches     int `json:"pending_switches"`
	Elections           int `json:"elections"`
	Payouts             int `json:"payouts"`
	ReplicationFailures int `json:"replication_failures"`
}

// Engine owns memberships, bribe offers and elections. Each exported method
// runs under one mutex, so operations touching the same faction are
// serialized and no agent ever has two active memberships.
type Engine struct {
	mu sync.Mutex

	src   *entropy.Source
	trust TrustLedger
	repl  Replicator
	sink  EventSink
	now   func() time.Time
	tune  Tuning

	memberships map[int64]*Membership
	active      map[agents.AgentID]*Membership
	offers      map[int64]*BribeOffer
	pending     map[agents.AgentID]*PendingSwitch
	elections   map[int64]*LeadershipElection
	factions    map[social.FactionID]*factionState
	payouts     []Payout

	nextMembershipID int64
	nextOfferID      int64
	nextElectionID   int64
	nextPayoutID     int64

	replFailures int
	outbox       []Event
}

// New creates an empty engine. trust may be nil, in which case every pair of
// agents is treated as neutral.
func New(src *entropy.Source, trust TrustLedger, opts ...Option) *Engine {
	e := &Engine{
		src:   src,
		trust: trust,
		now:   time.Now,
		tune:  DefaultTuning(),
	}
	e.reset()
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) reset() {
	e.memberships = make(map[int64]*Membership)
	e.active = make(map[agents.AgentID]*Membership)
	e.offers = make(map[int64]*BribeOffer)
	e.pending = make(map[agents.AgentID]*PendingSwitch)
	e.elections = make(map[int64]*LeadershipElection)
	e.factions = make(map[social.FactionID]*factionState)
	e.payouts = nil
	e.nextMembershipID = 1
	e.nextOfferID = 1
	e.nextElectionID = 1
	e.nextPayoutID = 1
}

// lock and unlock bracket every exported operation. Events queued while
// holding the lock are delivered after it is released.
func (e *Engine) lock() {
	e.mu.Lock()
}

func (e *Engine) unlock() {
	events := e.outbox
	e.outbox = nil
	e.mu.Unlock()
	if e.sink == nil {
		return
	}
	for _, ev := range events {
		e.sink.Emit(ev)
	}
}

func (e *Engine) emit(cycle uint64, category, description string, meta map[string]any) {
	e.outbox = append(e.outbox, Event{
		Cycle:       cycle,
		Time:        e.now().UTC(),
		Category:    category,
		Description: description,
		Meta:        meta,
	})
}

// replicate hands a write to the replicator. Failures are logged and
// counted; the in-memory transition already happened and stands.
func (e *Engine) replicate(w Write) {
	if e.repl == nil {
		return
	}
	if err := e.repl.Replicate(w); err != nil {
		e.replFailures++
		slog.Warn("governance replication failed", "kind", w.Kind, "entity", w.EntityID(), "error", err)
	}
}

func (e *Engine) faction(id social.FactionID) *factionState {
	fs, ok := e.factions[id]
	if !ok {
		fs = &factionState{}
		e.factions[id] = fs
	}
	return fs
}

// normalizeTrust maps a ledger score in [-1, 1] to [0, 1].
func (e *Engine) normalizeTrust(from, to agents.AgentID) float64 {
	if e.trust == nil {
		return 0.5
	}
	return clamp((e.trust.Trust(from, to)+1)/2, 0, 1)
}

// Source returns the randomness source the engine draws from.
func (e *Engine) Source() *entropy.Source {
	return e.src
}

// Stats returns activity counters.
func (e *Engine) Stats() Stats {
	e.lock()
	defer e.unlock()
	return Stats{
		Memberships:         len(e.memberships),
		ActiveMemberships:   len(e.active),
		Offers:              len(e.offers),
		PendingSwitches:     len(e.pending),
		Elections:           len(e.elections),
		Payouts:             len(e.payouts),
		ReplicationFailures: e.replFailures,
	}
}

// Snapshot returns a deep copy of all owned state, in the same shape that
// Hydrate accepts.
func (e *Engine) Snapshot() Snapshot {
	e.lock()
	defer e.unlock()

	var snap Snapshot
	for _, m := range e.memberships {
		snap.Memberships = append(snap.Memberships, copyMembership(*m))
	}
	sort.Slice(snap.Memberships, func(i, j int) bool { return snap.Memberships[i].ID < snap.Memberships[j].ID })

	for _, o := range e.offers {
		snap.Offers = append(snap.Offers, copyOffer(*o))
	}
	sort.Slice(snap.Offers, func(i, j int) bool { return snap.Offers[i].ID < snap.Offers[j].ID })

	for _, el := range e.elections {
		snap.Elections = append(snap.Elections, copyElection(*el))
	}
	sort.Slice(snap.Elections, func(i, j int) bool { return snap.Elections[i].ID < snap.Elections[j].ID })

	snap.Payouts = append(snap.Payouts, e.payouts...)

	ids := make([]social.FactionID, 0, len(e.factions))
	for id := range e.factions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		snap.Cursors = append(snap.Cursors, e.cursorLocked(id))
	}
	return snap
}

func (e *Engine) cursorLocked(id social.FactionID) Cursor {
	fs := e.faction(id)
	c := Cursor{FactionID: id}
	if fs.nextElection != nil {
		v := *fs.nextElection
		c.NextElectionCycle = &v
	}
	if fs.lastProcessed != nil {
		v := *fs.lastProcessed
		c.LastProcessedCycle = &v
	}
	return c
}

func copyMembership(m Membership) Membership {
	if m.LeftAt != nil {
		t := *m.LeftAt
		m.LeftAt = &t
	}
	if m.SourceBribeID != nil {
		id := *m.SourceBribeID
		m.SourceBribeID = &id
	}
	return m
}

func copyOffer(o BribeOffer) BribeOffer {
	if o.AcceptedAt != nil {
		t := *o.AcceptedAt
		o.AcceptedAt = &t
	}
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		o.ExpiresAt = &t
	}
	return o
}

func copyElection(el LeadershipElection) LeadershipElection {
	if el.ClosedAt != nil {
		c := *el.ClosedAt
		el.ClosedAt = &c
	}
	if el.WinnerAgentID != nil {
		w := *el.WinnerAgentID
		el.WinnerAgentID = &w
	}
	votes := make([]LeadershipVote, len(el.Votes))
	for i, v := range el.Votes {
		if v.BribeOfferID != nil {
			id := *v.BribeOfferID
			v.BribeOfferID = &id
		}
		votes[i] = v
	}
	el.Votes = votes
	return el
}

func sortInt64s(s []int64) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}

func sortAgentIDs(s []agents.AgentID) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}

func sortOffers(s []BribeOffer) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
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
