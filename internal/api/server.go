// Package api provides the HTTP API for observing the cults.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/cult-world/internal/agents"
	"github.com/talgya/cult-world/internal/engine"
	"github.com/talgya/cult-world/internal/governance"
	"github.com/talgya/cult-world/internal/persistence"
	"github.com/talgya/cult-world/internal/social"
)

const (
	maxStreamConns  = 8
	streamCatchUp   = 50
	streamPing      = 15 * time.Second
	streamWriteWait = 5 * time.Second
)

// Server serves simulation state over HTTP.
type Server struct {
	Sim      *engine.Simulation
	Eng      *engine.Engine
	Hub      *Hub
	DB       *persistence.DB    // optional; enables POST /snapshot
	Repl     *persistence.Async // optional; reported in /status
	Port     int
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	streamConns atomic.Int32
	upgrader    websocket.Upgrader
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	streamLimiter := NewRateLimiter(30, time.Minute)
	adminLimiter := NewRateLimiter(60, time.Minute)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/factions", s.handleFactions)
	mux.HandleFunc("GET /api/v1/faction/{id}", s.handleFactionDetail)
	mux.HandleFunc("GET /api/v1/agent/{id}", s.handleAgentDetail)
	mux.HandleFunc("GET /api/v1/bribes", s.handleBribes)
	mux.HandleFunc("GET /api/v1/elections", s.handleElections)
	mux.HandleFunc("GET /api/v1/elections/{id}", s.handleElectionDetail)
	mux.HandleFunc("GET /api/v1/stream", RateLimitMiddleware(streamLimiter, s.handleStream))

	// Admin endpoints.
	mux.HandleFunc("GET /api/v1/speed", s.handleSpeed)
	mux.HandleFunc("POST /api/v1/speed", RateLimitMiddleware(adminLimiter, s.adminOnly(s.handleSpeed)))
	mux.HandleFunc("POST /api/v1/snapshot", RateLimitMiddleware(adminLimiter, s.adminOnly(s.handleSnapshot)))
	mux.HandleFunc("POST /api/v1/intervention", RateLimitMiddleware(adminLimiter, s.adminOnly(s.handleIntervention)))

	return corsMiddleware(mux)
}

// Start begins serving in a goroutine. The caller shuts the returned server
// down.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return srv
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminOnly wraps a handler to require the admin bearer token.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			http.Error(w, "admin endpoints disabled (no CULTSIM_ADMIN_KEY set)", http.StatusForbidden)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.AdminKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cycle := s.Sim.LastCycle()
	status := map[string]any{
		"name":       "Cult World",
		"cycle":      cycle,
		"sim_time":   engine.SimTime(cycle),
		"seed":       s.Sim.Src.Seed(),
		"factions":   len(s.Sim.Factions()),
		"stats":      s.Sim.Stats(),
		"governance": s.Sim.Gov.Stats(),
	}
	if s.Eng != nil {
		status["speed"] = s.Eng.Speed()
		status["running"] = s.Eng.Running()
	}
	if s.Repl != nil {
		status["replication"] = s.Repl.Stats()
	}
	if s.Hub != nil {
		status["stream_subscribers"] = s.Hub.Subscribers()
	}
	writeJSON(w, status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Sim.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	events := s.Sim.RecentEvents(limit)

	// Optional category filter.
	if cat := r.URL.Query().Get("category"); cat != "" {
		filtered := events[:0]
		for _, e := range events {
			if e.Category == cat {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	writeJSON(w, events)
}

type factionSummary struct {
	social.Faction
	Members      int             `json:"members"`
	LeaderID     *agents.AgentID `json:"leader_id,omitempty"`
	NextElection *uint64         `json:"next_election,omitempty"`
	Electing     bool            `json:"electing"`
}

func (s *Server) summarize(f social.Faction, sizes map[social.FactionID]int) factionSummary {
	sum := factionSummary{Faction: f, Members: sizes[f.ID]}
	if state, ok := s.Sim.Gov.Leadership(f.ID); ok {
		id := state.LeaderAgentID
		sum.LeaderID = &id
	}
	if next, ok := s.Sim.Gov.NextElection(f.ID); ok {
		sum.NextElection = &next
	}
	_, sum.Electing = s.Sim.Gov.OpenElection(f.ID)
	return sum
}

func (s *Server) handleFactions(w http.ResponseWriter, r *http.Request) {
	sizes := s.Sim.Gov.FactionSizes()
	factions := s.Sim.Factions()
	out := make([]factionSummary, 0, len(factions))
	for _, f := range factions {
		out = append(out, s.summarize(f, sizes))
	}
	writeJSON(w, out)
}

func (s *Server) handleFactionDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid faction id", http.StatusBadRequest)
		return
	}
	f, ok := s.Sim.Faction(social.FactionID(id))
	if !ok {
		http.Error(w, "faction not found", http.StatusNotFound)
		return
	}

	detail := map[string]any{
		"faction": s.summarize(f, s.Sim.Gov.FactionSizes()),
		"members": s.Sim.Gov.Members(f.ID),
		"payouts": s.Sim.Gov.Payouts(f.ID),
	}
	if state, ok := s.Sim.Gov.Leadership(f.ID); ok {
		detail["leadership"] = state
	}
	if el, ok := s.Sim.Gov.OpenElection(f.ID); ok {
		detail["open_election"] = el
	}
	writeJSON(w, detail)
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid agent id", http.StatusBadRequest)
		return
	}
	agentID := agents.AgentID(id)
	a, ok := s.Sim.Agent(agentID)
	if !ok {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}

	detail := map[string]any{
		"agent":       a,
		"temperament": agents.TemperamentName(a.Temperament),
		"history":     s.Sim.Gov.MembershipHistory(agentID),
		"offers":      s.Sim.Gov.Offers(governance.OfferFilter{AgentID: agentID}),
	}
	if m, ok := s.Sim.Gov.ActiveMembership(agentID); ok {
		detail["membership"] = m
	}
	if ps, ok := s.Sim.Gov.PendingSwitch(agentID); ok {
		detail["pending_switch"] = ps
	}
	writeJSON(w, detail)
}

func (s *Server) handleBribes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f governance.OfferFilter
	if st := q.Get("status"); st != "" {
		switch status := governance.BribeStatus(st); status {
		case governance.BribePending, governance.BribeAccepted, governance.BribeRejected,
			governance.BribeExpired, governance.BribeExecuted:
			f.Status = status
		default:
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("agent"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid agent", http.StatusBadRequest)
			return
		}
		f.AgentID = agents.AgentID(n)
	}
	if v := q.Get("faction"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid faction", http.StatusBadRequest)
			return
		}
		f.FactionID = social.FactionID(n)
	}

	offers := s.Sim.Gov.Offers(f)
	if offers == nil {
		offers = []governance.BribeOffer{}
	}
	writeJSON(w, offers)
}

func (s *Server) handleElections(w http.ResponseWriter, r *http.Request) {
	var factionID social.FactionID
	if v := r.URL.Query().Get("faction"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid faction", http.StatusBadRequest)
			return
		}
		factionID = social.FactionID(n)
	}

	var out []governance.LeadershipElection
	if factionID != 0 {
		out = s.Sim.Gov.Elections(factionID)
	} else {
		for _, f := range s.Sim.Factions() {
			out = append(out, s.Sim.Gov.Elections(f.ID)...)
		}
	}
	// Votes are served by the detail endpoint.
	for i := range out {
		out[i].Votes = nil
	}
	if out == nil {
		out = []governance.LeadershipElection{}
	}
	writeJSON(w, out)
}

func (s *Server) handleElectionDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid election id", http.StatusBadRequest)
		return
	}
	el, ok := s.Sim.Gov.Election(id)
	if !ok {
		http.Error(w, "election not found", http.StatusNotFound)
		return
	}
	writeJSON(w, el)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if s.Eng == nil {
		http.Error(w, "engine not available", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed < 0 || req.Speed > 1000 {
			http.Error(w, "speed must be 0-1000", http.StatusBadRequest)
			return
		}
		s.Eng.SetSpeed(req.Speed)
	}
	writeJSON(w, map[string]float64{"speed": s.Eng.Speed()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	n, err := s.DB.SaveSnapshot(ctx, s.Sim.Gov.Snapshot())
	if err != nil {
		slog.Error("snapshot save failed", "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"cycle":   s.Sim.LastCycle(),
		"rows":    n,
		"message": "snapshot saved",
	})
}

func (s *Server) handleIntervention(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type     string  `json:"type"`
		Agent    uint64  `json:"agent,omitempty"`
		Faction  uint64  `json:"faction,omitempty"`
		FactionB uint64  `json:"faction_b,omitempty"`
		Amount   float64 `json:"amount,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var (
		details string
		err     error
	)
	switch req.Type {
	case "endow":
		details, err = s.Sim.EndowFaction(social.FactionID(req.Faction), req.Amount)
	case "induct":
		details, err = s.Sim.InductAgent(agents.AgentID(req.Agent), social.FactionID(req.Faction))
	case "expel":
		details, err = s.Sim.ExpelAgent(agents.AgentID(req.Agent))
	case "mediate":
		details, err = s.Sim.MediateFactions(social.FactionID(req.Faction), social.FactionID(req.FactionB), req.Amount)
	default:
		http.Error(w, fmt.Sprintf("unknown intervention type %q", req.Type), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, map[string]any{"success": true, "details": details})
}

// handleStream upgrades to a websocket and relays governance events, after
// a catch-up of recent ones.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	if s.streamConns.Add(1) > maxStreamConns {
		s.streamConns.Add(-1)
		http.Error(w, "too many stream connections", http.StatusServiceUnavailable)
		return
	}
	defer s.streamConns.Add(-1)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	subID, ch := s.Hub.Subscribe()
	defer s.Hub.Unsubscribe(subID)
	slog.Info("stream client connected", "sub_id", subID)

	for _, ev := range s.Sim.RecentEvents(streamCatchUp) {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	// Reader: clients only send control frames; a read error means gone.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPing)
	defer ping.Stop()

	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-gone:
			slog.Info("stream client disconnected", "sub_id", subID)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}
