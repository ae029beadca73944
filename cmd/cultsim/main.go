// Command cultsim runs the cult governance simulation: membership, bribery
// and leadership elections, persisted to SQLite and journaled to disk.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"

	"github.com/talgya/cult-world/internal/agents"
	"github.com/talgya/cult-world/internal/api"
	"github.com/talgya/cult-world/internal/config"
	"github.com/talgya/cult-world/internal/engine"
	"github.com/talgya/cult-world/internal/entropy"
	"github.com/talgya/cult-world/internal/governance"
	"github.com/talgya/cult-world/internal/journal"
	"github.com/talgya/cult-world/internal/persistence"
	"github.com/talgya/cult-world/internal/social"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults when empty)")
	seedFlag := flag.Int64("seed", 0, "override the config seed")
	portFlag := flag.Int("port", -1, "override the API port; 0 disables the API")
	cycles := flag.Uint64("cycles", 0, "stop after this many cycles; 0 runs until interrupted")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *seedFlag != 0 {
		cfg.Seed = *seedFlag
	}
	if *portFlag >= 0 {
		cfg.APIPort = *portFlag
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	pterm.DefaultHeader.WithFullWidth().Println("Cult World")

	if err := run(cfg, *cycles); err != nil {
		slog.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, maxCycles uint64) error {
	interval, err := cfg.Interval()
	if err != nil {
		return err
	}

	// ── Database ──────────────────────────────────────────────────────
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	// Agents are regenerated from the seed, so a saved world pins it.
	if stored, err := db.GetMeta("seed"); err == nil {
		if s, err := strconv.ParseInt(stored, 10, 64); err == nil && s != cfg.Seed {
			slog.Warn("database was created with a different seed, using it", "config_seed", cfg.Seed, "stored_seed", s)
			cfg.Seed = s
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read seed: %w", err)
	}
	if err := db.SaveMeta("seed", strconv.FormatInt(cfg.Seed, 10)); err != nil {
		return fmt.Errorf("save seed: %w", err)
	}

	var lastCycle uint64
	if v, err := db.GetMeta("last_cycle"); err == nil {
		lastCycle, _ = strconv.ParseUint(v, 10, 64)
	}

	ctx := context.Background()
	snap, err := db.LoadSnapshot(ctx)
	if err != nil {
		return err
	}

	// ── World ─────────────────────────────────────────────────────────
	src := entropy.New(cfg.Seed)
	ledger := social.NewLedger()
	factions := social.SeedFactions(cfg.FactionSeeds())
	for _, r := range cfg.Relations {
		ledger.SetRelation(social.FactionID(r.A), social.FactionID(r.B), r.Score)
	}
	for _, f := range factions {
		if v, err := db.GetMeta(treasuryKey(f.ID)); err == nil {
			f.Treasury = governance.ParseAmount(v)
		}
	}
	population := agents.NewSpawner(src).SpawnPopulation(cfg.Agents.Count, 0)

	// ── Governance ────────────────────────────────────────────────────
	repl := persistence.NewAsync(db, cfg.Governance.ReplicationQueue)
	journalW := journal.NewWriter(cfg.JournalDir, "governance")
	hub := api.NewHub()

	var sim *engine.Simulation
	sink := governance.MultiSink(journalW, hub, governance.SinkFunc(func(ev governance.Event) {
		if sim != nil {
			sim.Emit(ev)
		}
	}))
	gov := governance.New(src, ledger,
		governance.WithReplicator(repl),
		governance.WithEventSink(sink),
		governance.WithTuning(cfg.Tuning()),
	)
	report := gov.Hydrate(snap)
	slog.Info("governance state loaded",
		"memberships", report.Memberships,
		"offers", report.Offers,
		"elections", report.Elections,
		"open_elections", report.OpenElections,
		"repairs", report.Repairs,
		"last_cycle", lastCycle,
		"sim_time", engine.SimTime(lastCycle),
	)

	sim = engine.NewSimulation(gov, ledger, population, factions, engine.Settings{
		BribeBudget:       cfg.Agents.BribeBudget,
		BribesPerCycle:    cfg.Agents.BribesPerCycle,
		BribeExpiryCycles: cfg.Governance.BribeExpiryCycles,
	})
	sim.SeedMemberships(lastCycle)

	saveProgress := func(cycle uint64) {
		if err := db.SaveMeta("last_cycle", strconv.FormatUint(cycle, 10)); err != nil {
			slog.Warn("save last cycle failed", "error", err)
		}
		for _, f := range sim.Factions() {
			if err := db.SaveMeta(treasuryKey(f.ID), governance.FormatAmount(f.Treasury)); err != nil {
				slog.Warn("save treasury failed", "faction", f.ID, "error", err)
			}
		}
	}

	// ── Engine ────────────────────────────────────────────────────────
	eng := engine.NewEngine(lastCycle)
	eng.Interval = interval
	eng.MaxCycles = maxCycles
	eng.OnCycle = sim.TickCycle
	eng.OnDay = func(cycle uint64) {
		sim.OnDay(cycle)
		saveProgress(cycle)
	}
	eng.OnWeek = sim.OnWeek

	var srv interface{ Shutdown(context.Context) error }
	if cfg.APIPort > 0 {
		srv = (&api.Server{
			Sim:      sim,
			Eng:      eng,
			Hub:      hub,
			DB:       db,
			Repl:     repl,
			Port:     cfg.APIPort,
			AdminKey: os.Getenv("CULTSIM_ADMIN_KEY"),
		}).Start()
	}

	pterm.Info.Printfln("seed %d, %d agents in %d factions, resuming after cycle %d",
		cfg.Seed, cfg.Agents.Count, len(factions), lastCycle)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	eng.Run(runCtx)

	// ── Shutdown ──────────────────────────────────────────────────────
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown failed", "error", err)
		}
		cancel()
	}
	saveProgress(eng.Cycle())
	if err := repl.Close(); err != nil {
		slog.Warn("replicator close failed", "error", err)
	}
	if err := journalW.Close(); err != nil {
		slog.Warn("journal close failed", "error", err)
	}

	printSummary(sim, repl.Stats(), journalW.Written())
	return nil
}

func treasuryKey(id social.FactionID) string {
	return fmt.Sprintf("treasury:%d", id)
}

func printSummary(sim *engine.Simulation, rs persistence.AsyncStats, journaled int) {
	sizes := sim.Gov.FactionSizes()
	rows := [][]string{{"Faction", "Members", "Leader", "Treasury", "Elections"}}
	for _, f := range sim.Factions() {
		leader := "-"
		if state, ok := sim.Gov.Leadership(f.ID); ok {
			if a, ok := sim.Agent(state.LeaderAgentID); ok {
				leader = a.Name
			}
		}
		rows = append(rows, []string{
			f.Name,
			strconv.Itoa(sizes[f.ID]),
			leader,
			humanize.Commaf(f.Treasury),
			strconv.Itoa(len(sim.Gov.Elections(f.ID))),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		slog.Warn("summary render failed", "error", err)
	}

	st := sim.Stats()
	pterm.Info.Printfln("cycle %d (%s): %d bribes proposed, %d accepted, %d defections, %d elections closed",
		sim.LastCycle(), engine.SimTime(sim.LastCycle()),
		st.BribesProposed, st.BribesAccepted, st.Defections, st.ElectionsClosed)
	pterm.Info.Printfln("replicated %s writes (%d failed, %d dropped), journaled %s events",
		humanize.Comma(rs.Applied), rs.Failed, rs.Dropped, humanize.Comma(int64(journaled)))
}
