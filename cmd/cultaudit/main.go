// Command cultaudit reads the governance journal and prints what happened:
// joins and defections, bribes, elections and payouts per faction.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"

	"github.com/talgya/cult-world/internal/engine"
	"github.com/talgya/cult-world/internal/governance"
	"github.com/talgya/cult-world/internal/journal"
)

func main() {
	dir := flag.String("dir", "data/journal", "journal directory")
	prefix := flag.String("prefix", "governance", "journal file prefix")
	category := flag.String("category", "", "only this event category")
	faction := flag.Uint64("faction", 0, "only events for this faction id")
	from := flag.Uint64("from", 0, "first cycle")
	to := flag.Uint64("to", 0, "last cycle (0 = no limit)")
	tail := flag.Int("tail", 20, "print the last n matching events")
	flag.Parse()

	slog.SetDefault(slog.New(pterm.NewSlogHandler(&pterm.DefaultLogger)))

	// Explicit files win over the directory scan.
	files := flag.Args()
	if len(files) == 0 {
		var err error
		files, err = journal.Files(*dir, *prefix)
		if err != nil {
			slog.Error("list journal", "error", err)
			os.Exit(1)
		}
	}
	if len(files) == 0 {
		pterm.Warning.Printfln("no journal files in %s", *dir)
		return
	}

	var events []governance.Event
	for _, path := range files {
		evs, err := journal.ReadFile(path)
		if err != nil {
			// A torn final frame still yields the events before it.
			slog.Warn("journal read incomplete", "file", path, "error", err)
		}
		events = append(events, evs...)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Cycle < events[j].Cycle })

	filter := journal.Filter{Category: *category, FactionID: *faction, FromCycle: *from, ToCycle: *to}
	sum := journal.Summarize(events, filter)

	pterm.DefaultSection.Println("Journal")
	pterm.Info.Printfln("%s events in %d files, cycles %d to %d (%s to %s)",
		humanize.Comma(int64(sum.Events)), len(files),
		sum.FirstCycle, sum.LastCycle, engine.SimTime(sum.FirstCycle), engine.SimTime(sum.LastCycle))

	cats := make([]string, 0, len(sum.ByCategory))
	for c := range sum.ByCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	var bars []pterm.Bar
	for _, c := range cats {
		bars = append(bars, pterm.Bar{Label: c, Value: sum.ByCategory[c]})
	}
	if len(bars) > 0 {
		_ = pterm.DefaultBarChart.WithHorizontal().WithShowValue().WithBars(bars).Render()
	}

	pterm.DefaultSection.Println("Factions")
	rows := [][]string{{"Faction", "Joins", "Leaves", "Bribes", "Elections", "Payouts", "Leaders"}}
	for _, t := range sum.Factions {
		rows = append(rows, []string{
			strconv.FormatUint(t.FactionID, 10),
			strconv.Itoa(t.Joins),
			strconv.Itoa(t.Leaves),
			strconv.Itoa(t.Bribes),
			strconv.Itoa(t.Elections),
			strconv.Itoa(t.Payouts),
			leaders(t.Leaders),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		slog.Error("render factions", "error", err)
	}

	if *tail <= 0 {
		return
	}
	var matched []governance.Event
	for _, ev := range events {
		if filter.Match(ev) {
			matched = append(matched, ev)
		}
	}
	if len(matched) > *tail {
		matched = matched[len(matched)-*tail:]
	}
	pterm.DefaultSection.Printfln("Last %d events", len(matched))
	rows = [][]string{{"Cycle", "Category", "Description"}}
	for _, ev := range matched {
		rows = append(rows, []string{strconv.FormatUint(ev.Cycle, 10), ev.Category, ev.Description})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		slog.Error("render events", "error", err)
	}
}

// leaders shortens a winner list to its last few entries.
func leaders(ids []uint64) string {
	const keep = 5
	var parts []string
	if len(ids) > keep {
		parts = append(parts, "…")
		ids = ids[len(ids)-keep:]
	}
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("#%d", id))
	}
	return strings.Join(parts, " ")
}
