// Package config loads the simulation configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/cult-world/internal/governance"
	"github.com/talgya/cult-world/internal/social"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the full simulation configuration.
type Config struct {
	Seed          int64  `yaml:"seed"`
	DBPath        string `yaml:"db_path"`
	JournalDir    string `yaml:"journal_dir"`
	APIPort       int    `yaml:"api_port"`
	CycleInterval string `yaml:"cycle_interval"`
	LogLevel      string `yaml:"log_level"`

	Factions   []FactionSpec  `yaml:"factions"`
	Relations  []RelationSpec `yaml:"relations,omitempty"`
	Agents     AgentsSpec     `yaml:"agents"`
	Governance GovernanceSpec `yaml:"governance"`
}

type FactionSpec struct {
	ID       uint64  `yaml:"id"`
	Name     string  `yaml:"name"`
	Creed    string  `yaml:"creed,omitempty"`
	Treasury float64 `yaml:"treasury"`
}

// RelationSpec is a starting relation between two factions, -100 to 100.
type RelationSpec struct {
	A     uint64  `yaml:"a"`
	B     uint64  `yaml:"b"`
	Score float64 `yaml:"score"`
}

type AgentsSpec struct {
	Count          int     `yaml:"count"`
	BribeBudget    float64 `yaml:"bribe_budget"`     // most an agent spends on one bribe
	BribesPerCycle int     `yaml:"bribes_per_cycle"` // proposals attempted each cycle
}

type GovernanceSpec struct {
	ElectionMinGap      int   `yaml:"election_min_gap"`
	ElectionMaxGap      int   `yaml:"election_max_gap"`
	VotingWindow        int   `yaml:"voting_window"`
	BribeExpiryCycles   int   `yaml:"bribe_expiry_cycles"`
	BribeMillisPerCycle int64 `yaml:"bribe_ms_per_cycle"`
	ReplicationQueue    int   `yaml:"replication_queue"`
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Defaults returns the built-in configuration: five cults, sixty agents,
// and the standard election and bribe timing.
func Defaults() Config {
	t := governance.DefaultTuning()
	cfg := Config{
		Seed:          1,
		DBPath:        "data/cultworld.db",
		JournalDir:    "data/journal",
		APIPort:       8080,
		CycleInterval: "2s",
		LogLevel:      "info",
		Relations: []RelationSpec{
			{A: 1, B: 4, Score: -40},
			{A: 2, B: 5, Score: 25},
			{A: 3, B: 4, Score: -15},
		},
		Agents: AgentsSpec{
			Count:          60,
			BribeBudget:    12,
			BribesPerCycle: 2,
		},
		Governance: GovernanceSpec{
			ElectionMinGap:      t.ElectionMinGap,
			ElectionMaxGap:      t.ElectionMaxGap,
			VotingWindow:        t.VotingWindow,
			BribeExpiryCycles:   6,
			BribeMillisPerCycle: t.BribeMillisPerCycle,
			ReplicationQueue:    65536,
		},
	}
	for _, s := range social.DefaultSeeds() {
		cfg.Factions = append(cfg.Factions, FactionSpec{
			ID: uint64(s.ID), Name: s.Name, Creed: s.Creed, Treasury: s.Treasury,
		})
	}
	return cfg
}

// Normalize fills zero values and orders factions by id.
func (c *Config) Normalize() {
	d := Defaults()
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if strings.TrimSpace(c.CycleInterval) == "" {
		c.CycleInterval = d.CycleInterval
	}
	if c.Governance.BribeMillisPerCycle == 0 {
		c.Governance.BribeMillisPerCycle = d.Governance.BribeMillisPerCycle
	}
	if c.Governance.VotingWindow == 0 {
		c.Governance.VotingWindow = d.Governance.VotingWindow
	}
	if c.Governance.ElectionMinGap == 0 && c.Governance.ElectionMaxGap == 0 {
		c.Governance.ElectionMinGap = d.Governance.ElectionMinGap
		c.Governance.ElectionMaxGap = d.Governance.ElectionMaxGap
	}
	for i := range c.Factions {
		c.Factions[i].Name = strings.TrimSpace(c.Factions[i].Name)
	}
	sort.SliceStable(c.Factions, func(i, j int) bool { return c.Factions[i].ID < c.Factions[j].ID })
}

// Validate reports the first problem found.
func (c Config) Validate() error {
	if _, err := c.Interval(); err != nil {
		return fmt.Errorf("%w: cycle_interval: %v", ErrInvalid, err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q", ErrInvalid, c.LogLevel)
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("%w: api_port %d", ErrInvalid, c.APIPort)
	}
	if len(c.Factions) == 0 {
		return fmt.Errorf("%w: no factions", ErrInvalid)
	}
	seen := make(map[uint64]bool)
	for _, f := range c.Factions {
		if f.ID == 0 {
			return fmt.Errorf("%w: faction %q has id 0", ErrInvalid, f.Name)
		}
		if seen[f.ID] {
			return fmt.Errorf("%w: duplicate faction id %d", ErrInvalid, f.ID)
		}
		seen[f.ID] = true
		if f.Name == "" {
			return fmt.Errorf("%w: faction %d has no name", ErrInvalid, f.ID)
		}
		if f.Treasury < 0 {
			return fmt.Errorf("%w: faction %d treasury %v", ErrInvalid, f.ID, f.Treasury)
		}
	}
	for _, r := range c.Relations {
		if !seen[r.A] || !seen[r.B] {
			return fmt.Errorf("%w: relation %d-%d names an unknown faction", ErrInvalid, r.A, r.B)
		}
		if r.Score < -100 || r.Score > 100 {
			return fmt.Errorf("%w: relation %d-%d score %v", ErrInvalid, r.A, r.B, r.Score)
		}
	}
	if c.Agents.Count < 0 {
		return fmt.Errorf("%w: agents.count %d", ErrInvalid, c.Agents.Count)
	}
	if c.Agents.BribeBudget < 0 || c.Agents.BribesPerCycle < 0 {
		return fmt.Errorf("%w: agents bribe settings must not be negative", ErrInvalid)
	}
	g := c.Governance
	if g.ElectionMinGap < 1 || g.ElectionMaxGap < g.ElectionMinGap {
		return fmt.Errorf("%w: election gap %d-%d", ErrInvalid, g.ElectionMinGap, g.ElectionMaxGap)
	}
	if g.VotingWindow < 0 || g.BribeExpiryCycles < 0 || g.BribeMillisPerCycle < 0 || g.ReplicationQueue < 0 {
		return fmt.Errorf("%w: governance timing must not be negative", ErrInvalid)
	}
	return nil
}

// Interval parses CycleInterval.
func (c Config) Interval() (time.Duration, error) {
	d, err := time.ParseDuration(c.CycleInterval)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}

// SlogLevel maps LogLevel to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Tuning returns the governance engine timing.
func (c Config) Tuning() governance.Tuning {
	return governance.Tuning{
		ElectionMinGap:      c.Governance.ElectionMinGap,
		ElectionMaxGap:      c.Governance.ElectionMaxGap,
		VotingWindow:        c.Governance.VotingWindow,
		BribeMillisPerCycle: c.Governance.BribeMillisPerCycle,
	}
}

// FactionSeeds converts the faction list for social.SeedFactions.
func (c Config) FactionSeeds() []social.FactionSeed {
	out := make([]social.FactionSeed, 0, len(c.Factions))
	for _, f := range c.Factions {
		out = append(out, social.FactionSeed{
			ID: social.FactionID(f.ID), Name: f.Name, Creed: f.Creed, Treasury: f.Treasury,
		})
	}
	return out
}
