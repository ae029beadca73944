// Package engine provides the cycle loop and the simulation driver that
// feeds the governance engine.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Cycle schedule for the periodic callbacks.
const (
	CyclesPerDay  = 24  // 1 cycle = 1 sim-hour
	CyclesPerWeek = 168 // 7 days × 24
)

// Engine drives the simulation forward one cycle at a time.
type Engine struct {
	Interval  time.Duration // base cycle interval at speed 1.0
	MaxCycles uint64        // stop after this many cycles in one Run; 0 runs until stopped

	// Callbacks for each layer, populated during setup.
	OnCycle func(cycle uint64) // every cycle
	OnDay   func(cycle uint64) // every 24 cycles
	OnWeek  func(cycle uint64) // every 168 cycles

	mu      sync.Mutex
	cycle   uint64
	speed   float64
	running bool
	stop    chan struct{}
}

// NewEngine creates an engine that resumes after lastCycle.
func NewEngine(lastCycle uint64) *Engine {
	return &Engine{
		Interval: time.Second,
		cycle:    lastCycle,
		speed:    1.0,
	}
}

// Cycle returns the most recently completed cycle.
func (e *Engine) Cycle() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycle
}

// Speed returns the current multiplier: 1.0 is the base interval, 0 is paused.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// SetSpeed changes the multiplier. Negative values pause.
func (e *Engine) SetSpeed(speed float64) {
	if speed < 0 {
		speed = 0
	}
	e.mu.Lock()
	e.speed = speed
	e.mu.Unlock()
	slog.Info("engine speed changed", "speed", speed)
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run advances cycles until ctx is done, Stop is called, or MaxCycles is
// reached. It blocks.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	stop := e.stop
	start := e.cycle
	e.mu.Unlock()

	slog.Info("cycle engine started", "cycle", start, "speed", e.Speed())
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		slog.Info("cycle engine stopped", "cycle", e.Cycle())
	}()

	for {
		if e.MaxCycles > 0 && e.Cycle()-start >= e.MaxCycles {
			return
		}

		speed := e.Speed()
		wait := 100 * time.Millisecond
		if speed > 0 {
			began := time.Now()
			e.Step()
			target := time.Duration(float64(e.Interval) / speed)
			wait = target - time.Since(began)
		}
		if wait <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			default:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Stop halts a running loop after the current cycle.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running && e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
}

// Step advances the simulation by exactly one cycle.
func (e *Engine) Step() {
	e.mu.Lock()
	e.cycle++
	cycle := e.cycle
	e.mu.Unlock()

	if e.OnCycle != nil {
		e.OnCycle(cycle)
	}
	if cycle%CyclesPerDay == 0 && e.OnDay != nil {
		e.OnDay(cycle)
	}
	if cycle%CyclesPerWeek == 0 && e.OnWeek != nil {
		e.OnWeek(cycle)
	}
}

// SimTime returns a human-readable simulation time for a cycle number.
func SimTime(cycle uint64) string {
	hours := cycle % 24
	totalDays := cycle / 24
	day := totalDays%7 + 1
	week := totalDays/7 + 1
	return fmt.Sprintf("Week %d Day %d, %02d:00", week, day, hours)
}
