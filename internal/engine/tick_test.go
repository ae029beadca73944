package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepFiresPeriodicCallbacks(t *testing.T) {
	e := NewEngine(0)
	var cycles, days, weeks []uint64
	e.OnCycle = func(c uint64) { cycles = append(cycles, c) }
	e.OnDay = func(c uint64) { days = append(days, c) }
	e.OnWeek = func(c uint64) { weeks = append(weeks, c) }

	for i := 0; i < CyclesPerWeek*2; i++ {
		e.Step()
	}

	assert.Len(t, cycles, CyclesPerWeek*2)
	assert.Equal(t, uint64(1), cycles[0])
	assert.Len(t, days, 14)
	assert.Equal(t, []uint64{168, 336}, weeks)
	assert.Equal(t, uint64(336), e.Cycle())
}

func TestResumesAfterLastCycle(t *testing.T) {
	e := NewEngine(41)
	var got uint64
	e.OnCycle = func(c uint64) { got = c }
	e.Step()
	assert.Equal(t, uint64(42), got)
}

func TestRunStopsAtMaxCycles(t *testing.T) {
	e := NewEngine(0)
	e.Interval = time.Millisecond
	e.MaxCycles = 5
	e.SetSpeed(100)

	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Equal(t, uint64(5), e.Cycle())
	assert.False(t, e.Running())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	e := NewEngine(0)
	e.Interval = time.Hour
	e.SetSpeed(0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	require.Eventually(t, e.Running, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run ignored cancel")
	}
	assert.Equal(t, uint64(0), e.Cycle(), "paused engine must not advance")
}

func TestStop(t *testing.T) {
	e := NewEngine(0)
	e.Interval = time.Hour
	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()
	require.Eventually(t, e.Running, time.Second, 5*time.Millisecond)
	e.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run ignored stop")
	}
	// Stop on an idle engine is a no-op.
	e.Stop()
}

func TestSetSpeedClampsNegative(t *testing.T) {
	e := NewEngine(0)
	e.SetSpeed(-3)
	assert.Equal(t, 0.0, e.Speed())
}

func TestSimTime(t *testing.T) {
	assert.Equal(t, "Week 1 Day 1, 00:00", SimTime(0))
	assert.Equal(t, "Week 1 Day 2, 01:00", SimTime(25))
	assert.Equal(t, "Week 2 Day 1, 00:00", SimTime(CyclesPerWeek))
}
