package entropy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloatIsReproducible(t *testing.T) {
	k := NewKey("bribe.accept", 12).Faction(3).Agent(7).With("offer:1")

	a := New(42).Float(k)
	b := New(42).Float(k)

	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0.0)
	assert.Less(t, a, 1.0)
}

func TestSeedChangesDraws(t *testing.T) {
	k := NewKey("election.schedule", 0).Faction(1)
	assert.NotEqual(t, New(1).Float(k), New(2).Float(k))
}

func TestKeysDifferingOnlyInExtraAreIndependent(t *testing.T) {
	src := New(7)
	base := NewKey("election.alignment", 5).Faction(2).Agent(9)

	seen := make(map[float64]bool)
	for _, extra := range []string{"candidate:1", "candidate:2", "candidate:3", ""} {
		v := src.Float(base.With(extra))
		assert.False(t, seen[v], "duplicate draw for extra %q", extra)
		seen[v] = true
	}
}

func TestUnsetScopesDifferFromZero(t *testing.T) {
	src := New(7)
	unscoped := NewKey("d", 1)
	zero := NewKey("d", 1).Faction(0)

	assert.NotEqual(t, unscoped.String(), zero.String())
	assert.NotEqual(t, src.Float(unscoped), src.Float(zero))
}

func TestKeyString(t *testing.T) {
	k := NewKey("bribe.switch", 40).Agent(11).With("offer:3")
	assert.Equal(t, "bribe.switch|c=40|f=-|a=11|x=offer:3", k.String())
}

func TestIntStaysInRange(t *testing.T) {
	src := New(99)
	hits := make(map[int]int)
	for c := uint64(0); c < 2000; c++ {
		v := src.Int(24, 48, NewKey("election.schedule", c).Faction(1))
		require.GreaterOrEqual(t, v, 24)
		require.LessOrEqual(t, v, 48)
		hits[v]++
	}
	assert.Len(t, hits, 25, "every value in [24,48] should appear over 2000 draws")
}

func TestIntSwapsBounds(t *testing.T) {
	v := New(1).Int(10, 5, NewKey("x", 0))
	assert.GreaterOrEqual(t, v, 5)
	assert.LessOrEqual(t, v, 10)
}

func TestSigned(t *testing.T) {
	src := New(3)
	for c := uint64(0); c < 500; c++ {
		v := src.Signed(NewKey("noise", c), 0.06)
		require.GreaterOrEqual(t, v, -0.06)
		require.Less(t, v, 0.06)
	}
}

func TestChoose(t *testing.T) {
	src := New(5)
	items := []string{"a", "b", "c"}
	k := NewKey("tiebreak", 8).Faction(4)

	got := Choose(src, items, k)
	assert.Contains(t, items, got)
	assert.Equal(t, got, Choose(src, items, k))
}
