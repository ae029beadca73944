package social

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelationsAreSymmetricAndClamped(t *testing.T) {
	l := NewLedger()
	l.SetRelation(4, 1, -40)
	assert.Equal(t, -40.0, l.Relation(1, 4))
	assert.Equal(t, 100.0, l.Relation(3, 3))

	l.SetRelation(1, 2, 250)
	assert.Equal(t, 100.0, l.Relation(2, 1))
}

func TestTrustFallsBackToPlacement(t *testing.T) {
	l := NewLedger()
	l.SetRelation(1, 2, -50)

	assert.Equal(t, 0.0, l.Trust(1, 2), "unplaced")
	l.Place(1, 1)
	l.Place(2, 2)
	l.Place(3, 1)
	assert.Equal(t, -0.5, l.Trust(1, 2))
	assert.Equal(t, 0.25, l.Trust(1, 3))
	assert.Equal(t, l.Trust(1, 3), l.Trust(1, 1))
	assert.Equal(t, -0.5, l.Trust(2, 1))

	l.Place(2, 0)
	assert.Equal(t, 0.0, l.Trust(1, 2))
}

func TestAdjustTrustIsDirectional(t *testing.T) {
	l := NewLedger()
	l.AdjustTrust(1, 2, 0.7)
	l.AdjustTrust(1, 2, 0.7)
	assert.Equal(t, 1.0, l.Trust(1, 2))
	assert.Equal(t, 0.0, l.Trust(2, 1))

	l.SetTrust(3, 4, -2)
	assert.Equal(t, -1.0, l.Trust(3, 4))
	assert.Equal(t, -1.0, l.Trust(4, 3))
}

func TestDrift(t *testing.T) {
	l := NewLedger()
	l.SetRelation(1, 2, 80)
	l.SetTrust(1, 2, 0.5)
	l.Drift(0.25)
	assert.InDelta(t, 60, l.Relation(1, 2), 1e-9)
	assert.InDelta(t, 0.375, l.Trust(1, 2), 1e-9)
}

func TestSeedFactionsOrdersByID(t *testing.T) {
	fs := SeedFactions([]FactionSeed{{ID: 3, Name: "c"}, {ID: 1, Name: "a", Treasury: 5}})
	require.Len(t, fs, 2)
	assert.Equal(t, FactionID(1), fs[0].ID)
	assert.Equal(t, 5.0, fs[0].Treasury)
	assert.Len(t, DefaultSeeds(), 5)
}
