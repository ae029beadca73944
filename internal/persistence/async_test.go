package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/cult-world/internal/entropy"
	"github.com/talgya/cult-world/internal/governance"
)

// gatedApplier blocks every Apply until release is closed.
type gatedApplier struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu    sync.Mutex
	kinds []governance.WriteKind
}

func newGatedApplier() *gatedApplier {
	return &gatedApplier{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedApplier) Apply(ctx context.Context, w governance.Write) error {
	g.once.Do(func() { close(g.started) })
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	g.kinds = append(g.kinds, w.Kind)
	return nil
}

type failingApplier struct{}

func (failingApplier) Apply(context.Context, governance.Write) error {
	return errors.New("disk full")
}

func TestAsyncDropsWhenFull(t *testing.T) {
	g := newGatedApplier()
	a := NewAsync(g, 1)

	require.NoError(t, a.Replicate(governance.Write{Kind: governance.WriteMembershipInsert}))
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatal("writer never picked up the first write")
	}
	require.NoError(t, a.Replicate(governance.Write{Kind: governance.WriteOfferUpsert}))
	assert.ErrorIs(t, a.Replicate(governance.Write{Kind: governance.WritePayoutInsert}), ErrQueueFull)

	close(g.release)
	require.NoError(t, a.Close())

	stats := a.Stats()
	assert.Equal(t, int64(2), stats.Applied)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, []governance.WriteKind{governance.WriteMembershipInsert, governance.WriteOfferUpsert}, g.kinds)

	assert.ErrorIs(t, a.Replicate(governance.Write{Kind: governance.WriteVoteInsert}), ErrClosed)
	require.NoError(t, a.Close())
}

func TestAsyncCountsFailures(t *testing.T) {
	a := NewAsync(failingApplier{}, 8)
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Replicate(governance.Write{Kind: governance.WriteCursorUpsert}))
	}
	require.NoError(t, a.Close())
	assert.Equal(t, int64(3), a.Stats().Failed)
	assert.Zero(t, a.Stats().Applied)
}

func TestAsyncReplicatesEngineToSQLite(t *testing.T) {
	db := openTestDB(t)
	a := NewAsync(db, 0)
	clock := &steppingClock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	e := governance.New(entropy.New(3), nil,
		governance.WithReplicator(a),
		governance.WithClock(clock.Now),
	)
	exercise(t, e)
	require.NoError(t, a.Close())

	assert.Zero(t, a.Stats().Failed)
	assert.Zero(t, a.Stats().Dropped)
	assert.Zero(t, e.Stats().ReplicationFailures)

	got, err := db.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, e.Snapshot(), got)
}
