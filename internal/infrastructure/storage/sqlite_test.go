package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "arena.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleSession(id string, tick int) (*domain.Session, []domain.Agent) {
	sess := &domain.Session{
		ID:           id,
		Status:       domain.StatusRunning,
		Config:       domain.SessionConfig{Pair: "BTCUSDT", AgentCount: 2, StartingCapital: 1000, DecisionIntervalMs: 5000, MaxDurationHours: 1},
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Elapsed:      90 * time.Second,
		Tick:         tick,
		CurrentPrice: 101.5,
		PriceWindow:  []float64{100, 101, 101.5},
		Roster:       domain.RosterMeta{Source: domain.RosterSourceClassic},
	}
	agents := []domain.Agent{
		{ID: "b", Order: 1, Config: domain.AgentConfig{Name: "Diamond Dee", Brain: domain.BrainRules}, Equity: 990, Alive: true},
		{ID: "a", Order: 0, Config: domain.AgentConfig{Name: "Degen Dan", Brain: domain.BrainRules}, Equity: 1040, Alive: true,
			Position: &domain.Position{Pair: "BTCUSDT", Side: domain.SideLong, AvgEntry: 100, Leverage: 50, Margin: 600, Open: true},
			Badges:   []domain.Badge{domain.BadgeFirstBlood}},
	}
	return sess, agents
}

func TestSQLiteStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess, agents := sampleSession("s1", 3)

	require.NoError(t, store.SaveSessionSnapshot(ctx, sess, agents))

	snap, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, snap.Session.Status)
	assert.Equal(t, 3, snap.Session.Tick)
	assert.Equal(t, 90*time.Second, snap.Session.Elapsed)
	assert.Equal(t, []float64{100, 101, 101.5}, snap.Session.PriceWindow)
	assert.True(t, sess.CreatedAt.Equal(snap.Session.CreatedAt))

	require.Len(t, snap.Agents, 2)
	assert.Equal(t, "a", snap.Agents[0].ID, "agents come back in registration order")
	require.NotNil(t, snap.Agents[0].Position)
	assert.Equal(t, 50, snap.Agents[0].Position.Leverage)
	assert.Equal(t, []domain.Badge{domain.BadgeFirstBlood}, snap.Agents[0].Badges)
}

func TestSQLiteStore_SaveOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess, agents := sampleSession("s1", 3)
	require.NoError(t, store.SaveSessionSnapshot(ctx, sess, agents))

	sess.Tick = 10
	sess.Status = domain.StatusCompleted
	agents[1].Alive = false
	require.NoError(t, store.SaveSessionSnapshot(ctx, sess, agents))

	snap, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 10, snap.Session.Tick)
	assert.Equal(t, domain.StatusCompleted, snap.Session.Status)
	require.Len(t, snap.Agents, 2)
	assert.False(t, snap.Agents[0].Alive)
}

func TestSQLiteStore_NotFound(t *testing.T) {
	_, err := newTestStore(t).LoadSession(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSQLiteStore_ListSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"s1", "s2", "s3"} {
		sess, agents := sampleSession(id, 1)
		require.NoError(t, store.SaveSessionSnapshot(ctx, sess, agents))
	}

	sessions, err := store.ListSessions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Nil(t, s.PriceWindow)
	}
}
