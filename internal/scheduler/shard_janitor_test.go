package scheduler

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Belfering/QuantNexus-sub004/internal/backtest"
	"github.com/Belfering/QuantNexus-sub004/internal/database"
	"github.com/Belfering/QuantNexus-sub004/internal/shard"
	"github.com/Belfering/QuantNexus-sub004/internal/stree"
)

func newTestShardStore(t *testing.T) *shard.Store {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:", Profile: database.ProfileCache, Name: "shards"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return shard.NewStore(db)
}

func TestShardJanitorPrunesOldShards(t *testing.T) {
	store := newTestShardStore(t)
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.Write("old", "alice", []shard.BranchRecord{{BranchID: 1, Tree: stree.NewPosition(stree.NewID(), []string{"SPY"}), Metrics: backtest.Metrics{}}}, nil, old)
	require.NoError(t, err)
	newID, err := store.Write("new", "alice", []shard.BranchRecord{{BranchID: 1, Tree: stree.NewPosition(stree.NewID(), []string{"QQQ"}), Metrics: backtest.Metrics{}}}, nil, recent)
	require.NoError(t, err)

	defer func(orig func() time.Time) { nowFunc = orig }(nowFunc)
	nowFunc = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	job := NewShardJanitorJob(store, 365*24*time.Hour, zerolog.Nop())
	require.NoError(t, job.Run())

	headers, err := store.List()
	require.NoError(t, err)
	require.Len(t, headers, 1)
	require.Equal(t, newID, headers[0].ID)
}
