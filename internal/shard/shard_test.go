package shard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Belfering/QuantNexus-sub004/internal/backtest"
	"github.com/Belfering/QuantNexus-sub004/internal/database"
	"github.com/Belfering/QuantNexus-sub004/internal/stree"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:", Profile: database.ProfileCache, Name: "shards"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func sampleBranches() []BranchRecord {
	return []BranchRecord{
		{BranchID: 1, Tree: stree.NewPosition(stree.NewID(), []string{"SPY"}), Metrics: backtest.Metrics{Sharpe: 1.2}},
		{BranchID: 2, Tree: stree.NewPosition(stree.NewID(), []string{"QQQ"}), Metrics: backtest.Metrics{Sharpe: 0.8}},
	}
}

func TestWriteAndReadRoundTrips(t *testing.T) {
	store := newTestStore(t)
	oos := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	createdAt := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

	id, err := store.Write("my-sweep", "alice", sampleBranches(), &oos, createdAt)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := store.Read(id)
	require.NoError(t, err)
	assert.Equal(t, "my-sweep", got.Header.Name)
	assert.Equal(t, "alice", got.Header.Owner)
	require.NotNil(t, got.Header.OOSStartDate)
	assert.True(t, got.Header.OOSStartDate.Equal(oos))
	require.Len(t, got.Branches, 2)
	assert.Equal(t, 1, got.Branches[0].BranchID)
	assert.InDelta(t, 1.2, got.Branches[0].Metrics.Sharpe, 1e-9)
	assert.Equal(t, []string{"SPY"}, got.Branches[0].Tree.Tickers)
}

func TestWriteRejectsEmptyShard(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Write("empty", "alice", nil, nil, time.Now().UTC())
	assert.Error(t, err)
}

func TestWriteRejectsDuplicateSignature(t *testing.T) {
	store := newTestStore(t)
	branches := sampleBranches()
	createdAt := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.Write("first", "alice", branches, nil, createdAt)
	require.NoError(t, err)

	_, err = store.Write("second", "bob", branches, nil, createdAt)
	assert.Error(t, err, "identical branch set should be rejected as a duplicate shard")
}

func TestListOrdersByCreatedAtDescending(t *testing.T) {
	store := newTestStore(t)
	older := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.Write("old-sweep", "alice", []BranchRecord{{BranchID: 1, Tree: stree.NewPosition(stree.NewID(), []string{"SPY"})}}, nil, older)
	require.NoError(t, err)
	_, err = store.Write("new-sweep", "alice", []BranchRecord{{BranchID: 1, Tree: stree.NewPosition(stree.NewID(), []string{"QQQ"})}}, nil, newer)
	require.NoError(t, err)

	headers, err := store.List()
	require.NoError(t, err)
	require.Len(t, headers, 2)
	assert.Equal(t, "new-sweep", headers[0].Name)
	assert.Equal(t, "old-sweep", headers[1].Name)
}

func TestDeleteRemovesShardAndBranches(t *testing.T) {
	store := newTestStore(t)
	id, err := store.Write("to-delete", "alice", sampleBranches(), nil, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, store.Delete(id))
	_, err = store.Read(id)
	assert.Error(t, err)
}
