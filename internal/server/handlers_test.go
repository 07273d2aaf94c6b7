package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Belfering/QuantNexus-sub004/internal/backtest"
	"github.com/Belfering/QuantNexus-sub004/internal/branchgen"
	"github.com/Belfering/QuantNexus-sub004/internal/config"
	"github.com/Belfering/QuantNexus-sub004/internal/database"
	"github.com/Belfering/QuantNexus-sub004/internal/pricestore"
	"github.com/Belfering/QuantNexus-sub004/internal/shard"
	"github.com/Belfering/QuantNexus-sub004/internal/stree"
)

// fakeProvider serves a flat 260-bar synthetic history for any ticker.
type fakeProvider struct{}

func (fakeProvider) FetchOHLC(ctx context.Context, tickers []string, maxBars int) (map[string][]pricestore.Bar, error) {
	n := 260
	out := make(map[string][]pricestore.Bar, len(tickers))
	for _, t := range tickers {
		bars := make([]pricestore.Bar, n)
		price := 100.0
		for i := range bars {
			price *= 1.001
			bars[i] = pricestore.Bar{
				Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
				Open:      price, High: price, Low: price, Close: price, AdjClose: price, Volume: 1000,
			}
		}
		out[t] = bars
	}
	return out, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	db, err := database.New(database.Config{Path: ":memory:", Profile: database.ProfileCache, Name: "shards"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{
		DataDir: t.TempDir(),
		Port:    8080,
		Backtest: config.BacktestDefaults{
			Mode: backtest.ModeCC, CostBps: 5, BenchmarkTicker: "SPY",
		},
		Sweep: config.SweepDefaults{ChunkSize: 10},
	}

	return New(Config{
		Log:        log,
		Cfg:        cfg,
		PriceStore: pricestore.New(fakeProvider{}, log),
		Shards:     shard.NewStore(db),
		Port:       cfg.Port,
		DevMode:    true,
	})
}

func TestHandleBacktest(t *testing.T) {
	s := newTestServer(t)
	tree := stree.NewPosition(stree.NewID(), []string{"SPY"})

	body, _ := json.Marshal(backtestRequest{Tree: tree, MaxBars: 260})
	req := httptest.NewRequest(http.MethodPost, "/api/backtest", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var result backtest.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	require.NotEmpty(t, result.Dates)
}

func TestHandleBacktest_RejectsMissingTree(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/backtest", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSweepLifecycle(t *testing.T) {
	s := newTestServer(t)
	sweepReq := sweepRequest{
		Gate: branchgen.Config{
			Gate: branchgen.GateConfig{
				Indicator: "RSI", PeriodMin: 10, PeriodMax: 10,
				Tickers: []string{"SPY"}, Comparator: branchgen.CmpLT,
				ThresholdMin: 30, ThresholdMax: 30, ThresholdStep: 1,
			},
			PositionTickers: []string{"QQQ"},
		},
		MaxBars: 260,
	}
	body, _ := json.Marshal(sweepReq)
	req := httptest.NewRequest(http.MethodPost, "/api/sweep/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&accepted))
	id := accepted["id"]
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/sweep/"+id+"/status", nil)
		s.router.ServeHTTP(rec, req)
		var status sweepStatus
		_ = json.NewDecoder(rec.Body).Decode(&status)
		return status.Finished
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSweepStatus_UnknownID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/sweep/does-not-exist/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShardWriteReadDelete(t *testing.T) {
	s := newTestServer(t)
	tree := stree.NewPosition(stree.NewID(), []string{"SPY"})

	writeReq := shardWriteRequest{
		Name:  "test-shard",
		Owner: "alice",
		Branches: []shard.BranchRecord{
			{BranchID: 1, Tree: tree, Metrics: backtest.Metrics{Sharpe: 1.2}},
		},
	}
	body, _ := json.Marshal(writeReq)
	req := httptest.NewRequest(http.MethodPost, "/api/shards/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]int64
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	id := created["id"]
	require.NotZero(t, id)

	getReq := httptest.NewRequest(http.MethodGet, "/api/shards/"+itoa(id), nil)
	getRec := httptest.NewRecorder()
	s.router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	delReq := httptest.NewRequest(http.MethodDelete, "/api/shards/"+itoa(id), nil)
	delRec := httptest.NewRecorder()
	s.router.ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusNoContent, delRec.Code)
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
