package evaluator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Belfering/QuantNexus-sub004/internal/pricestore"
	"github.com/Belfering/QuantNexus-sub004/internal/stree"
)

func day(offset int) time.Time {
	return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

func makeDB(t *testing.T, tickers map[string][]float64) *pricestore.PriceDB {
	t.Helper()
	n := 0
	for _, v := range tickers {
		n = len(v)
		break
	}
	series := make([]pricestore.PriceSeries, 0, len(tickers))
	for ticker, closes := range tickers {
		bars := make([]pricestore.Bar, n)
		for i, c := range closes {
			bars[i] = pricestore.Bar{Timestamp: day(i), Open: c, High: c + 1, Low: c - 1, Close: c, AdjClose: c, Volume: 100}
		}
		s := pricestore.PriceSeries{Ticker: ticker, Bars: bars}
		series = append(series, s)
	}
	names := make([]string, 0, len(tickers))
	for t := range tickers {
		names = append(names, t)
	}
	db, err := pricestore.BuildDB(series, names)
	require.NoError(t, err)
	return db
}

func newCtx(db *pricestore.PriceDB, decisionIndex int) (*EvalCtx, *[]Warning) {
	warnings := &[]Warning{}
	return NewEvalCtx(db, IndicatorSeries{}, decisionIndex, "close", NewCache(), warnings), warnings
}

func TestEvaluatePositionEqualSplit(t *testing.T) {
	db := makeDB(t, map[string][]float64{"SPY": {100, 101, 102}, "TLT": {50, 51, 52}})
	ctx, _ := newCtx(db, 2)

	pos := stree.NewPosition("p1", []string{"SPY", "TLT"})
	alloc, err := Evaluate(ctx, pos)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, alloc["SPY"], 1e-9)
	assert.InDelta(t, 0.5, alloc["TLT"], 1e-9)
}

func TestEvaluateIndicatorBranches(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	db := makeDB(t, map[string][]float64{"SPY": closes})
	ctx, _ := newCtx(db, 19)

	ind := stree.NewIndicator("i1", []stree.ConditionLine{
		{Metric: "SMA", Window: 10, Ticker: "SPY", Comparator: stree.CmpGT, Threshold: 0},
	})
	ind.Children["then"] = []*stree.Node{stree.NewPosition("", []string{"SPY"})}
	ind.Children["else"] = []*stree.Node{stree.NewPosition("", []string{stree.EmptyTicker})}

	alloc, err := Evaluate(ctx, ind)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, alloc["SPY"], 1e-9)
}

func TestNaNConditionIsFalse(t *testing.T) {
	closes := []float64{100, 101, 102}
	db := makeDB(t, map[string][]float64{"SPY": closes})
	ctx, _ := newCtx(db, 1) // SMA(10) undefined this early

	ind := stree.NewIndicator("i1", []stree.ConditionLine{
		{Metric: "SMA", Window: 10, Ticker: "SPY", Comparator: stree.CmpGT, Threshold: 0},
	})
	ind.Children["then"] = []*stree.Node{stree.NewPosition("", []string{"SPY"})}
	ind.Children["else"] = []*stree.Node{stree.NewPosition("", []string{stree.EmptyTicker})}

	alloc, err := Evaluate(ctx, ind)
	require.NoError(t, err)
	assert.Empty(t, alloc)
}

func TestInceptionGuardMovesWeightToCash(t *testing.T) {
	db := makeDB(t, map[string][]float64{"SPY": {100, 101, 102}})
	// Simulate a position-only ticker that starts later by building a DB
	// with a gapped series directly.
	series := []pricestore.PriceSeries{
		{Ticker: "SPY", Bars: []pricestore.Bar{
			{Timestamp: day(0), Open: 100, High: 101, Low: 99, Close: 100, AdjClose: 100, Volume: 1},
			{Timestamp: day(1), Open: 101, High: 102, Low: 100, Close: 101, AdjClose: 101, Volume: 1},
			{Timestamp: day(2), Open: 102, High: 103, Low: 101, Close: 102, AdjClose: 102, Volume: 1},
		}},
		{Ticker: "IEF", Bars: []pricestore.Bar{
			{Timestamp: day(2), Open: 80, High: 81, Low: 79, Close: 80, AdjClose: 80, Volume: 1},
		}},
	}
	gappedDB, err := pricestore.BuildDB(series, []string{"SPY"})
	require.NoError(t, err)

	ctx, warnings := newCtx(gappedDB, 0)
	_ = db
	pos := stree.NewPosition("p1", []string{"IEF"})
	alloc, err := Evaluate(ctx, pos)
	require.NoError(t, err)
	assert.Empty(t, alloc, "IEF not yet inceived at decision index 0")
	assert.Len(t, *warnings, 1)
}

func TestWeightEqualComposesChildren(t *testing.T) {
	db := makeDB(t, map[string][]float64{"SPY": {100, 101, 102}, "TLT": {50, 51, 52}})
	ctx, _ := newCtx(db, 2)

	w := stree.NewWeight("w1", stree.WeightEqual, []*stree.Node{
		stree.NewPosition("", []string{"SPY"}),
		stree.NewPosition("", []string{"TLT"}),
	})
	alloc, err := Evaluate(ctx, w)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, alloc["SPY"], 1e-9)
	assert.InDelta(t, 0.5, alloc["TLT"], 1e-9)
}

func TestWeightCappedRedistributes(t *testing.T) {
	db := makeDB(t, map[string][]float64{"A": {1, 2, 3}, "B": {1, 2, 3}, "C": {1, 2, 3}})
	ctx, _ := newCtx(db, 2)

	w := stree.NewWeight("w1", stree.WeightCapped, []*stree.Node{
		stree.NewPosition("", []string{"A"}),
		stree.NewPosition("", []string{"B"}),
		stree.NewPosition("", []string{"C"}),
	})
	w.CappedPct = 20 // below equal share of 1/3, forces redistribution
	alloc, err := Evaluate(ctx, w)
	require.NoError(t, err)
	sum := alloc["A"] + alloc["B"] + alloc["C"]
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestMemoisationReturnsSameAllocation(t *testing.T) {
	db := makeDB(t, map[string][]float64{"SPY": {100, 101, 102}})
	ctx, _ := newCtx(db, 2)

	pos := stree.NewPosition("p1", []string{"SPY"})
	a1, err := Evaluate(ctx, pos)
	require.NoError(t, err)
	a2, err := Evaluate(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
}

func TestRatioConditionDivisionByZero(t *testing.T) {
	db := makeDB(t, map[string][]float64{"A": {0, 0, 0}, "B": {1, 2, 3}})
	ctx, _ := newCtx(db, 2)

	ind := stree.NewIndicator("i1", []stree.ConditionLine{
		{Metric: "Price", Ticker: "B", Comparator: stree.CmpGT, Ticker2: "A"},
	})
	ind.Children["then"] = []*stree.Node{stree.NewPosition("", []string{"B"})}
	ind.Children["else"] = []*stree.Node{stree.NewPosition("", []string{stree.EmptyTicker})}

	alloc, err := Evaluate(ctx, ind)
	require.NoError(t, err)
	assert.Empty(t, alloc, "NaN ratio denominator must make the condition false")
}

func trendingCloses(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)*0.5
	}
	return out
}

func TestComputeMetric_ATRUsesRealHighLow(t *testing.T) {
	db := makeDB(t, map[string][]float64{"SPY": trendingCloses(30)})
	series, err := computeMetric(db, "ATR", "SPY", "", db.Close["SPY"], 14)
	require.NoError(t, err)
	// makeDB sets High = close+1, Low = close-1 on every bar, and the
	// close-to-close move here is 0.5, so the true range is a constant 2.
	assert.InDelta(t, 2.0, series[len(series)-1], 1e-9)
}

func TestComputeMetric_ADX(t *testing.T) {
	db := makeDB(t, map[string][]float64{"SPY": trendingCloses(60)})
	series, err := computeMetric(db, "ADX", "SPY", "", db.Close["SPY"], 14)
	require.NoError(t, err)
	assert.False(t, isAllNaN(series))
}

func TestComputeMetric_BollingerFields(t *testing.T) {
	db := makeDB(t, map[string][]float64{"SPY": trendingCloses(30)})
	upper, err := computeMetric(db, "Bollinger.Upper", "SPY", "", db.Close["SPY"], 10)
	require.NoError(t, err)
	lower, err := computeMetric(db, "Bollinger.Lower", "SPY", "", db.Close["SPY"], 10)
	require.NoError(t, err)
	last := len(upper) - 1
	assert.Greater(t, upper[last], lower[last])

	_, err = computeMetric(db, "Bollinger.Nonsense", "SPY", "", db.Close["SPY"], 10)
	assert.Error(t, err)
}

func TestComputeMetric_StochasticFields(t *testing.T) {
	db := makeDB(t, map[string][]float64{"SPY": trendingCloses(30)})
	k, err := computeMetric(db, "Stochastic.K", "SPY", "", db.Close["SPY"], 14)
	require.NoError(t, err)
	d, err := computeMetric(db, "Stochastic.D", "SPY", "", db.Close["SPY"], 14)
	require.NoError(t, err)
	assert.False(t, isAllNaN(k))
	assert.False(t, isAllNaN(d))
}

func TestComputeMetric_MACDFields(t *testing.T) {
	db := makeDB(t, map[string][]float64{"SPY": trendingCloses(60)})
	line, err := computeMetric(db, "MACD", "SPY", "", db.Close["SPY"], 0)
	require.NoError(t, err)
	signal, err := computeMetric(db, "MACD.Signal", "SPY", "", db.Close["SPY"], 0)
	require.NoError(t, err)
	hist, err := computeMetric(db, "MACD.Histogram", "SPY", "", db.Close["SPY"], 0)
	require.NoError(t, err)
	assert.False(t, isAllNaN(line))
	assert.False(t, isAllNaN(signal))
	assert.False(t, isAllNaN(hist))
}

func TestComputeMetric_CorrelationAndBeta(t *testing.T) {
	db := makeDB(t, map[string][]float64{"SPY": trendingCloses(30), "QQQ": trendingCloses(30)})

	corr, err := computeMetric(db, "Correlation", "SPY", "QQQ", db.Close["SPY"], 10)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, corr[len(corr)-1], 1e-6, "two identically trending series must be perfectly correlated")

	_, err = computeMetric(db, "Correlation", "SPY", "", db.Close["SPY"], 10)
	assert.Error(t, err, "Correlation without a second ticker must fail")

	beta, err := computeMetric(db, "Beta", "SPY", "QQQ", db.Close["SPY"], 10)
	require.NoError(t, err)
	assert.False(t, isAllNaN(beta))

	_, err = computeMetric(db, "Beta", "SPY", "", db.Close["SPY"], 10)
	assert.Error(t, err, "Beta without a benchmark ticker must fail")
}

func isAllNaN(xs []float64) bool {
	for _, x := range xs {
		if !math.IsNaN(x) {
			return false
		}
	}
	return true
}
