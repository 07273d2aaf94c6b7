// Package backtest runs a strategy tree over a price database date by
// date, accumulating equity, drawdown, turnover, and per-date
// allocations, then derives summary metrics. Grounded on the
// equity-curve/drawdown accumulation loop of
// other_examples/63417cdf_rizrmd-aibot__internal-backtest-engine.go.go,
// adapted to the evaluator's Allocation type and the spec's full
// metric set.
package backtest

import (
	"math"
	"time"

	"github.com/Belfering/QuantNexus-sub004/internal/corerr"
	"github.com/Belfering/QuantNexus-sub004/internal/evaluator"
	"github.com/Belfering/QuantNexus-sub004/internal/pricestore"
	"github.com/Belfering/QuantNexus-sub004/internal/stree"
)

// Mode selects the entry/exit price-pair convention.
type Mode int

const (
	ModeCC Mode = iota // close -> close, adjusted for dividends
	ModeCO             // close decision, next open -> next open
	ModeOO             // open -> open
	ModeOC             // open -> close, same day
)

// Marker annotates a date with a non-fatal data condition (e.g. a
// missing price substituted with zero contribution).
type Marker struct {
	DateIndex int
	Ticker    string
	Message   string
}

// Metrics is the summary bundle computed over one equity/return series.
type Metrics struct {
	CAGR         float64
	Volatility   float64
	MaxDrawdown  float64 // positive magnitude; see DESIGN.md Open Question 1
	Sharpe       float64
	Sortino      float64
	Calmar       float64
	Treynor      float64
	Beta         float64
	WinRate      float64
	AvgTurnover  float64
	AvgHoldings  float64
	TIM          float64
	TIMAR        float64
	BestDay      float64
	WorstDay     float64
	TradingDays  int
	TotalReturn  float64
	CVaR         float64 // 95% conditional value at risk of daily net returns
}

// Result is the full output of one backtest run.
type Result struct {
	Dates          []time.Time
	EquityPoints   []float64
	DrawdownPoints []float64 // negative fraction; see DESIGN.md Open Question 1
	Allocations    []evaluator.Allocation
	NetReturns     []float64
	Turnovers      []float64
	Metrics        Metrics

	Warnings []evaluator.Warning
	Markers  []Marker

	ISMetrics    *Metrics
	OOSMetrics   *Metrics
	OOSStartDate *time.Time
}

// Run backtests tree over db under mode, applying costBps of
// proportional-turnover transaction cost, and (optionally) a benchmark
// ticker for Treynor beta and an IS/OOS split.
func Run(tree *stree.Node, db *pricestore.PriceDB, mode Mode, costBps float64, benchmarkTicker string, split *SplitConfig) (*Result, error) {
	indicatorTickers, positionTickers := stree.CollectTickers(tree)

	start, limitingTicker, err := startIndex(db, indicatorTickers, positionTickers)
	if err != nil {
		return nil, err
	}
	if start >= db.Len() {
		return nil, corerr.New(corerr.ErrInsufficientData, "", "", "no evaluable dates after start index: limiting ticker "+limitingTicker)
	}

	warnings := []evaluator.Warning{}
	series := evaluator.IndicatorSeries{}
	cache := evaluator.NewCache()

	n := db.Len() - start
	res := &Result{
		Dates:          make([]time.Time, 0, n),
		EquityPoints:   make([]float64, 0, n),
		DrawdownPoints: make([]float64, 0, n),
		Allocations:    make([]evaluator.Allocation, 0, n),
		NetReturns:     make([]float64, 0, n),
		Turnovers:      make([]float64, 0, n),
	}

	equity := 1.0
	peak := 1.0
	var prevAlloc evaluator.Allocation

	for i := start; i < db.Len(); i++ {
		ctx := evaluator.NewEvalCtx(db, series, i, decisionPriceFor(mode), cache, &warnings)
		alloc, err := evaluator.Evaluate(ctx, tree)
		if err != nil {
			return nil, err
		}

		gross := grossReturn(db, alloc, i, mode, &res.Markers, i-start)
		turnover := turnoverFraction(prevAlloc, alloc)
		cost := (costBps / 10000.0) * turnover
		net := gross - cost

		equity *= 1 + net
		if equity > peak {
			peak = equity
		}
		drawdown := math.Min(0, equity/peak-1)

		res.Dates = append(res.Dates, db.Dates[i])
		res.EquityPoints = append(res.EquityPoints, equity)
		res.DrawdownPoints = append(res.DrawdownPoints, drawdown)
		res.Allocations = append(res.Allocations, alloc)
		res.NetReturns = append(res.NetReturns, net)
		res.Turnovers = append(res.Turnovers, turnover)

		prevAlloc = alloc
	}

	res.Warnings = warnings
	benchReturns := benchmarkReturns(db, benchmarkTicker, start)
	res.Metrics = computeMetrics(res.NetReturns, res.EquityPoints, res.DrawdownPoints, res.Turnovers, res.Allocations, benchReturns)

	if split != nil {
		if err := applySplit(res, split); err != nil {
			return nil, err
		}
	}

	return res, nil
}

func decisionPriceFor(mode Mode) string {
	if mode == ModeOO || mode == ModeOC {
		return "open"
	}
	return "close"
}

// startIndex is max(indicator lookback requirement, first index at
// which every position ticker has a price), expressed here as the
// later of "every indicator ticker's own inception" (already 0 within
// the aligned DB) and the latest position-ticker inception.
func startIndex(db *pricestore.PriceDB, indicatorTickers, positionTickers []string) (int, string, error) {
	start := 0
	limiting := ""
	for _, t := range positionTickers {
		idx := db.Inception(t)
		if idx > start {
			start = idx
			limiting = t
		}
	}
	return start, limiting, nil
}

// grossReturn is Sigma weight_i*(exit_i/entry_i - 1) for the leg prices
// the mode selects. Missing/zero/non-finite prices substitute a zero
// contribution for that leg and record a marker.
func grossReturn(db *pricestore.PriceDB, alloc evaluator.Allocation, i int, mode Mode, markers *[]Marker, relIdx int) float64 {
	if (i+1 >= db.Len() && mode != ModeOC) || (mode == ModeCO && i+2 >= db.Len()) {
		return 0
	}
	var total float64
	for t, w := range alloc {
		entry, exit, ok := legPrices(db, t, i, mode)
		if !ok || entry == 0 || math.IsNaN(entry) || math.IsNaN(exit) || math.IsInf(entry, 0) || math.IsInf(exit, 0) {
			*markers = append(*markers, Marker{DateIndex: relIdx, Ticker: t, Message: "missing or non-finite price, leg contribution zeroed"})
			continue
		}
		total += w * (exit/entry - 1)
	}
	return total
}

func legPrices(db *pricestore.PriceDB, ticker string, i int, mode Mode) (entry, exit float64, ok bool) {
	switch mode {
	case ModeCC:
		if i+1 >= db.Len() {
			return 0, 0, false
		}
		adj, exists := db.AdjClose[ticker]
		if !exists {
			return 0, 0, false
		}
		return adj[i], adj[i+1], true
	case ModeCO:
		if i+2 >= db.Len() {
			return 0, 0, false
		}
		open, exists := db.Open[ticker]
		if !exists {
			return 0, 0, false
		}
		return open[i+1], open[i+2], true
	case ModeOO:
		if i+1 >= db.Len() {
			return 0, 0, false
		}
		open, exists := db.Open[ticker]
		if !exists {
			return 0, 0, false
		}
		return open[i], open[i+1], true
	case ModeOC:
		open, existsO := db.Open[ticker]
		cls, existsC := db.Close[ticker]
		if !existsO || !existsC {
			return 0, 0, false
		}
		return open[i], cls[i], true
	default:
		return 0, 0, false
	}
}

// turnoverFraction is 1/2 * sum |w_i - w'_i| across the union of
// tickers held before and after.
func turnoverFraction(prev, cur evaluator.Allocation) float64 {
	tickers := map[string]bool{}
	for t := range prev {
		tickers[t] = true
	}
	for t := range cur {
		tickers[t] = true
	}
	var sum float64
	for t := range tickers {
		sum += math.Abs(cur[t] - prev[t])
	}
	return sum / 2
}

func benchmarkReturns(db *pricestore.PriceDB, ticker string, start int) []float64 {
	if ticker == "" {
		return nil
	}
	adj, ok := db.AdjClose[ticker]
	if !ok {
		return nil
	}
	// Produces one entry per evaluated date (same length as NetReturns),
	// aligned so benchReturns[i] is the benchmark's same-day return at
	// res.Dates[i]. The final date has no next-day return and is NaN.
	out := make([]float64, 0, db.Len()-start)
	for i := start; i < db.Len(); i++ {
		if i+1 >= db.Len() || adj[i] == 0 || math.IsNaN(adj[i]) || math.IsNaN(adj[i+1]) {
			out = append(out, math.NaN())
			continue
		}
		out = append(out, adj[i+1]/adj[i]-1)
	}
	return out
}
