// Package evaluator recursively evaluates a strategy tree for one
// decision date, producing a ticker-weight Allocation. Evaluation is a
// pure, single-threaded pass over a caller-owned EvalCtx — no globals,
// no goroutines, no suspension mid-evaluation, following the context-
// struct-threaded recursive shape of trader/internal/modules/evaluation.
package evaluator

import (
	"math"
	"strings"

	"github.com/Belfering/QuantNexus-sub004/internal/corerr"
	"github.com/Belfering/QuantNexus-sub004/internal/indicator"
	"github.com/Belfering/QuantNexus-sub004/internal/pricestore"
	"github.com/Belfering/QuantNexus-sub004/internal/stree"
)

// Allocation maps ticker -> weight in [0,1]. Cash is implicit: 1 minus
// the sum of weights present.
type Allocation map[string]float64

// Warning is a non-fatal evaluation issue recorded against a decision
// date and, where applicable, a node.
type Warning struct {
	DecisionIndex int
	NodeID        string
	Kind          error
	Message       string
}

// IndicatorSeries is the set of pre-computed per-ticker indicator
// series an EvalCtx evaluates conditions against, keyed by
// "metric|ticker|ticker2|window" (see seriesKey).
type IndicatorSeries map[string][]float64

func seriesKey(metric, ticker, ticker2 string, window int) string {
	return metric + "|" + ticker + "|" + ticker2 + "|" + itoa(window)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

type cacheKey struct {
	nodeID        string
	decisionIndex int
}

// EvalCtx binds everything one backtest run's evaluation needs: the
// price database, the date under evaluation (split into its decision
// and indicator indices), a per-(node,date) memoisation cache, the
// resolved call chains, and the accumulated warnings.
type EvalCtx struct {
	DB             *pricestore.PriceDB
	Series         IndicatorSeries
	DecisionIndex  int
	IndicatorIndex int
	DecisionPrice  string // "open" or "close"

	cache    map[cacheKey]Allocation
	Warnings *[]Warning
}

// NewEvalCtx constructs an EvalCtx for one decision date. decisionPrice
// is "open" (indicatorIndex = decisionIndex-1) or "close" (indices
// coincide).
func NewEvalCtx(db *pricestore.PriceDB, series IndicatorSeries, decisionIndex int, decisionPrice string, cache map[cacheKey]Allocation, warnings *[]Warning) *EvalCtx {
	indicatorIndex := decisionIndex
	if decisionPrice == "open" {
		indicatorIndex = decisionIndex - 1
	}
	return &EvalCtx{
		DB:             db,
		Series:         series,
		DecisionIndex:  decisionIndex,
		IndicatorIndex: indicatorIndex,
		DecisionPrice:  decisionPrice,
		cache:          cache,
		Warnings:       warnings,
	}
}

// NewCache constructs the per-backtest memoisation cache.
func NewCache() map[cacheKey]Allocation { return map[cacheKey]Allocation{} }

func (ctx *EvalCtx) warn(kind error, nodeID, message string) {
	*ctx.Warnings = append(*ctx.Warnings, Warning{DecisionIndex: ctx.DecisionIndex, NodeID: nodeID, Kind: kind, Message: message})
}

// Evaluate returns the allocation n prescribes entering at
// ctx.DecisionIndex, applying memoisation and the position-inception
// guard.
func Evaluate(ctx *EvalCtx, n *stree.Node) (Allocation, error) {
	if n == nil {
		return Allocation{}, nil
	}
	key := cacheKey{nodeID: n.ID, decisionIndex: ctx.DecisionIndex}
	if cached, ok := ctx.cache[key]; ok {
		return cached, nil
	}

	alloc, err := evaluateNode(ctx, n)
	if err != nil {
		return nil, err
	}
	alloc = applyInceptionGuard(ctx, n.ID, alloc)
	ctx.cache[key] = alloc
	return alloc, nil
}

func evaluateNode(ctx *EvalCtx, n *stree.Node) (Allocation, error) {
	switch n.Kind {
	case stree.KindIndicator:
		return evaluateIndicator(ctx, n)
	case stree.KindPosition:
		return evaluatePosition(n), nil
	case stree.KindWeight:
		return evaluateWeight(ctx, n)
	case stree.KindCall:
		return nil, corerr.New(corerr.ErrInternal, n.ID, "", "unexpanded Call node reached the evaluator")
	case stree.KindFilterRank:
		return evaluateFilterRank(ctx, n)
	default:
		return nil, corerr.New(corerr.ErrInternal, n.ID, "kind", "unknown node kind")
	}
}

func evaluatePosition(n *stree.Node) Allocation {
	tickers := make([]string, 0, len(n.Tickers))
	for _, t := range n.Tickers {
		if t != stree.EmptyTicker {
			tickers = append(tickers, t)
		}
	}
	if len(tickers) == 0 {
		return Allocation{}
	}
	w := 1.0 / float64(len(tickers))
	out := make(Allocation, len(tickers))
	for _, t := range tickers {
		out[t] += w
	}
	return out
}

func evaluateIndicator(ctx *EvalCtx, n *stree.Node) (Allocation, error) {
	ok, err := conditionsHold(ctx, n)
	if err != nil {
		return nil, err
	}
	slot := "else"
	if ok {
		slot = "then"
	}
	children := n.Children[slot]
	return evaluateChildrenEqual(ctx, children)
}

func conditionsHold(ctx *EvalCtx, n *stree.Node) (bool, error) {
	for _, c := range n.Conditions {
		hold, err := conditionHolds(ctx, n.ID, c)
		if err != nil {
			return false, err
		}
		if !hold {
			return false, nil
		}
	}
	return true, nil
}

func conditionHolds(ctx *EvalCtx, nodeID string, c stree.ConditionLine) (bool, error) {
	series, err := ctx.seriesFor(c)
	if err != nil {
		return false, err
	}
	if ctx.IndicatorIndex < 0 || ctx.IndicatorIndex >= len(series) {
		ctx.warn(corerr.ErrInsufficientData, nodeID, "indicator lookback unavailable")
		return false, nil
	}

	cur := series[ctx.IndicatorIndex]

	switch c.Comparator {
	case stree.CmpLT:
		rhs, err := ctx.rhsValue(c)
		if err != nil {
			return false, err
		}
		return compareNaNSafe(cur, rhs, func(a, b float64) bool { return a < b }), nil
	case stree.CmpGT:
		rhs, err := ctx.rhsValue(c)
		if err != nil {
			return false, err
		}
		return compareNaNSafe(cur, rhs, func(a, b float64) bool { return a > b }), nil
	case stree.CmpCrossAbove, stree.CmpCrossBelow:
		if ctx.IndicatorIndex-1 < 0 {
			return false, nil
		}
		prev := series[ctx.IndicatorIndex-1]
		rhs, err := ctx.rhsValue(c)
		if err != nil {
			return false, err
		}
		prevRhs := rhs
		if c.Ticker2 != "" {
			// the right-hand side is the second ticker's series, so the
			// prior-day check uses that series' prior-day value
			other, err := ctx.seriesFor(stree.ConditionLine{Metric: c.Metric, Window: c.Window, Ticker: c.Ticker2})
			if err != nil {
				return false, err
			}
			prevRhs = math.NaN()
			if ctx.IndicatorIndex-1 < len(other) && other[ctx.IndicatorIndex-1] != 0 {
				prevRhs = other[ctx.IndicatorIndex-1]
			}
		}
		if c.Comparator == stree.CmpCrossAbove {
			return compareNaNSafe(cur, rhs, func(a, b float64) bool { return a > b }) &&
				compareNaNSafe(prev, prevRhs, func(a, b float64) bool { return a <= b }), nil
		}
		return compareNaNSafe(cur, rhs, func(a, b float64) bool { return a < b }) &&
			compareNaNSafe(prev, prevRhs, func(a, b float64) bool { return a >= b }), nil
	default:
		return false, corerr.New(corerr.ErrInternal, nodeID, "comparator", "unknown comparator")
	}
}

// rhsValue resolves a condition's right-hand side: either a constant
// threshold, or (for ratio conditions) the same metric/window computed
// on Ticker2 at the same index, itself divided into the threshold is
// not applicable here — the ratio is expressed as series(ticker) vs
// series(ticker2), with Threshold unused.
func (ctx *EvalCtx) rhsValue(c stree.ConditionLine) (float64, error) {
	if c.Ticker2 == "" {
		return c.Threshold, nil
	}
	other := stree.ConditionLine{Metric: c.Metric, Window: c.Window, Ticker: c.Ticker2}
	series, err := ctx.seriesFor(other)
	if err != nil {
		return 0, err
	}
	if ctx.IndicatorIndex < 0 || ctx.IndicatorIndex >= len(series) {
		return math.NaN(), nil
	}
	denom := series[ctx.IndicatorIndex]
	if denom == 0 {
		return math.NaN(), nil
	}
	return denom, nil
}

func compareNaNSafe(a, b float64, cmp func(a, b float64) bool) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return false
	}
	return cmp(a, b)
}

// seriesFor returns the pre-computed indicator series for a condition's
// (metric, ticker, window), computing and caching it on first use.
func (ctx *EvalCtx) seriesFor(c stree.ConditionLine) ([]float64, error) {
	key := seriesKey(c.Metric, c.Ticker, c.Ticker2, c.Window)
	if s, ok := ctx.Series[key]; ok {
		return s, nil
	}
	closes, ok := ctx.DB.Close[c.Ticker]
	if !ok {
		return nil, corerr.New(corerr.ErrTickerMissing, "", "ticker", c.Ticker)
	}
	series, err := computeMetric(ctx.DB, c.Metric, c.Ticker, c.Ticker2, closes, c.Window)
	if err != nil {
		return nil, err
	}
	ctx.Series[key] = series
	return series, nil
}

// bollingerK is the fixed band-width multiplier (spec's Bollinger(w, k)
// collapses to a single conventional k since ConditionLine carries only
// one window parameter).
const bollingerK = 2.0

// stochasticD is the fixed %D smoothing window.
const stochasticD = 3

// MACD's three periods are fixed at their conventional 12/26/9 values;
// ConditionLine.Window is unused for MACD metrics.
const (
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
)

// computeMetric dispatches a condition's metric name to the indicator
// library. Bollinger/Stochastic/MACD select a band or line via a
// "Metric.Field" suffix (e.g. "Bollinger.Upper", "Stochastic.K");
// Correlation/Beta use ticker2 as the second series.
func computeMetric(db *pricestore.PriceDB, metric, ticker, ticker2 string, closes []float64, window int) ([]float64, error) {
	base, field, _ := strings.Cut(metric, ".")
	switch base {
	case "Price":
		return indicator.Price(closes), nil
	case "SMA":
		return indicator.SMA(closes, window), nil
	case "EMA":
		return indicator.EMA(closes, window), nil
	case "RSI":
		return indicator.RSI(closes, window), nil
	case "Volatility":
		return indicator.Volatility(closes, window), nil
	case "ATR":
		return computeATR(db, ticker, closes, window)
	case "ADX":
		return computeADX(db, ticker, closes, window)
	case "Bollinger":
		return computeBollinger(closes, window, field)
	case "Stochastic":
		return computeStochastic(db, ticker, closes, window, field)
	case "MACD":
		return computeMACD(closes, field)
	case "Correlation":
		return computeCorrelation(db, ticker, ticker2, window)
	case "Beta":
		return computeBeta(db, ticker, ticker2, window)
	default:
		return nil, corerr.New(corerr.ErrValidation, "", "metric", "unsupported metric "+metric)
	}
}

func highLow(db *pricestore.PriceDB, ticker string) ([]float64, []float64, error) {
	highs, ok := db.High[ticker]
	if !ok {
		return nil, nil, corerr.New(corerr.ErrTickerMissing, "", "ticker", ticker)
	}
	lows, ok := db.Low[ticker]
	if !ok {
		return nil, nil, corerr.New(corerr.ErrTickerMissing, "", "ticker", ticker)
	}
	return highs, lows, nil
}

func computeATR(db *pricestore.PriceDB, ticker string, closes []float64, window int) ([]float64, error) {
	highs, lows, err := highLow(db, ticker)
	if err != nil {
		return nil, err
	}
	return indicator.ATR(highs, lows, closes, window), nil
}

func computeADX(db *pricestore.PriceDB, ticker string, closes []float64, window int) ([]float64, error) {
	highs, lows, err := highLow(db, ticker)
	if err != nil {
		return nil, err
	}
	return indicator.ADX(highs, lows, closes, window), nil
}

func computeBollinger(closes []float64, window int, field string) ([]float64, error) {
	bb := indicator.Bollinger(closes, window, bollingerK)
	switch field {
	case "", "Middle":
		return bb.Middle, nil
	case "Upper":
		return bb.Upper, nil
	case "Lower":
		return bb.Lower, nil
	default:
		return nil, corerr.New(corerr.ErrValidation, "", "metric", "unsupported Bollinger field "+field)
	}
}

func computeStochastic(db *pricestore.PriceDB, ticker string, closes []float64, window int, field string) ([]float64, error) {
	highs, lows, err := highLow(db, ticker)
	if err != nil {
		return nil, err
	}
	st := indicator.Stochastic(highs, lows, closes, window, stochasticD)
	switch field {
	case "", "K":
		return st.K, nil
	case "D":
		return st.D, nil
	default:
		return nil, corerr.New(corerr.ErrValidation, "", "metric", "unsupported Stochastic field "+field)
	}
}

func computeMACD(closes []float64, field string) ([]float64, error) {
	m := indicator.MACD(closes, macdFast, macdSlow, macdSignal)
	switch field {
	case "", "Line":
		return m.MACD, nil
	case "Signal":
		return m.Signal, nil
	case "Histogram":
		return m.Histogram, nil
	default:
		return nil, corerr.New(corerr.ErrValidation, "", "metric", "unsupported MACD field "+field)
	}
}

func computeCorrelation(db *pricestore.PriceDB, ticker, ticker2 string, window int) ([]float64, error) {
	if ticker2 == "" {
		return nil, corerr.New(corerr.ErrValidation, "", "ticker2", "Correlation requires a second ticker")
	}
	other, ok := db.Close[ticker2]
	if !ok {
		return nil, corerr.New(corerr.ErrTickerMissing, "", "ticker", ticker2)
	}
	return indicator.Correlation(db.Close[ticker], other, window), nil
}

func computeBeta(db *pricestore.PriceDB, ticker, ticker2 string, window int) ([]float64, error) {
	if ticker2 == "" {
		return nil, corerr.New(corerr.ErrValidation, "", "ticker2", "Beta requires a benchmark ticker")
	}
	benchmark, ok := db.Close[ticker2]
	if !ok {
		return nil, corerr.New(corerr.ErrTickerMissing, "", "ticker", ticker2)
	}
	return indicator.Beta(db.Close[ticker], benchmark, window), nil
}

func evaluateChildrenEqual(ctx *EvalCtx, children []*stree.Node) (Allocation, error) {
	allocs := make([]Allocation, 0, len(children))
	for _, c := range children {
		a, err := Evaluate(ctx, c)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	weights := equalWeights(len(allocs))
	return composeWeighted(allocs, weights), nil
}

func equalWeights(n int) []float64 {
	if n == 0 {
		return nil
	}
	w := make([]float64, n)
	share := 1.0 / float64(n)
	for i := range w {
		w[i] = share
	}
	return w
}

func composeWeighted(allocs []Allocation, weights []float64) Allocation {
	out := Allocation{}
	for i, a := range allocs {
		w := weights[i]
		for t, wt := range a {
			out[t] += wt * w
		}
	}
	return out
}

func applyInceptionGuard(ctx *EvalCtx, nodeID string, alloc Allocation) Allocation {
	var movedToCash float64
	out := make(Allocation, len(alloc))
	for t, w := range alloc {
		if ctx.DB.Inception(t) > ctx.DecisionIndex {
			movedToCash += w
			ctx.warn(corerr.ErrValidation, nodeID, "position "+t+" not yet inceived, weight moved to cash")
			continue
		}
		out[t] = w
	}
	_ = movedToCash // cash is implicit: simply not present in out
	return out
}
