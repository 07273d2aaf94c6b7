package evaluator

import (
	"math"
	"sort"

	"github.com/Belfering/QuantNexus-sub004/internal/corerr"
	"github.com/Belfering/QuantNexus-sub004/internal/stree"
	"github.com/Belfering/QuantNexus-sub004/pkg/formulas"
)

const defaultVolLookback = 20

func evaluateWeight(ctx *EvalCtx, n *stree.Node) (Allocation, error) {
	children := n.OrderedChildren()
	allocs := make([]Allocation, 0, len(children))
	for _, c := range children {
		a, err := Evaluate(ctx, c)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	if len(allocs) == 0 {
		return Allocation{}, nil
	}

	weights, err := weightsFor(ctx, n, allocs)
	if err != nil {
		return nil, err
	}
	return composeWeighted(allocs, weights), nil
}

func weightsFor(ctx *EvalCtx, n *stree.Node, allocs []Allocation) ([]float64, error) {
	switch n.Mode {
	case stree.WeightEqual:
		return equalWeights(len(allocs)), nil
	case stree.WeightInverseVol:
		return volWeights(ctx, n, allocs, true)
	case stree.WeightProVol:
		return volWeights(ctx, n, allocs, false)
	case stree.WeightCapped:
		return cappedWeights(equalWeights(len(allocs)), n.CappedPct), nil
	case stree.WeightDefined:
		return definedWeights(n, len(allocs)), nil
	default:
		return nil, corerr.New(corerr.ErrInternal, n.ID, "mode", "unknown weight mode")
	}
}

// volWeights derives each child's realised daily-return volatility over
// a lookback window (default 20 days) from a synthetic child equity
// built by re-evaluating the child at each prior decision date, then
// weights inversely (inverseVol=true) or proportionally
// (inverseVol=false) to that volatility.
func volWeights(ctx *EvalCtx, n *stree.Node, allocs []Allocation, inverse bool) ([]float64, error) {
	lookback := n.VolLookback
	if lookback <= 0 {
		lookback = defaultVolLookback
	}
	children := n.OrderedChildren()
	vols := make([]float64, len(children))
	for i, c := range children {
		vol, err := childVolatility(ctx, c, lookback)
		if err != nil {
			return nil, err
		}
		vols[i] = vol
	}

	for i, v := range vols {
		if v <= 0 || math.IsNaN(v) {
			vols[i] = 1e-9
		}
	}

	if inverse {
		variances := make([]float64, len(vols))
		for i, v := range vols {
			variances[i] = v * v
		}
		return formulas.InverseVarianceWeights(variances), nil
	}

	weights := make([]float64, len(vols))
	var sum float64
	for i, v := range vols {
		weights[i] = v
		sum += v
	}
	if sum == 0 {
		return equalWeights(len(vols)), nil
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights, nil
}

// childVolatility computes the stddev of the child subtree's own daily
// returns over the trailing lookback decision dates, by re-evaluating
// the child's allocation at each prior date and applying it to the
// realised single-day return of its ticker mix. Returns 0 when fewer
// than 2 return observations are available (too early in the series).
func childVolatility(ctx *EvalCtx, child *stree.Node, lookback int) (float64, error) {
	start := ctx.DecisionIndex - lookback
	if start < 1 {
		start = 1
	}
	var returns []float64
	for i := start; i <= ctx.DecisionIndex; i++ {
		if i-1 < 0 || i >= ctx.DB.Len() {
			continue
		}
		childCtx := NewEvalCtx(ctx.DB, ctx.Series, i-1, ctx.DecisionPrice, ctx.cache, ctx.Warnings)
		alloc, err := Evaluate(childCtx, child)
		if err != nil {
			return 0, err
		}
		r := allocationReturn(ctx, alloc, i-1, i)
		if !math.IsNaN(r) {
			returns = append(returns, r)
		}
	}
	if len(returns) < 2 {
		return 0, nil
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var sumSq float64
	for _, r := range returns {
		d := r - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(returns))), nil
}

// allocationReturn is the weight-blended single-day adjusted-close
// return of alloc's tickers between fromIdx and toIdx. NaN if any held
// ticker lacks a price on either date.
func allocationReturn(ctx *EvalCtx, alloc Allocation, fromIdx, toIdx int) float64 {
	if len(alloc) == 0 {
		return 0
	}
	var total float64
	for t, w := range alloc {
		series, ok := ctx.DB.AdjClose[t]
		if !ok || fromIdx < 0 || toIdx >= len(series) {
			return math.NaN()
		}
		from, to := series[fromIdx], series[toIdx]
		if math.IsNaN(from) || math.IsNaN(to) || from == 0 {
			return math.NaN()
		}
		total += w * (to/from - 1)
	}
	return total
}

func cappedWeights(base []float64, capPct float64) []float64 {
	if capPct <= 0 || capPct >= 100 {
		return base
	}
	capFrac := capPct / 100.0
	weights := append([]float64(nil), base...)
	for {
		excess := 0.0
		uncappedIdx := make([]int, 0, len(weights))
		for i, w := range weights {
			if w > capFrac {
				excess += w - capFrac
				weights[i] = capFrac
			} else {
				uncappedIdx = append(uncappedIdx, i)
			}
		}
		if excess <= 1e-12 || len(uncappedIdx) == 0 {
			break
		}
		share := excess / float64(len(uncappedIdx))
		overflowed := false
		for _, i := range uncappedIdx {
			weights[i] += share
			if weights[i] > capFrac {
				overflowed = true
			}
		}
		if !overflowed {
			break
		}
	}
	return weights
}

func definedWeights(n *stree.Node, count int) []float64 {
	weights := make([]float64, count)
	var sum float64
	for i := 0; i < count; i++ {
		w, ok := n.DefinedWeights[sortableIndex(i)]
		if !ok {
			w = 0
		}
		weights[i] = w
		sum += w
	}
	if sum == 0 {
		return equalWeights(count)
	}
	if math.Abs(sum-1.0) > 1e-9 {
		for i := range weights {
			weights[i] /= sum
		}
	}
	return weights
}

func sortableIndex(i int) string {
	const digits = "0123456789"
	if i < 10 {
		return string(digits[i])
	}
	var buf []byte
	for i > 0 {
		buf = append([]byte{digits[i%10]}, buf...)
		i /= 10
	}
	return string(buf)
}

func evaluateFilterRank(ctx *EvalCtx, n *stree.Node) (Allocation, error) {
	children := n.OrderedChildren()
	type scored struct {
		node  *stree.Node
		alloc Allocation
		score float64
	}
	scoredChildren := make([]scored, 0, len(children))
	for _, c := range children {
		a, err := Evaluate(ctx, c)
		if err != nil {
			return nil, err
		}
		score, err := rankScore(ctx, n.RankMetric, n.RankWindow, a)
		if err != nil {
			return nil, err
		}
		scoredChildren = append(scoredChildren, scored{node: c, alloc: a, score: score})
	}
	sort.SliceStable(scoredChildren, func(i, j int) bool { return scoredChildren[i].score > scoredChildren[j].score })

	topN := n.RankTopN
	if topN <= 0 || topN > len(scoredChildren) {
		topN = len(scoredChildren)
	}
	top := scoredChildren[:topN]
	allocs := make([]Allocation, len(top))
	for i, s := range top {
		allocs[i] = s.alloc
	}
	return composeWeighted(allocs, equalWeights(len(allocs))), nil
}

// rankScore scores an allocation by averaging its constituent tickers'
// metric value over the ranking window at the current indicator index.
func rankScore(ctx *EvalCtx, metric string, window int, alloc Allocation) (float64, error) {
	if len(alloc) == 0 {
		return math.Inf(-1), nil
	}
	var sum float64
	var n int
	for t := range alloc {
		closes, ok := ctx.DB.Close[t]
		if !ok {
			continue
		}
		series, err := computeMetric(ctx.DB, metric, t, "", closes, window)
		if err != nil {
			return 0, err
		}
		if ctx.IndicatorIndex < 0 || ctx.IndicatorIndex >= len(series) {
			continue
		}
		v := series[ctx.IndicatorIndex]
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.Inf(-1), nil
	}
	return sum / float64(n), nil
}
