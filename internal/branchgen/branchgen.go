// Package branchgen enumerates the Cartesian product of a parameter
// sweep config into concrete strategy-tree branches. Grounded on the
// nested-loop combination generator in
// trader/internal/modules/sequences/generators/enhanced_combinatorial.go,
// generalized from pairwise sequence combination to a full Cartesian
// product over independent parameter axes.
package branchgen

import (
	"github.com/google/uuid"

	"github.com/Belfering/QuantNexus-sub004/internal/stree"
)

// Comparator selects which comparator(s) a generated gate uses.
type Comparator int

const (
	CmpLT Comparator = iota
	CmpGT
	CmpBoth // expands to {CmpLT, CmpGT}
)

// GateConfig describes one Indicator gate's parameter axes (a single
// condition, or — via L2 — a conjunction of two).
type GateConfig struct {
	Indicator    string
	PeriodMin    int
	PeriodMax    int
	Tickers      []string
	Comparator   Comparator
	ThresholdMin float64
	ThresholdMax float64
	ThresholdStep float64
	L2           *GateConfig // optional second gate, conjoined
}

// Config is the full sweep specification, producing one Indicator gate
// whose "then" holds the position leg and whose "else" holds cash.
type Config struct {
	Gate       GateConfig
	PositionTickers []string // tickers the "then" leg holds; defaults to Gate.Tickers
	AltTicker  string        // when set, position leaves use AltTicker while the gate still references Gate.Tickers
}

// Branch is one concrete instantiation from the sweep: a strategy tree
// plus the parameter vector that produced it.
type Branch struct {
	ID     string
	Tree   *stree.Node
	Params map[string]any
}

func comparators(c Comparator) []stree.Comparator {
	switch c {
	case CmpLT:
		return []stree.Comparator{stree.CmpLT}
	case CmpGT:
		return []stree.Comparator{stree.CmpGT}
	case CmpBoth:
		return []stree.Comparator{stree.CmpLT, stree.CmpGT}
	default:
		return nil
	}
}

func periods(min, max int) []int {
	if min <= 0 {
		min = 1
	}
	if max < min {
		max = min
	}
	out := make([]int, 0, max-min+1)
	for p := min; p <= max; p++ {
		out = append(out, p)
	}
	return out
}

func thresholds(min, max, step float64) []float64 {
	if step <= 0 {
		return []float64{min}
	}
	var out []float64
	for v := min; v <= max+1e-9; v += step {
		out = append(out, v)
	}
	if len(out) == 0 {
		out = []float64{min}
	}
	return out
}

// axisSize is the number of distinct gate instantiations one GateConfig
// produces, used by both Generate and EstimateCount.
func axisSize(g GateConfig) int {
	n := len(g.Tickers) * len(periods(g.PeriodMin, g.PeriodMax)) * len(comparators(g.Comparator)) * len(thresholds(g.ThresholdMin, g.ThresholdMax, g.ThresholdStep))
	if g.L2 != nil {
		n *= axisSize(*g.L2)
	}
	return n
}

// EstimateCount returns the product size branchgen.Generate would
// produce, without materialising any tree (spec P6: must match
// len(Generate(cfg)) exactly).
func EstimateCount(cfg Config) int {
	return axisSize(cfg.Gate)
}

// Generate produces every branch in the Cartesian product described by
// cfg.
func Generate(cfg Config) []Branch {
	gateInstances := expandGate(cfg.Gate)

	positionTickers := cfg.PositionTickers
	if len(positionTickers) == 0 {
		positionTickers = cfg.Gate.Tickers
	}

	out := make([]Branch, 0, len(gateInstances))
	for _, gi := range gateInstances {
		out = append(out, buildBranch(gi, positionTickers, cfg.AltTicker))
	}
	return out
}

// gateInstance is one fully-resolved point in a GateConfig's parameter
// space, carrying enough to reconstruct both the tree and the params
// map for the resulting Branch.
type gateInstance struct {
	indicator  string
	ticker     string
	period     int
	comparator stree.Comparator
	threshold  float64
	l2         *gateInstance
}

func expandGate(g GateConfig) []gateInstance {
	var out []gateInstance
	for _, ticker := range g.Tickers {
		for _, period := range periods(g.PeriodMin, g.PeriodMax) {
			for _, cmp := range comparators(g.Comparator) {
				for _, thr := range thresholds(g.ThresholdMin, g.ThresholdMax, g.ThresholdStep) {
					base := gateInstance{indicator: g.Indicator, ticker: ticker, period: period, comparator: cmp, threshold: thr}
					if g.L2 == nil {
						out = append(out, base)
						continue
					}
					for _, l2 := range expandGate(*g.L2) {
						b := base
						l2Copy := l2
						b.l2 = &l2Copy
						out = append(out, b)
					}
				}
			}
		}
	}
	return out
}

func buildBranch(gi gateInstance, positionTickers []string, altTicker string) Branch {
	conditions := []stree.ConditionLine{
		{Metric: gi.indicator, Window: gi.period, Ticker: gi.ticker, Comparator: gi.comparator, Threshold: gi.threshold},
	}
	params := map[string]any{
		"ticker":     gi.ticker,
		"period":     gi.period,
		"comparator": gi.comparator,
		"threshold":  gi.threshold,
	}
	if gi.l2 != nil {
		conditions = append(conditions, stree.ConditionLine{Metric: gi.l2.indicator, Window: gi.l2.period, Ticker: gi.l2.ticker, Comparator: gi.l2.comparator, Threshold: gi.l2.threshold})
		params["l2_ticker"] = gi.l2.ticker
		params["l2_period"] = gi.l2.period
		params["l2_comparator"] = gi.l2.comparator
		params["l2_threshold"] = gi.l2.threshold
	}

	legTickers := positionTickers
	if altTicker != "" {
		legTickers = []string{altTicker}
		params["alt_ticker"] = altTicker
	}

	ind := stree.NewIndicator(stree.NewID(), conditions)
	ind.Children["then"] = []*stree.Node{stree.NewPosition(stree.NewID(), legTickers)}
	ind.Children["else"] = []*stree.Node{stree.NewPosition(stree.NewID(), []string{stree.EmptyTicker})}

	return Branch{ID: uuid.NewString(), Tree: ind, Params: params}
}
