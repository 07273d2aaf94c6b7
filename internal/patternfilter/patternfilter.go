// Package patternfilter applies hard-requirement filtering, metric
// ranking, structural-pattern deduplication, and composite-tree
// assembly over a batch of backtested branches.
//
// Grounded on the registry/chained-filter shape of
// trader/internal/modules/sequences/filters/registry.go
// (FilterRegistry.ApplyFilters threading a result slice through
// successive filters) and the threshold/pass-through idiom of
// trader/internal/modules/sequences/filters/correlation_aware.go,
// generalized from per-sequence filters to per-branch metric
// predicates plus a structural-signature grouping stage that the
// teacher does not have an analogue for.
package patternfilter

import (
	"fmt"
	"sort"
	"time"

	"github.com/Belfering/QuantNexus-sub004/internal/backtest"
	"github.com/Belfering/QuantNexus-sub004/internal/corerr"
	"github.com/Belfering/QuantNexus-sub004/internal/stree"
)

// RequirementComparator selects a hard-requirement's direction.
type RequirementComparator int

const (
	AtLeast RequirementComparator = iota
	AtMost
)

// Requirement is one hard-requirement predicate evaluated against a
// branch's IS metrics.
type Requirement struct {
	Metric     string
	Comparator RequirementComparator
	Value      float64
}

// Branch is one backtested candidate entering the filter/rank/combine
// pipeline.
type Branch struct {
	ID           string
	Tree         *stree.Node
	ISMetrics    backtest.Metrics
	OOSStartDate *time.Time
}

// descendingMetrics rank highest-first (return and risk-adjusted
// measures); every other known metric ranks lowest-first
// (drawdown, volatility).
var descendingMetrics = map[string]bool{
	"CAGR": true, "Sharpe": true, "Sortino": true, "Calmar": true,
	"Treynor": true, "WinRate": true, "TotalReturn": true, "AvgHoldings": true,
	"TIM": true, "TIMAR": true, "BestDay": true,
}

func metricValue(m backtest.Metrics, name string) (float64, error) {
	switch name {
	case "CAGR":
		return m.CAGR, nil
	case "Volatility":
		return m.Volatility, nil
	case "MaxDrawdown":
		return m.MaxDrawdown, nil
	case "Sharpe":
		return m.Sharpe, nil
	case "Sortino":
		return m.Sortino, nil
	case "Calmar":
		return m.Calmar, nil
	case "Treynor":
		return m.Treynor, nil
	case "Beta":
		return m.Beta, nil
	case "WinRate":
		return m.WinRate, nil
	case "AvgTurnover":
		return m.AvgTurnover, nil
	case "AvgHoldings":
		return m.AvgHoldings, nil
	case "TIM":
		return m.TIM, nil
	case "TIMAR":
		return m.TIMAR, nil
	case "BestDay":
		return m.BestDay, nil
	case "WorstDay":
		return m.WorstDay, nil
	case "TotalReturn":
		return m.TotalReturn, nil
	default:
		return 0, fmt.Errorf("patternfilter: unknown metric %q", name)
	}
}

// ApplyRequirements drops every branch failing any requirement,
// evaluated against its IS metrics.
func ApplyRequirements(branches []Branch, reqs []Requirement) ([]Branch, error) {
	if len(reqs) == 0 {
		return branches, nil
	}
	out := make([]Branch, 0, len(branches))
	for _, b := range branches {
		pass := true
		for _, r := range reqs {
			v, err := metricValue(b.ISMetrics, r.Metric)
			if err != nil {
				return nil, err
			}
			switch r.Comparator {
			case AtLeast:
				if v < r.Value {
					pass = false
				}
			case AtMost:
				if v > r.Value {
					pass = false
				}
			}
			if !pass {
				break
			}
		}
		if pass {
			out = append(out, b)
		}
	}
	return out, nil
}

// Rank sorts branches by metric, descending for return/risk-adjusted
// metrics and ascending for drawdown/volatility metrics. The input
// slice is not mutated.
func Rank(branches []Branch, metric string) ([]Branch, error) {
	out := append([]Branch(nil), branches...)
	values := make(map[string]float64, len(out))
	for _, b := range out {
		v, err := metricValue(b.ISMetrics, metric)
		if err != nil {
			return nil, err
		}
		values[b.ID] = v
	}
	descending := descendingMetrics[metric]
	sort.SliceStable(out, func(i, j int) bool {
		vi, vj := values[out[i].ID], values[out[j].ID]
		if descending {
			return vi > vj
		}
		return vi < vj
	})
	return out, nil
}

// SelectTopX keeps at most the first x branches of an already-ranked
// slice.
func SelectTopX(ranked []Branch, x int) []Branch {
	if x <= 0 || x >= len(ranked) {
		return ranked
	}
	return ranked[:x]
}

// SelectTopXPerPattern keeps at most x branches per distinct Sig(tree),
// preserving the input (already-ranked) order within and across
// patterns.
func SelectTopXPerPattern(ranked []Branch, x int) []Branch {
	if x <= 0 {
		return ranked
	}
	counts := map[string]int{}
	out := make([]Branch, 0, len(ranked))
	for _, b := range ranked {
		s := Sig(b.Tree)
		if counts[s] >= x {
			continue
		}
		counts[s]++
		out = append(out, b)
	}
	return out
}

// Sig computes the structural pattern signature of tree: for each
// Indicator node, the tuple (indicator_kind, comparator, sorted
// position tickers reachable through it); for each Position leaf, its
// own ticker set. Window and threshold are excluded, so branches that
// only vary those numeric parameters collapse to the same signature.
func Sig(tree *stree.Node) string {
	var parts []string
	stree.Traverse(tree, stree.Visitor{OnNode: func(n *stree.Node) {
		switch n.Kind {
		case stree.KindIndicator:
			_, reachable := stree.CollectTickers(n)
			sort.Strings(reachable)
			var gate string
			for i, c := range n.Conditions {
				if i > 0 {
					gate += "&"
				}
				gate += fmt.Sprintf("%s:%d", c.Metric, int(c.Comparator))
			}
			parts = append(parts, fmt.Sprintf("IND(%s,%s)", gate, joinSorted(reachable)))
		case stree.KindPosition:
			tickers := append([]string(nil), n.Tickers...)
			sort.Strings(tickers)
			parts = append(parts, fmt.Sprintf("POS(%s)", joinSorted(tickers)))
		}
	}})
	sort.Strings(parts)
	return joinSorted(parts)
}

func joinSorted(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += "|"
		}
		out += s
	}
	return out
}

// Combine assembles the selected branches into one composite
// StrategyTree: a top-level Weight node over the branches' trees
// (each re-cloned with fresh ids, so the composite shares no
// evaluator-cache key with its sources), under mode. The earliest
// non-nil OOSStartDate among the selected branches is propagated so
// downstream IS/OOS metrics on the composite stay meaningful.
func Combine(branches []Branch, mode stree.WeightMode, cappedPct float64, definedWeights map[string]float64) (*stree.Node, *time.Time, error) {
	if len(branches) == 0 {
		return nil, nil, corerr.New(corerr.ErrEmptyStrategy, "", "", "combine requires at least one branch")
	}
	children := make([]*stree.Node, len(branches))
	for i, b := range branches {
		children[i] = stree.CloneWithFreshIDs(b.Tree)
	}
	root := stree.NewWeight(stree.NewID(), mode, children)
	if mode == stree.WeightCapped {
		root.CappedPct = cappedPct
	}
	if mode == stree.WeightDefined {
		root.DefinedWeights = definedWeights
	}

	var oos *time.Time
	for _, b := range branches {
		if b.OOSStartDate == nil {
			continue
		}
		if oos == nil || b.OOSStartDate.Before(*oos) {
			oos = b.OOSStartDate
		}
	}
	return root, oos, nil
}
