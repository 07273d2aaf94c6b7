package stree

import (
	"github.com/Belfering/QuantNexus-sub004/internal/corerr"
)

// Clone deep-copies a tree, preserving node ids.
func Clone(n *Node) *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		ID:             n.ID,
		Kind:           n.Kind,
		Conditions:     append([]ConditionLine(nil), n.Conditions...),
		Tickers:        append([]string(nil), n.Tickers...),
		Mode:           n.Mode,
		CappedPct:      n.CappedPct,
		VolLookback:    n.VolLookback,
		CallID:         n.CallID,
		RankMetric:     n.RankMetric,
		RankWindow:     n.RankWindow,
		RankTopN:       n.RankTopN,
		DefinedWeights: cloneWeights(n.DefinedWeights),
	}
	if n.Children != nil {
		out.Children = make(map[string][]*Node, len(n.Children))
		for slot, kids := range n.Children {
			cloned := make([]*Node, len(kids))
			for i, k := range kids {
				cloned[i] = Clone(k)
			}
			out.Children[slot] = cloned
		}
	}
	return out
}

func cloneWeights(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EnsureSlots fills any Indicator node missing a "then" or "else" slot
// with a Position node holding only the cash sentinel. Returns a new
// tree; input is unmodified.
func EnsureSlots(n *Node) *Node {
	out := Clone(n)
	ensureSlots(out)
	return out
}

func ensureSlots(n *Node) {
	if n == nil {
		return
	}
	switch n.Kind {
	case KindIndicator:
		if len(n.Children["then"]) == 0 {
			n.Children["then"] = []*Node{NewPosition("", []string{EmptyTicker})}
		}
		if len(n.Children["else"]) == 0 {
			n.Children["else"] = []*Node{NewPosition("", []string{EmptyTicker})}
		}
	}
	for _, kids := range n.Children {
		for _, k := range kids {
			ensureSlots(k)
		}
	}
}

// Normalise applies EnsureSlots, strips empty child lists on
// non-Indicator nodes, and canonicalises weighting-mode defaults
// (a Weight node with no mode set defaults to equal).
func Normalise(n *Node) *Node {
	out := EnsureSlots(n)
	normalise(out)
	return out
}

func normalise(n *Node) {
	if n == nil {
		return
	}
	if n.Kind == KindWeight || n.Kind == KindFilterRank {
		for slot, kids := range n.Children {
			if len(kids) == 0 {
				delete(n.Children, slot)
			}
		}
	}
	for _, kids := range n.Children {
		for _, k := range kids {
			normalise(k)
		}
	}
}

// CompressStats reports the effect of a Compress pass.
type CompressStats struct {
	OriginalNodes   int
	CompressedNodes int
	NodesRemoved    int
	GatesMerged     int
}

// Compress removes branches whose every leaf is the cash sentinel,
// collapses single-child weighting chains, and merges adjacent
// Indicator gates into one conjunction where structurally possible
// (an Indicator whose sole "then" child is itself an Indicator with an
// identical "else" branch). Returns ErrEmptyStrategy if the result has
// no reachable non-cash leaf.
func Compress(n *Node) (*Node, CompressStats, error) {
	stats := CompressStats{OriginalNodes: CountNodes(n)}
	out := Clone(n)
	out = pruneAllCash(out)
	out = collapseSingleChildWeights(out, &stats)
	out = mergeAdjacentGates(out, &stats)
	stats.CompressedNodes = CountNodes(out)
	stats.NodesRemoved = stats.OriginalNodes - stats.CompressedNodes
	if out == nil || isAllCash(out) {
		return nil, stats, corerr.New(corerr.ErrEmptyStrategy, "", "", "compression yielded the empty tree")
	}
	return out, stats, nil
}

// CountNodes returns the number of nodes reachable from n, inclusive.
func CountNodes(n *Node) int {
	if n == nil {
		return 0
	}
	count := 1
	for _, kids := range n.Children {
		for _, k := range kids {
			count += CountNodes(k)
		}
	}
	return count
}

func isAllCash(n *Node) bool {
	if n == nil {
		return true
	}
	if n.Kind == KindPosition {
		for _, t := range n.Tickers {
			if t != EmptyTicker {
				return false
			}
		}
		return true
	}
	for _, kids := range n.Children {
		for _, k := range kids {
			if !isAllCash(k) {
				return false
			}
		}
	}
	return true
}

// pruneAllCash drops Weight/FilterRank children whose subtree is
// entirely cash, provided at least one sibling is not.
func pruneAllCash(n *Node) *Node {
	if n == nil {
		return nil
	}
	for slot, kids := range n.Children {
		filtered := kids[:0:0]
		for _, k := range kids {
			k = pruneAllCash(k)
			filtered = append(filtered, k)
		}
		n.Children[slot] = filtered
	}
	if n.Kind == KindWeight || n.Kind == KindFilterRank {
		ordered := n.OrderedChildren()
		kept := make([]*Node, 0, len(ordered))
		for _, k := range ordered {
			if !isAllCash(k) {
				kept = append(kept, k)
			}
		}
		if len(kept) > 0 {
			n.SetOrderedChildren(kept)
		}
	}
	return n
}

// collapseSingleChildWeights replaces a Weight node with exactly one
// child by that child directly.
func collapseSingleChildWeights(n *Node, stats *CompressStats) *Node {
	if n == nil {
		return nil
	}
	for slot, kids := range n.Children {
		for i, k := range kids {
			kids[i] = collapseSingleChildWeights(k, stats)
		}
		n.Children[slot] = kids
	}
	if n.Kind == KindWeight {
		ordered := n.OrderedChildren()
		if len(ordered) == 1 {
			return ordered[0]
		}
	}
	return n
}

// mergeAdjacentGates merges an Indicator node whose "then" child is
// itself an Indicator node with an identical "else" branch into one
// conjunction of the two condition sets.
func mergeAdjacentGates(n *Node, stats *CompressStats) *Node {
	if n == nil {
		return nil
	}
	for slot, kids := range n.Children {
		for i, k := range kids {
			kids[i] = mergeAdjacentGates(k, stats)
		}
		n.Children[slot] = kids
	}
	if n.Kind != KindIndicator {
		return n
	}
	thenKids := n.Children["then"]
	if len(thenKids) != 1 || thenKids[0].Kind != KindIndicator {
		return n
	}
	inner := thenKids[0]
	if !sameElseBranch(n.Children["else"], inner.Children["else"]) {
		return n
	}
	merged := NewIndicator(n.ID, append(append([]ConditionLine(nil), n.Conditions...), inner.Conditions...))
	merged.Children["then"] = inner.Children["then"]
	merged.Children["else"] = n.Children["else"]
	stats.GatesMerged++
	return merged
}

func sameElseBranch(a, b []*Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameSubtree(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameSubtree(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindPosition:
		return equalStrings(a.Tickers, b.Tickers)
	default:
		return a.ID == b.ID
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TickerUse distinguishes why a traversal visitor sees a ticker.
type TickerUse int

const (
	TickerUseIndicator TickerUse = iota
	TickerUsePosition
)

// Visitor is called once per node in pre-order, plus once per ticker
// reference discovered at that node; a ticker referenced twice is
// reported twice.
type Visitor struct {
	OnNode   func(n *Node)
	OnTicker func(ticker string, use TickerUse)
}

// Traverse visits n and its descendants in pre-order.
func Traverse(n *Node, v Visitor) {
	if n == nil {
		return
	}
	if v.OnNode != nil {
		v.OnNode(n)
	}
	if v.OnTicker != nil {
		switch n.Kind {
		case KindIndicator:
			for _, c := range n.Conditions {
				v.OnTicker(c.Ticker, TickerUseIndicator)
				if c.Ticker2 != "" {
					v.OnTicker(c.Ticker2, TickerUseIndicator)
				}
			}
		case KindPosition:
			for _, t := range n.Tickers {
				if t != EmptyTicker {
					v.OnTicker(t, TickerUsePosition)
				}
			}
		}
	}
	for i := 0; ; i++ {
		kids, ok := n.Children[slotLabel(i)]
		if !ok {
			break
		}
		for _, k := range kids {
			Traverse(k, v)
		}
	}
	if _, ok := n.Children["then"]; ok {
		for _, k := range n.Children["then"] {
			Traverse(k, v)
		}
		for _, k := range n.Children["else"] {
			Traverse(k, v)
		}
	}
}

// CollectTickers returns the distinct indicator-use and position-use
// ticker sets reachable from n.
func CollectTickers(n *Node) (indicatorTickers, positionTickers []string) {
	seenInd := map[string]bool{}
	seenPos := map[string]bool{}
	Traverse(n, Visitor{OnTicker: func(ticker string, use TickerUse) {
		switch use {
		case TickerUseIndicator:
			if !seenInd[ticker] {
				seenInd[ticker] = true
				indicatorTickers = append(indicatorTickers, ticker)
			}
		case TickerUsePosition:
			if !seenPos[ticker] {
				seenPos[ticker] = true
				positionTickers = append(positionTickers, ticker)
			}
		}
	}})
	return
}

// ExpandCalls resolves every Call node by in-lining the referenced
// chain's root (cloned with fresh ids). Detects cycles and fails with
// ErrCallCycle.
func ExpandCalls(n *Node, chains ChainSet) (*Node, error) {
	visiting := map[string]bool{}
	return expandCalls(n, chains, visiting)
}

func expandCalls(n *Node, chains ChainSet, visiting map[string]bool) (*Node, error) {
	if n == nil {
		return nil, nil
	}
	if n.Kind == KindCall {
		if visiting[n.CallID] {
			return nil, corerr.New(corerr.ErrCallCycle, n.ID, "callId", n.CallID)
		}
		chain, ok := chains[n.CallID]
		if !ok {
			return nil, corerr.New(corerr.ErrValidation, n.ID, "callId", "unresolved call id "+n.CallID)
		}
		visiting[n.CallID] = true
		inlined := Clone(chain)
		reassignIDs(inlined)
		expanded, err := expandCalls(inlined, chains, visiting)
		delete(visiting, n.CallID)
		return expanded, err
	}

	out := Clone(n)
	for slot, kids := range out.Children {
		expandedKids := make([]*Node, 0, len(kids))
		for _, k := range kids {
			ek, err := expandCalls(k, chains, visiting)
			if err != nil {
				return nil, err
			}
			expandedKids = append(expandedKids, ek)
		}
		out.Children[slot] = expandedKids
	}
	return out, nil
}

// CloneWithFreshIDs deep-copies n and assigns every node a fresh id, so
// the copy shares no evaluator cache key with its source. Used when
// assembling a composite tree out of previously-evaluated branch trees.
func CloneWithFreshIDs(n *Node) *Node {
	out := Clone(n)
	reassignIDs(out)
	return out
}

// reassignIDs assigns every node in the subtree a fresh id, used when
// in-lining a call chain so the copy's nodes don't alias the chain
// definition's cache keys.
func reassignIDs(n *Node) {
	if n == nil {
		return
	}
	n.ID = NewID()
	for _, kids := range n.Children {
		for _, k := range kids {
			reassignIDs(k)
		}
	}
}
