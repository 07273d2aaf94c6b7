// Package stree models strategy trees as a tagged-variant Node type and
// the structural operations over them (clone, slot-filling, compression,
// traversal, call expansion). Nodes are never mutated after construction;
// every operation returns a new tree.
//
// Grounded on the generator-interface/helper-struct shape of
// trader/internal/modules/sequences/patterns/base.go, generalized from a
// single-purpose pattern generator to a full tagged-union tree with
// exhaustive kind-dispatch instead of per-pattern polymorphism.
package stree

import (
	"github.com/google/uuid"
)

// Kind tags which variant a Node holds. Go does not check switches on
// Kind for exhaustiveness: a switch that lists only some kinds and has
// no default case does nothing for the others.
type Kind int

const (
	KindIndicator Kind = iota
	KindPosition
	KindWeight
	KindCall
	KindFilterRank
)

// Comparator is the relation a ConditionLine asserts between its two
// operands.
type Comparator int

const (
	CmpLT Comparator = iota
	CmpGT
	CmpCrossAbove
	CmpCrossBelow
)

// WeightMode selects how a Weight node composes its children's
// allocations.
type WeightMode int

const (
	WeightEqual WeightMode = iota
	WeightInverseVol
	WeightProVol
	WeightCapped
	WeightDefined
)

// EmptyTicker is the sentinel meaning "cash" inside a Position node.
const EmptyTicker = "Empty"

// ConditionLine is one clause of an Indicator node's gate. Metric names
// a computed indicator series (e.g. "RSI", "SMA", "Price"); Ticker2 is
// non-empty only for ratio conditions.
type ConditionLine struct {
	Metric     string
	Window     int
	Ticker     string
	Comparator Comparator
	Threshold  float64
	Ticker2    string
}

// Node is a tagged variant strategy-tree node. Only the fields relevant
// to Kind are meaningful; Children is keyed by slot label ("then",
// "else", or a numeric index as a string for Weight/FilterRank
// children).
type Node struct {
	ID   string
	Kind Kind

	// KindIndicator
	Conditions []ConditionLine

	// KindPosition
	Tickers []string

	// KindWeight
	Mode         WeightMode
	CappedPct    float64
	DefinedWeights map[string]float64 // keyed by child slot label
	VolLookback  int

	// KindCall
	CallID string

	// KindFilterRank
	RankMetric string
	RankWindow int
	RankTopN   int

	// Slot -> ordered children, shared by Indicator ("then"/"else"),
	// Weight/FilterRank (numeric slot labels "0","1",...).
	Children map[string][]*Node
}

// ChainSet maps a call id to its root node, resolved by ExpandCalls.
type ChainSet map[string]*Node

// StrategyTree is a designated root plus the named sub-trees ("call
// chains") it may reference.
type StrategyTree struct {
	Root   *Node
	Chains ChainSet
}

// NewID returns a fresh opaque node id.
func NewID() string { return uuid.NewString() }

func newNodeID(id string) string {
	if id == "" {
		return NewID()
	}
	return id
}

// NewIndicator constructs a conditional-branch node.
func NewIndicator(id string, conditions []ConditionLine) *Node {
	return &Node{ID: newNodeID(id), Kind: KindIndicator, Conditions: conditions, Children: map[string][]*Node{}}
}

// NewPosition constructs a terminal node holding a set of tickers.
func NewPosition(id string, tickers []string) *Node {
	return &Node{ID: newNodeID(id), Kind: KindPosition, Tickers: tickers}
}

// NewWeight constructs a weighting/group node over ordered children.
func NewWeight(id string, mode WeightMode, children []*Node) *Node {
	n := &Node{ID: newNodeID(id), Kind: KindWeight, Mode: mode, Children: map[string][]*Node{}}
	n.SetOrderedChildren(children)
	return n
}

// SetOrderedChildren replaces a Weight/FilterRank node's children with
// an ordered list, stored under numeric-index slot labels.
func (n *Node) SetOrderedChildren(children []*Node) {
	n.Children = make(map[string][]*Node, len(children))
	for i, c := range children {
		n.Children[slotLabel(i)] = []*Node{c}
	}
}

// OrderedChildren returns a Weight/FilterRank node's children in slot
// order.
func (n *Node) OrderedChildren() []*Node {
	out := make([]*Node, 0, len(n.Children))
	for i := 0; ; i++ {
		kids, ok := n.Children[slotLabel(i)]
		if !ok {
			break
		}
		out = append(out, kids...)
	}
	return out
}

func slotLabel(i int) string {
	const digits = "0123456789"
	if i < 10 {
		return string(digits[i])
	}
	// rare: >9 children: fall back to decimal formatting without fmt to
	// keep this a zero-allocation path for the common case above.
	var buf []byte
	for i > 0 {
		buf = append([]byte{digits[i%10]}, buf...)
		i /= 10
	}
	return string(buf)
}

// NewCall constructs a reference-by-id node.
func NewCall(id, callID string) *Node {
	return &Node{ID: newNodeID(id), Kind: KindCall, CallID: callID}
}

// NewFilterRank constructs an optimization-time ranking node.
func NewFilterRank(id, metric string, window, topN int, children []*Node) *Node {
	n := &Node{ID: newNodeID(id), Kind: KindFilterRank, RankMetric: metric, RankWindow: window, RankTopN: topN, Children: map[string][]*Node{}}
	n.SetOrderedChildren(children)
	return n
}
