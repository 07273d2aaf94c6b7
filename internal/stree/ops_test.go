package stree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Belfering/QuantNexus-sub004/internal/corerr"
)

func TestEnsureSlotsFillsEmptyPositions(t *testing.T) {
	ind := NewIndicator("n1", []ConditionLine{{Metric: "RSI", Window: 14, Ticker: "SPY", Comparator: CmpLT, Threshold: 30}})
	out := EnsureSlots(ind)

	require.Len(t, out.Children["then"], 1)
	require.Len(t, out.Children["else"], 1)
	assert.Equal(t, KindPosition, out.Children["then"][0].Kind)
	assert.Equal(t, []string{EmptyTicker}, out.Children["then"][0].Tickers)
}

func TestCloneDoesNotAliasChildren(t *testing.T) {
	pos := NewPosition("p1", []string{"SPY"})
	ind := NewIndicator("i1", nil)
	ind.Children["then"] = []*Node{pos}
	ind.Children["else"] = []*Node{NewPosition("", []string{EmptyTicker})}

	clone := Clone(ind)
	clone.Children["then"][0].Tickers[0] = "QQQ"

	assert.Equal(t, "SPY", ind.Children["then"][0].Tickers[0])
	assert.Equal(t, "QQQ", clone.Children["then"][0].Tickers[0])
	assert.Equal(t, "i1", clone.ID)
}

func TestCompressEmptyTreeFails(t *testing.T) {
	tree := NewPosition("p1", []string{EmptyTicker})
	_, _, err := Compress(tree)
	require.Error(t, err)
	assert.ErrorIs(t, err, corerr.ErrEmptyStrategy)
}

func TestCompressCollapsesSingleChildWeight(t *testing.T) {
	pos := NewPosition("p1", []string{"SPY"})
	w := NewWeight("w1", WeightEqual, []*Node{pos})
	out, stats, err := Compress(w)
	require.NoError(t, err)
	assert.Equal(t, KindPosition, out.Kind)
	assert.Equal(t, "p1", out.ID)
	assert.GreaterOrEqual(t, stats.OriginalNodes, stats.CompressedNodes)
}

func TestCompressPrunesAllCashBranch(t *testing.T) {
	cash := NewPosition("cash", []string{EmptyTicker})
	spy := NewPosition("spy", []string{"SPY"})
	w := NewWeight("w1", WeightEqual, []*Node{cash, spy})

	out, _, err := Compress(w)
	require.NoError(t, err)
	assert.Equal(t, KindPosition, out.Kind)
	assert.Equal(t, "spy", out.ID)
}

func TestCollectTickersSeparatesIndicatorFromPosition(t *testing.T) {
	ind := NewIndicator("i1", []ConditionLine{{Metric: "SMA", Window: 50, Ticker: "SPY", Comparator: CmpGT, Threshold: 0, Ticker2: "QQQ"}})
	ind.Children["then"] = []*Node{NewPosition("", []string{"TLT"})}
	ind.Children["else"] = []*Node{NewPosition("", []string{EmptyTicker})}

	indTickers, posTickers := CollectTickers(ind)
	assert.ElementsMatch(t, []string{"SPY", "QQQ"}, indTickers)
	assert.ElementsMatch(t, []string{"TLT"}, posTickers)
}

func TestExpandCallsInlinesChain(t *testing.T) {
	chainRoot := NewPosition("chain-root", []string{"GLD"})
	call := NewCall("c1", "chain-a")
	chains := ChainSet{"chain-a": chainRoot}

	out, err := ExpandCalls(call, chains)
	require.NoError(t, err)
	assert.Equal(t, KindPosition, out.Kind)
	assert.Equal(t, []string{"GLD"}, out.Tickers)
	assert.NotEqual(t, "chain-root", out.ID, "inlined copy should get a fresh id")
}

func TestExpandCallsDetectsCycle(t *testing.T) {
	callB := NewCall("cb", "chain-b")
	callA := NewCall("ca", "chain-a")
	chains := ChainSet{"chain-a": callB, "chain-b": callA}

	_, err := ExpandCalls(callA, chains)
	require.Error(t, err)
	assert.ErrorIs(t, err, corerr.ErrCallCycle)
}
