package backtest

import (
	"time"
)

// SplitStrategy selects how the date universe divides into in-sample
// and out-of-sample segments.
type SplitStrategy int

const (
	SplitChronological SplitStrategy = iota
	SplitRolling
)

// WindowPeriod is the rolling-split walk-forward window granularity.
type WindowPeriod int

const (
	WindowDaily WindowPeriod = iota
	WindowMonthly
	WindowYearly
)

// SplitConfig configures the IS/OOS split applied to a Result.
type SplitConfig struct {
	Strategy SplitStrategy

	// Chronological
	ChronologicalPercent int        // e.g. 70 means the first 70% is IS
	FixedDate            *time.Time // overrides ChronologicalPercent when set

	// Rolling (walk-forward)
	RollingWindowPeriod WindowPeriod
	MinWarmUpYears      int
	RollingStartYear    int
	RankBy              string // unused by this package directly; the orchestrator selects the best branch per window by this metric before calling Run on the OOS leg
}

// applySplit partitions res's date-indexed series into IS and OOS
// segments per cfg and fills ISMetrics/OOSMetrics/OOSStartDate.
//
// Rolling-OOS aggregation is compounding: the OOS equity segment is
// measured as a standalone run over the OOS window only, so its own
// CAGR/Sharpe/etc. are computed from an equity curve that restarts at
// 1.0 for that window — the "compounding" decision (see DESIGN.md Open
// Question 2) concerns how successive OOS windows chain together when
// the orchestrator concatenates multiple walk-forward windows, not how
// a single Result's OOS leg is measured in isolation.
func applySplit(res *Result, cfg *SplitConfig) error {
	n := len(res.Dates)
	if n == 0 {
		return nil
	}

	splitIdx := splitIndex(res, cfg, n)
	if splitIdx <= 0 || splitIdx >= n {
		return nil
	}

	oosStart := res.Dates[splitIdx]
	res.OOSStartDate = &oosStart

	isMetrics := computeMetrics(
		res.NetReturns[:splitIdx], res.EquityPoints[:splitIdx], res.DrawdownPoints[:splitIdx],
		res.Turnovers[:splitIdx], res.Allocations[:splitIdx], nil,
	)
	res.ISMetrics = &isMetrics

	oosEquity := rebaseEquity(res.NetReturns[splitIdx:])
	oosDrawdown := drawdownSeries(oosEquity)
	oosMetrics := computeMetrics(
		res.NetReturns[splitIdx:], oosEquity, oosDrawdown,
		res.Turnovers[splitIdx:], res.Allocations[splitIdx:], nil,
	)
	res.OOSMetrics = &oosMetrics
	return nil
}

func splitIndex(res *Result, cfg *SplitConfig, n int) int {
	switch cfg.Strategy {
	case SplitChronological:
		if cfg.FixedDate != nil {
			for i, d := range res.Dates {
				if !d.Before(*cfg.FixedDate) {
					return i
				}
			}
			return n
		}
		pct := cfg.ChronologicalPercent
		if pct <= 0 || pct >= 100 {
			pct = 70
		}
		return n * pct / 100
	case SplitRolling:
		return rollingSplitIndex(res, cfg, n)
	default:
		return 0
	}
}

// rollingSplitIndex locates the first date at or after
// RollingStartYear+MinWarmUpYears, the boundary at which the walk-
// forward process has accumulated enough in-sample history to begin
// producing out-of-sample windows.
func rollingSplitIndex(res *Result, cfg *SplitConfig, n int) int {
	warmUpYears := cfg.MinWarmUpYears
	if warmUpYears <= 0 {
		warmUpYears = 3
	}
	startYear := cfg.RollingStartYear
	if startYear <= 0 {
		startYear = res.Dates[0].Year()
	}
	boundaryYear := startYear + warmUpYears
	for i, d := range res.Dates {
		if d.Year() >= boundaryYear {
			return i
		}
	}
	return n
}

// rebaseEquity compounds a sub-segment's net returns starting fresh at
// 1.0, used to measure an individual OOS window's own performance.
func rebaseEquity(netReturns []float64) []float64 {
	out := make([]float64, len(netReturns))
	equity := 1.0
	for i, r := range netReturns {
		equity *= 1 + r
		out[i] = equity
	}
	return out
}

func drawdownSeries(equity []float64) []float64 {
	out := make([]float64, len(equity))
	peak := 1.0
	for i, e := range equity {
		if e > peak {
			peak = e
		}
		dd := e/peak - 1
		if dd > 0 {
			dd = 0
		}
		out[i] = dd
	}
	return out
}

// CompoundOOSWindows chains a sequence of per-window OOS equity
// segments (each starting at 1.0, per rebaseEquity) into one continuous
// multiplicatively-compounded series: window k+1's segment is rescaled
// so its first point continues from window k's last equity value,
// rather than restarting at 1.0. This is the chosen rolling-OOS
// aggregation semantics (DESIGN.md Open Question 2).
func CompoundOOSWindows(windows [][]float64) []float64 {
	var out []float64
	carry := 1.0
	for _, w := range windows {
		for _, e := range w {
			out = append(out, e*carry)
		}
		if len(w) > 0 {
			carry *= w[len(w)-1]
		}
	}
	return out
}
