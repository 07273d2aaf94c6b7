package backtest

import (
	"math"

	"github.com/Belfering/QuantNexus-sub004/internal/evaluator"
	"github.com/Belfering/QuantNexus-sub004/pkg/formulas"
)

const tradingDaysPerYear = 252
const cvarConfidence = 0.95

// computeMetrics derives the summary bundle from one run's net-return,
// equity, drawdown, turnover, and allocation series. benchReturns, if
// non-nil, is the benchmark's own daily returns over the same window,
// used for Treynor beta.
func computeMetrics(netReturns, equity, drawdown, turnovers []float64, allocations []evaluator.Allocation, benchReturns []float64) Metrics {
	n := len(netReturns)
	if n == 0 {
		return Metrics{}
	}

	cagr := cagrFrom(equity)
	vol := annualizedStdDev(netReturns)
	maxDD := maxDrawdownMagnitude(drawdown)
	sharpe := sharpeRatio(netReturns)
	sortino := sortinoRatio(netReturns)
	calmar := 0.0
	if maxDD != 0 {
		calmar = cagr / maxDD
	}

	beta := betaVsBenchmark(netReturns, benchReturns)
	treynor := 0.0
	if beta != 0 {
		treynor = cagr / beta
	}

	winDays := 0
	holdingsSum := 0
	inMarketDays := 0
	best := math.Inf(-1)
	worst := math.Inf(1)
	for i, r := range netReturns {
		if r > 0 {
			winDays++
		}
		if r > best {
			best = r
		}
		if r < worst {
			worst = r
		}
		holdings := 0
		var nonCash float64
		for _, w := range allocations[i] {
			if w > 0 {
				holdings++
				nonCash += w
			}
		}
		holdingsSum += holdings
		if nonCash > 0 {
			inMarketDays++
		}
	}

	tim := float64(inMarketDays) / float64(n)
	totalReturn := equity[len(equity)-1] - 1

	return Metrics{
		CAGR:        cagr,
		Volatility:  vol,
		MaxDrawdown: maxDD,
		Sharpe:      sharpe,
		Sortino:     sortino,
		Calmar:      calmar,
		Treynor:     treynor,
		Beta:        beta,
		WinRate:     float64(winDays) / float64(n),
		AvgTurnover: formulas.Mean(turnovers),
		AvgHoldings: float64(holdingsSum) / float64(n),
		TIM:         tim,
		TIMAR:       cagr * tim,
		BestDay:     best,
		WorstDay:    worst,
		TradingDays: n,
		TotalReturn: totalReturn,
		CVaR:        formulas.CalculateCVaR(netReturns, cvarConfidence),
	}
}

func cagrFrom(equity []float64) float64 {
	n := len(equity)
	if n == 0 {
		return 0
	}
	end := equity[n-1]
	if end <= 0 {
		return -1
	}
	return math.Pow(end, float64(tradingDaysPerYear)/float64(n)) - 1
}

func annualizedStdDev(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	return formulas.StdDev(returns) * math.Sqrt(float64(tradingDaysPerYear))
}

func sharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	sd := formulas.StdDev(returns)
	if sd == 0 {
		return 0
	}
	return formulas.Mean(returns) / sd * math.Sqrt(float64(tradingDaysPerYear))
}

func sortinoRatio(returns []float64) float64 {
	negatives := make([]float64, 0, len(returns))
	for _, r := range returns {
		if r < 0 {
			negatives = append(negatives, r)
		}
	}
	if len(negatives) < 2 {
		return 0
	}
	sd := formulas.StdDev(negatives)
	if sd == 0 {
		return 0
	}
	return formulas.Mean(returns) / sd * math.Sqrt(float64(tradingDaysPerYear))
}

// maxDrawdownMagnitude converts the running-drawdown series (negative
// fraction) to the positive magnitude convention used by Metrics and
// the filter stage. See DESIGN.md Open Question 1.
func maxDrawdownMagnitude(drawdown []float64) float64 {
	min := 0.0
	for _, d := range drawdown {
		if d < min {
			min = d
		}
	}
	return -min
}

func betaVsBenchmark(assetReturns, benchReturns []float64) float64 {
	if len(benchReturns) == 0 || len(benchReturns) != len(assetReturns) {
		return 0
	}
	var pairsA, pairsB []float64
	for i := range assetReturns {
		a, b := assetReturns[i], benchReturns[i]
		if math.IsNaN(a) || math.IsNaN(b) {
			continue
		}
		pairsA = append(pairsA, a)
		pairsB = append(pairsB, b)
	}
	if len(pairsA) < 2 {
		return 0
	}
	varB := formulas.Variance(pairsB)
	if varB == 0 {
		return 0
	}
	return formulas.Covariance(pairsA, pairsB) / varB
}
