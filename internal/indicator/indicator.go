// Package indicator computes technical indicator series over aligned
// price arrays. Every function returns an array the same length as its
// input; entries before the window is filled are math.NaN(), never a
// zero-padded placeholder, so downstream comparisons propagate NaN
// rather than silently comparing against zero.
//
// Wraps github.com/markcheno/go-talib the way trader/pkg/formulas does,
// but overwrites talib's zero-padded unstable region with NaN to honor
// the window-filled contract, and hand-rolls Wilder smoothing (RSI, ATR,
// ADX) since talib's internal lookback handling doesn't expose the
// exact seed-at-index convention required here.
package indicator

import (
	"math"

	"github.com/markcheno/go-talib"

	"github.com/Belfering/QuantNexus-sub004/pkg/formulas"
)

const tradingDaysPerYear = 252

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA is the arithmetic mean of the trailing w closes, NaN before index
// w-1.
func SMA(closes []float64, w int) []float64 {
	out := nanSeries(len(closes))
	if w <= 0 || len(closes) < w {
		return out
	}
	raw := talib.Sma(closes, w)
	for i := w - 1; i < len(closes); i++ {
		out[i] = raw[i]
	}
	return out
}

// EMA is the standard exponential recursion with smoothing 2/(w+1),
// seeded with SMA(w) at index w-1. NaN before index w-1.
func EMA(closes []float64, w int) []float64 {
	out := nanSeries(len(closes))
	if w <= 0 || len(closes) < w {
		return out
	}
	alpha := 2.0 / (float64(w) + 1.0)
	seed := mean(closes[:w])
	out[w-1] = seed
	prev := seed
	for i := w; i < len(closes); i++ {
		prev = closes[i]*alpha + prev*(1-alpha)
		out[i] = prev
	}
	return out
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// RSI is Wilder's relative strength index: the initial average
// gain/loss is the mean of the first w changes; subsequent values use
// Wilder smoothing (prev*(w-1)+current)/w. Range [0,100], NaN before
// index w.
func RSI(closes []float64, w int) []float64 {
	out := nanSeries(len(closes))
	if w <= 0 || len(closes) <= w {
		return out
	}

	var gainSum, lossSum float64
	for i := 1; i <= w; i++ {
		chg := closes[i] - closes[i-1]
		if chg > 0 {
			gainSum += chg
		} else {
			lossSum += -chg
		}
	}
	avgGain := gainSum / float64(w)
	avgLoss := lossSum / float64(w)
	out[w] = rsiFromAverages(avgGain, avgLoss)

	for i := w + 1; i < len(closes); i++ {
		chg := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if chg > 0 {
			gain = chg
		} else {
			loss = -chg
		}
		avgGain = (avgGain*float64(w-1) + gain) / float64(w)
		avgLoss = (avgLoss*float64(w-1) + loss) / float64(w)
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return out
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACDResult holds the MACD line, its signal line, and the histogram.
type MACDResult struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACD is EMA(fast)-EMA(slow), with an EMA(signal) signal line and a
// MACD-minus-signal histogram.
func MACD(closes []float64, fast, slow, signal int) MACDResult {
	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)
	macd := make([]float64, len(closes))
	for i := range closes {
		macd[i] = emaFast[i] - emaSlow[i]
	}
	sig := emaIgnoringLeadingNaN(macd, signal)
	hist := make([]float64, len(closes))
	for i := range closes {
		hist[i] = macd[i] - sig[i]
	}
	return MACDResult{MACD: macd, Signal: sig, Histogram: hist}
}

// emaIgnoringLeadingNaN runs the EMA recursion over the first
// non-NaN-delimited suffix of series, used to seed MACD's signal line
// from the MACD series (itself NaN for slow-1 leading entries).
func emaIgnoringLeadingNaN(series []float64, w int) []float64 {
	out := nanSeries(len(series))
	start := -1
	for i, v := range series {
		if !math.IsNaN(v) {
			start = i
			break
		}
	}
	if start == -1 || len(series)-start < w {
		return out
	}
	sub := EMA(series[start:], w)
	copy(out[start:], sub)
	return out
}

// BollingerResult holds the upper, middle (SMA), and lower bands.
type BollingerResult struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// Bollinger is SMA(w) +/- k*stddev(w), using population variance over
// the trailing window.
func Bollinger(closes []float64, w int, k float64) BollingerResult {
	n := len(closes)
	mid := SMA(closes, w)
	upper := nanSeries(n)
	lower := nanSeries(n)
	if w <= 0 || n < w {
		return BollingerResult{Upper: upper, Middle: mid, Lower: lower}
	}
	for i := w - 1; i < n; i++ {
		window := closes[i-w+1 : i+1]
		sd := populationStdDev(window)
		upper[i] = mid[i] + k*sd
		lower[i] = mid[i] - k*sd
	}
	return BollingerResult{Upper: upper, Middle: mid, Lower: lower}
}

func populationStdDev(xs []float64) float64 {
	m := formulas.Mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

// ATR is the Wilder-smoothed average true range, NaN before index w.
func ATR(highs, lows, closes []float64, w int) []float64 {
	n := len(closes)
	out := nanSeries(n)
	if w <= 0 || n <= w {
		return out
	}
	tr := trueRange(highs, lows, closes)

	var sum float64
	for i := 1; i <= w; i++ {
		sum += tr[i]
	}
	avg := sum / float64(w)
	out[w] = avg
	for i := w + 1; i < n; i++ {
		avg = (avg*float64(w-1) + tr[i]) / float64(w)
		out[i] = avg
	}
	return out
}

func trueRange(highs, lows, closes []float64) []float64 {
	n := len(closes)
	tr := make([]float64, n)
	if n > 0 {
		tr[0] = highs[0] - lows[0]
	}
	for i := 1; i < n; i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return tr
}

// ADX is Wilder's average directional index, NaN before the directional
// index itself is Wilder-smoothed over a second window of length w
// (index 2w).
func ADX(highs, lows, closes []float64, w int) []float64 {
	n := len(closes)
	out := nanSeries(n)
	if w <= 0 || n <= 2*w {
		return out
	}

	tr := trueRange(highs, lows, closes)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smTR := wilderSmoothSeries(tr, w)
	smPlusDM := wilderSmoothSeries(plusDM, w)
	smMinusDM := wilderSmoothSeries(minusDM, w)

	dx := nanSeries(n)
	for i := w; i < n; i++ {
		if math.IsNaN(smTR[i]) || smTR[i] == 0 {
			continue
		}
		plusDI := 100 * smPlusDM[i] / smTR[i]
		minusDI := 100 * smMinusDM[i] / smTR[i]
		denom := plusDI + minusDI
		if denom == 0 {
			dx[i] = 0
			continue
		}
		dx[i] = 100 * math.Abs(plusDI-minusDI) / denom
	}

	var sum float64
	count := 0
	for i := w; i < 2*w && i < n; i++ {
		if !math.IsNaN(dx[i]) {
			sum += dx[i]
			count++
		}
	}
	if count < w || 2*w >= n {
		return out
	}
	avg := sum / float64(w)
	out[2*w] = avg
	for i := 2*w + 1; i < n; i++ {
		avg = (avg*float64(w-1) + dx[i]) / float64(w)
		out[i] = avg
	}
	return out
}

// wilderSmoothSeries applies Wilder smoothing to an already-derived
// per-day series (true range, +DM, -DM), seeding at index w with the
// mean of the first w values.
func wilderSmoothSeries(series []float64, w int) []float64 {
	n := len(series)
	out := nanSeries(n)
	if n <= w {
		return out
	}
	var sum float64
	for i := 1; i <= w; i++ {
		sum += series[i]
	}
	avg := sum / float64(w)
	out[w] = avg
	for i := w + 1; i < n; i++ {
		avg = (avg*float64(w-1) + series[i]) / float64(w)
		out[i] = avg
	}
	return out
}

// StochasticResult holds %K and its %D smoothing.
type StochasticResult struct {
	K []float64
	D []float64
}

// Stochastic is %K = 100*(close-min_low_k)/(max_high_k-min_low_k), %D =
// SMA(d, %K).
func Stochastic(highs, lows, closes []float64, k, d int) StochasticResult {
	n := len(closes)
	kLine := nanSeries(n)
	if k > 0 && n >= k {
		for i := k - 1; i < n; i++ {
			lo := minOf(lows[i-k+1 : i+1])
			hi := maxOf(highs[i-k+1 : i+1])
			if hi == lo {
				continue
			}
			kLine[i] = 100 * (closes[i] - lo) / (hi - lo)
		}
	}
	dLine := SMA(kLine, d)
	return StochasticResult{K: kLine, D: dLine}
}

func minOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// Volatility is the stddev of daily log-returns over a trailing window,
// annualised by sqrt(252).
func Volatility(closes []float64, w int) []float64 {
	n := len(closes)
	out := nanSeries(n)
	if w <= 0 || n <= w {
		return out
	}
	logReturns := make([]float64, n)
	logReturns[0] = math.NaN()
	for i := 1; i < n; i++ {
		logReturns[i] = math.Log(closes[i] / closes[i-1])
	}
	for i := w; i < n; i++ {
		window := logReturns[i-w+1 : i+1]
		out[i] = formulas.StdDev(window) * math.Sqrt(float64(tradingDaysPerYear))
	}
	return out
}

// Correlation is the rolling Pearson correlation of two daily-return
// series over a trailing window.
func Correlation(a, b []float64, w int) []float64 {
	n := len(a)
	out := nanSeries(n)
	if w <= 0 || n <= w || len(b) != n {
		return out
	}
	retA := dailyReturns(a)
	retB := dailyReturns(b)
	for i := w; i < n; i++ {
		wa := retA[i-w+1 : i+1]
		wb := retB[i-w+1 : i+1]
		if containsNaN(wa) || containsNaN(wb) {
			continue
		}
		out[i] = formulas.Correlation(wa, wb)
	}
	return out
}

// Beta is the rolling regression slope of asset returns against
// benchmark returns over a trailing window (cov(a,b)/var(b)).
func Beta(asset, benchmark []float64, w int) []float64 {
	n := len(asset)
	out := nanSeries(n)
	if w <= 0 || n <= w || len(benchmark) != n {
		return out
	}
	retA := dailyReturns(asset)
	retB := dailyReturns(benchmark)
	for i := w; i < n; i++ {
		wa := retA[i-w+1 : i+1]
		wb := retB[i-w+1 : i+1]
		if containsNaN(wa) || containsNaN(wb) {
			continue
		}
		varB := formulas.Variance(wb)
		if varB == 0 {
			continue
		}
		cov := formulas.Covariance(wa, wb)
		out[i] = cov / varB
	}
	return out
}

func dailyReturns(closes []float64) []float64 {
	n := len(closes)
	out := nanSeries(n)
	for i := 1; i < n; i++ {
		out[i] = closes[i]/closes[i-1] - 1
	}
	return out
}

func containsNaN(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}

// Price is the identity indicator: the raw series unchanged.
func Price(series []float64) []float64 {
	out := make([]float64, len(series))
	copy(out, series)
	return out
}
