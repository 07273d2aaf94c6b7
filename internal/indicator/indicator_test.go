package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMA(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}
	out := SMA(closes, 3)
	require.Len(t, out, 5)
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 2.0, out[2], 1e-9)
	assert.InDelta(t, 3.0, out[3], 1e-9)
	assert.InDelta(t, 4.0, out[4], 1e-9)
}

func TestEMASeededBySMA(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5, 6}
	out := EMA(closes, 3)
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 2.0, out[2], 1e-9) // SMA(1,2,3) seed
	alpha := 2.0 / 4.0
	want := 4.0*alpha + 2.0*(1-alpha)
	assert.InDelta(t, want, out[3], 1e-9)
}

func TestRSIBounds(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	out := RSI(closes, 14)
	for i := 0; i < 14; i++ {
		assert.True(t, math.IsNaN(out[i]), "index %d should be NaN", i)
	}
	assert.InDelta(t, 100.0, out[14], 1e-9) // all gains, no losses
}

func TestRSIAllLosses(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 - float64(i)
	}
	out := RSI(closes, 14)
	assert.InDelta(t, 0.0, out[14], 1e-9)
}

func TestBollingerPopulationVariance(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}
	bands := Bollinger(closes, 5, 2)
	require.False(t, math.IsNaN(bands.Middle[4]))
	assert.InDelta(t, 3.0, bands.Middle[4], 1e-9)
	// population stddev of {1,2,3,4,5} is sqrt(2)
	assert.InDelta(t, 3.0+2*math.Sqrt(2), bands.Upper[4], 1e-6)
	assert.InDelta(t, 3.0-2*math.Sqrt(2), bands.Lower[4], 1e-6)
}

func TestATRNaNBeforeWindow(t *testing.T) {
	highs := []float64{10, 11, 12, 13, 14, 15}
	lows := []float64{9, 10, 11, 12, 13, 14}
	closes := []float64{9.5, 10.5, 11.5, 12.5, 13.5, 14.5}
	out := ATR(highs, lows, closes, 3)
	for i := 0; i <= 2; i++ {
		assert.True(t, math.IsNaN(out[i]))
	}
	assert.False(t, math.IsNaN(out[3]))
}

func TestStochasticRange(t *testing.T) {
	highs := []float64{10, 11, 12, 13, 14}
	lows := []float64{8, 9, 10, 11, 12}
	closes := []float64{9, 14, 10, 11, 14}
	out := Stochastic(highs, lows, closes, 3, 2)
	for i, v := range out.K {
		if math.IsNaN(v) {
			continue
		}
		assert.GreaterOrEqual(t, v, 0.0, "index %d", i)
		assert.LessOrEqual(t, v, 100.0, "index %d", i)
	}
}

func TestDivisionByZeroYieldsNaN(t *testing.T) {
	highs := []float64{10, 10, 10}
	lows := []float64{10, 10, 10}
	closes := []float64{10, 10, 10}
	out := Stochastic(highs, lows, closes, 3, 1)
	assert.True(t, math.IsNaN(out.K[2]))
}

func TestVolatilityAnnualises(t *testing.T) {
	closes := make([]float64, 40)
	closes[0] = 100
	for i := 1; i < 40; i++ {
		if i%2 == 0 {
			closes[i] = closes[i-1] * 1.01
		} else {
			closes[i] = closes[i-1] * 0.99
		}
	}
	out := Volatility(closes, 20)
	assert.False(t, math.IsNaN(out[39]))
	assert.Greater(t, out[39], 0.0)
}

func TestPriceIsIdentity(t *testing.T) {
	closes := []float64{1, 2, 3}
	out := Price(closes)
	assert.Equal(t, closes, out)
}

func TestMACDHistogramIsDifference(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.3
	}
	out := MACD(closes, 12, 26, 9)
	last := len(closes) - 1
	require.False(t, math.IsNaN(out.Histogram[last]))
	assert.InDelta(t, out.MACD[last]-out.Signal[last], out.Histogram[last], 1e-9)
}

func TestADXNaNBeforeSecondWindow(t *testing.T) {
	n := 60
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		closes[i] = 100 + float64(i)*0.5
		highs[i] = closes[i] + 1
		lows[i] = closes[i] - 1
	}
	out := ADX(highs, lows, closes, 14)
	for i := 0; i < 28; i++ {
		assert.True(t, math.IsNaN(out[i]), "index %d should be NaN", i)
	}
	assert.False(t, math.IsNaN(out[28]))
}

func TestCorrelationPerfectlyCorrelatedSeries(t *testing.T) {
	n := 20
	a := make([]float64, n)
	b := make([]float64, n)
	a[0], b[0] = 100, 50
	for i := 1; i < n; i++ {
		ret := 0.01
		if i%3 == 0 {
			ret = -0.02
		}
		a[i] = a[i-1] * (1 + ret)
		b[i] = b[i-1] * (1 + ret)
	}
	out := Correlation(a, b, 10)
	assert.InDelta(t, 1.0, out[n-1], 1e-6, "identical return streams must be perfectly correlated")
}

func TestBetaUnitSlope(t *testing.T) {
	n := 20
	asset := make([]float64, n)
	benchmark := make([]float64, n)
	asset[0], benchmark[0] = 100, 100
	for i := 1; i < n; i++ {
		ret := 0.01
		if i%2 == 0 {
			ret = -0.01
		}
		asset[i] = asset[i-1] * (1 + ret)
		benchmark[i] = benchmark[i-1] * (1 + ret)
	}
	out := Beta(asset, benchmark, 10)
	assert.InDelta(t, 1.0, out[n-1], 1e-6, "identical return streams must yield beta 1")
}
