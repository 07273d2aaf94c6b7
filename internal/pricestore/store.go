package pricestore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Belfering/QuantNexus-sub004/internal/corerr"
)

// Provider is the injected ticker OHLC data source (spec §6 "Ticker OHLC
// provider"). Implementations bulk-fetch and tolerate per-ticker failure;
// Load turns a partial failure into TickerMissing only when the ticker
// is actually required.
type Provider interface {
	FetchOHLC(ctx context.Context, tickers []string, maxBars int) (map[string][]Bar, error)
}

// Store loads and aligns price series for the evaluator and backtest
// runner. Grounded on the per-symbol history access shape of
// trader/internal/modules/universe/history_db.go.
type Store struct {
	provider Provider
	log      zerolog.Logger
}

// New constructs a Store bound to a data provider.
func New(provider Provider, log zerolog.Logger) *Store {
	return &Store{provider: provider, log: log.With().Str("component", "pricestore").Logger()}
}

// Load fetches bar history for tickers and validates each into a
// PriceSeries. A provider-level failure is SourceUnavailable; an
// individual ticker absent from the provider's response is TickerMissing.
func (s *Store) Load(ctx context.Context, tickers []string, maxBars int) ([]PriceSeries, error) {
	raw, err := s.provider.FetchOHLC(ctx, tickers, maxBars)
	if err != nil {
		return nil, corerr.New(corerr.ErrSourceUnavailable, "", "", err.Error())
	}

	out := make([]PriceSeries, 0, len(tickers))
	for _, t := range tickers {
		bars, ok := raw[t]
		if !ok || len(bars) == 0 {
			return nil, corerr.New(corerr.ErrTickerMissing, "", "ticker", t)
		}
		sorted := append([]Bar(nil), bars...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
		series, err := newPriceSeries(t, sorted)
		if err != nil {
			return nil, corerr.New(corerr.ErrSourceUnavailable, "", "ticker", err.Error())
		}
		out = append(out, series)
		s.log.Debug().Str("ticker", t).Int("bars", len(sorted)).Msg("loaded price series")
	}
	return out, nil
}

// BuildDB intersects calendars over indicatorTickers (all series if
// indicatorTickers is empty) and aligns every series' prices onto that
// date universe. Position-only tickers outside the intersection set
// keep their own dates; days before a position ticker's first bar (or
// not present in its own series) are left as NaN.
func BuildDB(series []PriceSeries, indicatorTickers []string) (*PriceDB, error) {
	if len(series) == 0 {
		return nil, corerr.New(corerr.ErrInsufficientData, "", "", "no price series supplied")
	}

	byTicker := make(map[string]PriceSeries, len(series))
	for _, s := range series {
		byTicker[s.Ticker] = s
	}

	required := indicatorTickers
	if len(required) == 0 {
		required = make([]string, 0, len(series))
		for _, s := range series {
			required = append(required, s.Ticker)
		}
	}

	dates, err := intersectCalendars(byTicker, required)
	if err != nil {
		return nil, err
	}
	if len(dates) < 3 {
		return nil, corerr.New(corerr.ErrInsufficientData, "", "", fmt.Sprintf("intersected universe has %d usable days, need >= 3", len(dates)))
	}

	db := &PriceDB{
		Dates:        dates,
		Open:         map[string][]float64{},
		High:         map[string][]float64{},
		Low:          map[string][]float64{},
		Close:        map[string][]float64{},
		AdjClose:     map[string][]float64{},
		Volume:       map[string][]float64{},
		inception:    map[string]int{},
		firstBarDate: map[string]time.Time{},
	}

	for _, s := range series {
		open, high, low, cls, adj, vol, inception := alignSeries(s, dates)
		db.Open[s.Ticker] = open
		db.High[s.Ticker] = high
		db.Low[s.Ticker] = low
		db.Close[s.Ticker] = cls
		db.AdjClose[s.Ticker] = adj
		db.Volume[s.Ticker] = vol
		db.inception[s.Ticker] = inception
		if len(s.Bars) > 0 {
			db.firstBarDate[s.Ticker] = s.Bars[0].Timestamp
		}
	}

	return db, nil
}

// intersectCalendars returns the sorted set of dates present in every
// required ticker's own series.
func intersectCalendars(byTicker map[string]PriceSeries, required []string) ([]time.Time, error) {
	var counts map[time.Time]int
	for i, t := range required {
		s, ok := byTicker[t]
		if !ok {
			return nil, corerr.New(corerr.ErrTickerMissing, "", "ticker", t)
		}
		if i == 0 {
			counts = make(map[time.Time]int, len(s.Bars))
		}
		for _, b := range s.Bars {
			counts[b.Timestamp]++
		}
	}
	n := len(required)
	out := make([]time.Time, 0, len(counts))
	for d, c := range counts {
		if c == n {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// alignSeries maps s's bars onto dates, producing NaN-filled arrays for
// dates outside s's own history, and returns the index of the first
// non-NaN (adj) close — the ticker's inception index within dates.
func alignSeries(s PriceSeries, dates []time.Time) (open, high, low, cls, adj, vol []float64, inception int) {
	n := len(dates)
	open = nanFill(n)
	high = nanFill(n)
	low = nanFill(n)
	cls = nanFill(n)
	adj = nanFill(n)
	vol = nanFill(n)

	byDate := make(map[time.Time]Bar, len(s.Bars))
	for _, b := range s.Bars {
		byDate[b.Timestamp] = b
	}

	inception = n
	for i, d := range dates {
		b, ok := byDate[d]
		if !ok {
			continue
		}
		open[i] = b.Open
		high[i] = b.High
		low[i] = b.Low
		cls[i] = b.Close
		adj[i] = b.AdjClose
		vol[i] = b.Volume
		if i < inception {
			inception = i
		}
	}
	return
}

func nanFill(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// LimitingTicker returns the indicator-required ticker whose own history
// starts latest — the one that constrained the start of the intersected
// universe. Since indicator-required tickers all have inception index 0
// within the aligned DB by construction, the comparison is made against
// each ticker's raw first-bar date rather than its aligned index.
// Returns "" when there is no single latest starter (fewer than two
// indicator tickers, or a tie).
func LimitingTicker(db *PriceDB, indicatorTickers []string) string {
	tickers := indicatorTickers
	if len(tickers) == 0 {
		tickers = make([]string, 0, len(db.firstBarDate))
		for t := range db.firstBarDate {
			tickers = append(tickers, t)
		}
		sort.Strings(tickers)
	}
	if len(tickers) < 2 {
		return ""
	}

	limiting := ""
	var latest time.Time
	tie := false
	for _, t := range tickers {
		d, ok := db.firstBarDate[t]
		if !ok {
			continue
		}
		switch {
		case latest.IsZero() || d.After(latest):
			latest = d
			limiting = t
			tie = false
		case d.Equal(latest):
			tie = true
		}
	}
	if tie || limiting == "" {
		return ""
	}
	return limiting
}
