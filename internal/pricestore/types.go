// Package pricestore builds aligned, gap-free numeric price arrays over
// a common date universe from per-ticker bar histories.
//
// Faithful to spec.md §3/§4.1. Grounded on the history-database access
// pattern in trader/internal/modules/universe/history_db.go and the
// OHLCV validation idiom in the pack's backtest-engine examples.
package pricestore

import (
	"fmt"
	"time"
)

// Bar is one daily OHLC+adjClose record, calendar-day-aligned in UTC.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	AdjClose  float64
	Volume    float64
}

func (b Bar) validate() error {
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar has zero timestamp")
	}
	if b.High < b.Low || b.High < b.Open || b.High < b.Close || b.Low > b.Open || b.Low > b.Close {
		return fmt.Errorf("invalid OHLC relationship: O=%.4f H=%.4f L=%.4f C=%.4f", b.Open, b.High, b.Low, b.Close)
	}
	return nil
}

// PriceSeries is an immutable, ordered sequence of Bar for one ticker.
// Invariant: timestamps strictly increasing, no gaps within the
// ticker's own history, no null fields.
type PriceSeries struct {
	Ticker string
	Bars   []Bar
}

func newPriceSeries(ticker string, bars []Bar) (PriceSeries, error) {
	for i, b := range bars {
		if err := b.validate(); err != nil {
			return PriceSeries{}, fmt.Errorf("%s bar %d: %w", ticker, i, err)
		}
		if i > 0 && !bars[i-1].Timestamp.Before(b.Timestamp) {
			return PriceSeries{}, fmt.Errorf("%s: timestamps not strictly increasing at index %d", ticker, i)
		}
	}
	return PriceSeries{Ticker: ticker, Bars: bars}, nil
}

// PriceDB is a derived snapshot over an intersected date universe: for
// each ticker, column-major arrays aligned to Dates. Position-only
// tickers may hold math.NaN before their inception date.
type PriceDB struct {
	Dates []time.Time
	// Open/High/Low/Close/AdjClose map ticker -> per-date array, aligned to Dates.
	Open     map[string][]float64
	High     map[string][]float64
	Low      map[string][]float64
	Close    map[string][]float64
	AdjClose map[string][]float64
	Volume   map[string][]float64

	// inception holds, per ticker, the earliest index within Dates with
	// a non-NaN price. Tickers present in the indicator-required set
	// always have inception 0 (their dates defined the universe).
	inception map[string]int

	// firstBarDate holds, per ticker, the first date in that ticker's
	// own raw history (independent of Dates alignment). Used to find
	// the limiting ticker among a set that all intersect at index 0.
	firstBarDate map[string]time.Time
}

// Inception returns the earliest index at which ticker has a non-null
// price. Returns len(Dates) if the ticker is unknown.
func (db *PriceDB) Inception(ticker string) int {
	if idx, ok := db.inception[ticker]; ok {
		return idx
	}
	return len(db.Dates)
}

// Len returns the number of evaluable dates.
func (db *PriceDB) Len() int { return len(db.Dates) }
