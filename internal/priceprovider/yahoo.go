// Package priceprovider implements pricestore.Provider against Yahoo
// Finance's chart API. Grounded on
// trader/internal/clients/yahoo/client.go's GetHistoricalPrices: same
// v8/finance/chart endpoint, same browser User-Agent, same
// timestamp/OHLCV/adjclose extraction, generalized from a single
// ticker+period call to a bulk FetchOHLC(tickers, maxBars) call the
// way the sweep pipeline needs it.
package priceprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/Belfering/QuantNexus-sub004/internal/pricestore"
)

const defaultChartBaseURL = "https://query1.finance.yahoo.com/v8/finance/chart/"

// YahooClient fetches OHLCV bar history from Yahoo Finance's chart API.
type YahooClient struct {
	httpClient *http.Client
	baseURL    string // overridable in tests
	log        zerolog.Logger
}

// NewYahooClient builds a Yahoo Finance chart-API price provider.
func NewYahooClient(log zerolog.Logger) *YahooClient {
	return &YahooClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultChartBaseURL,
		log:        log.With().Str("component", "priceprovider").Logger(),
	}
}

// FetchOHLC bulk-fetches maxBars daily bars per ticker. A per-ticker
// failure is logged and the ticker omitted from the result rather than
// failing the whole batch; pricestore.Store.Load turns an absent
// ticker into ErrTickerMissing only if it's actually required.
func (c *YahooClient) FetchOHLC(ctx context.Context, tickers []string, maxBars int) (map[string][]pricestore.Bar, error) {
	out := make(map[string][]pricestore.Bar, len(tickers))
	for _, ticker := range tickers {
		bars, err := c.fetchOne(ctx, ticker, maxBars)
		if err != nil {
			c.log.Warn().Err(err).Str("ticker", ticker).Msg("failed to fetch price history")
			continue
		}
		out[ticker] = bars
	}
	return out, nil
}

func rangeForBars(maxBars int) string {
	switch {
	case maxBars <= 0:
		return "10y"
	case maxBars <= 30:
		return "3mo"
	case maxBars <= 252:
		return "1y"
	case maxBars <= 252*2:
		return "2y"
	case maxBars <= 252*5:
		return "5y"
	default:
		return "10y"
	}
}

func (c *YahooClient) fetchOne(ctx context.Context, ticker string, maxBars int) ([]pricestore.Bar, error) {
	baseURL := c.baseURL + url.QueryEscape(ticker)
	params := url.Values{}
	params.Add("interval", "1d")
	params.Add("range", rangeForBars(maxBars))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching chart data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("yahoo chart API returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	var parsed chartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing chart response: %w", err)
	}
	if parsed.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo chart API error: %v", parsed.Chart.Error)
	}
	if len(parsed.Chart.Result) == 0 {
		return nil, fmt.Errorf("no chart data returned for %s", ticker)
	}

	result := parsed.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("no quote data in chart response for %s", ticker)
	}
	quote := result.Indicators.Quote[0]

	var adjClose []float64
	if len(result.Indicators.AdjClose) > 0 {
		adjClose = result.Indicators.AdjClose[0].AdjClose
	}

	bars := make([]pricestore.Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Open) || i >= len(quote.High) || i >= len(quote.Low) || i >= len(quote.Close) {
			continue
		}
		if quote.Open[i] == 0 && quote.High[i] == 0 && quote.Low[i] == 0 && quote.Close[i] == 0 {
			continue
		}
		adj := quote.Close[i]
		if i < len(adjClose) && adjClose[i] != 0 {
			adj = adjClose[i]
		}
		vol := 0.0
		if i < len(quote.Volume) {
			vol = float64(quote.Volume[i])
		}
		bars = append(bars, pricestore.Bar{
			Timestamp: time.Unix(ts, 0).UTC(),
			Open:      quote.Open[i],
			High:      quote.High[i],
			Low:       quote.Low[i],
			Close:     quote.Close[i],
			AdjClose:  adj,
			Volume:    vol,
		})
	}
	return bars, nil
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []int64   `json:"volume"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error interface{} `json:"error"`
	} `json:"chart"`
}
