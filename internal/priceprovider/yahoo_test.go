package priceprovider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *YahooClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &YahooClient{
		httpClient: srv.Client(),
		baseURL:    srv.URL + "/",
		log:        zerolog.New(nil).Level(zerolog.Disabled),
	}
}

func TestFetchOHLC_ParsesBars(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"chart": {
				"result": [{
					"timestamp": [1609459200, 1609545600],
					"indicators": {
						"quote": [{
							"open": [100, 101],
							"high": [102, 103],
							"low": [99, 100],
							"close": [101, 102],
							"volume": [1000, 1100]
						}],
						"adjclose": [{"adjclose": [100.5, 101.5]}]
					}
				}],
				"error": null
			}
		}`)
	})

	out, err := client.FetchOHLC(context.Background(), []string{"SPY"}, 252)
	require.NoError(t, err)
	require.Contains(t, out, "SPY")
	bars := out["SPY"]
	require.Len(t, bars, 2)
	assert.Equal(t, 100.0, bars[0].Open)
	assert.Equal(t, 100.5, bars[0].AdjClose)
	assert.Equal(t, 1100.0, bars[1].Volume)
}

func TestFetchOHLC_SkipsFailingTickerInsteadOfFailingBatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	})

	out, err := client.FetchOHLC(context.Background(), []string{"BAD"}, 252)
	require.NoError(t, err)
	assert.NotContains(t, out, "BAD")
}

func TestRangeForBars(t *testing.T) {
	assert.Equal(t, "3mo", rangeForBars(20))
	assert.Equal(t, "1y", rangeForBars(252))
	assert.Equal(t, "10y", rangeForBars(0))
	assert.Equal(t, "10y", rangeForBars(100000))
}
