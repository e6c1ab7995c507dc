package coinbase

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marianogappa/candle-backfill/backfill/common"
)

func TestHappyToCandles(t *testing.T) {
	// Coinbase returns candles in descending order, positions [time, low, high, open, close, volume].
	testResponse := `[
		[1642330080, 43068.13, 43079.63, 43072.59, 43071.18, 4.13011],
		[1642330020, 43069.99, 43079.63, 43070.00, 43072.60, 5.54560]
	]`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "products/BTC-USD/candles")
		require.Equal(t, "60", r.URL.Query().Get("granularity"))
		fmt.Fprintln(w, testResponse)
	}))
	defer ts.Close()

	c := NewCoinbase()
	c.SetDebug(true)
	c.apiURL = ts.URL + "/"

	res := c.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe1m, Limit: 2})
	require.Equal(t, common.OutcomeOK, res.Outcome)
	require.Equal(t, common.COINBASE, res.Source)
	require.Len(t, res.Candles, 2)
	require.Equal(t, int64(1642330020), res.Candles[0].Timestamp)
	require.Equal(t, int64(1642330080), res.Candles[1].Timestamp)
	require.Equal(t, common.JSONFloat64(43070.00), res.Candles[0].Open)
	require.Equal(t, common.JSONFloat64(43079.63), res.Candles[0].High)
	require.Equal(t, common.JSONFloat64(43069.99), res.Candles[0].Low)
	require.Equal(t, common.JSONFloat64(43072.60), res.Candles[0].Close)
	require.Equal(t, common.JSONFloat64(5.54560), res.Candles[0].Volume)
}

func TestWindowIsDerivedFromAnchorAndLimit(t *testing.T) {
	var gotStart, gotEnd string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStart = r.URL.Query().Get("start")
		gotEnd = r.URL.Query().Get("end")
		fmt.Fprintln(w, `[]`)
	}))
	defer ts.Close()

	c := NewCoinbase()
	c.apiURL = ts.URL + "/"

	anchor := int64(1642330080)
	c.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe1m, Limit: 10, ToTimestamp: anchor})
	require.Equal(t, time.Unix(anchor-9*60, 0).UTC().Format(time.RFC3339), gotStart)
	require.Equal(t, time.Unix(anchor, 0).UTC().Format(time.RFC3339), gotEnd)
}

func TestOutOfCandles(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `[]`)
	}))
	defer ts.Close()

	c := NewCoinbase()
	c.apiURL = ts.URL + "/"

	res := c.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe1m, Limit: 10})
	require.Equal(t, common.OutcomeEmpty, res.Outcome)
	require.ErrorIs(t, res.Err, common.ErrOutOfCandles)
}

func TestErrNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		fmt.Fprintln(w, `{"message":"NotFound"}`)
	}))
	defer ts.Close()

	c := NewCoinbase()
	c.apiURL = ts.URL + "/"

	res := c.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe1m, Limit: 10})
	require.Equal(t, common.OutcomeTerminalError, res.Outcome)
	require.ErrorIs(t, res.Err, common.ErrUnknownSymbol)
}

func TestErrTooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		fmt.Fprintln(w, `{"message":"Slow rate limit exceeded"}`)
	}))
	defer ts.Close()

	c := NewCoinbase()
	c.apiURL = ts.URL + "/"

	res := c.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe1m, Limit: 10})
	require.Equal(t, common.OutcomeRateLimited, res.Outcome)
}

func TestErrUnsupportedTimeframe(t *testing.T) {
	c := NewCoinbase()

	res := c.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe30m, Limit: 10})
	require.Equal(t, common.OutcomeTerminalError, res.Outcome)
	require.ErrorIs(t, res.Err, common.ErrUnsupportedTimeframe)
}

func TestErrUnknownSymbol(t *testing.T) {
	c := NewCoinbase()

	res := c.Fetch(context.Background(), common.FetchRequest{Symbol: "BNB", Timeframe: common.Timeframe1m, Limit: 10})
	require.Equal(t, common.OutcomeTerminalError, res.Outcome)
	require.ErrorIs(t, res.Err, common.ErrUnknownSymbol)
}

func TestUnhappyToCandles(t *testing.T) {
	tests := []string{
		// candle has len != 6! Invalid syntax from Coinbase
		`[[1642330080]]`,
		// candle has non-numeric value! Invalid syntax from Coinbase
		`[[1642330080, "43068.13", 43079.63, 43072.59, 43071.18, 4.13011]]`,
		// broken json
		`invalid`,
	}

	for i, tt := range tests {
		t.Run(fmt.Sprintf("%v", i), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, tt)
			}))
			defer ts.Close()

			c := NewCoinbase()
			c.apiURL = ts.URL + "/"

			res := c.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe1m, Limit: 10})
			require.Equal(t, common.OutcomeTerminalError, res.Outcome)
		})
	}
}

func TestSymbolMap(t *testing.T) {
	c := NewCoinbase()

	product, ok := c.SymbolMap("eth")
	require.True(t, ok)
	require.Equal(t, "ETH-USD", product)

	_, ok = c.SymbolMap("BNB")
	require.False(t, ok)
}
