package coingecko

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

func TestHappyPricePointsBucketedIntoBars(t *testing.T) {
	// Two hourly buckets: the first bar receives three points, the second one point.
	testResponse := `{
		"prices": [
			[1642330800000, 43071.18],
			[1642332000000, 43150.00],
			[1642333200000, 43100.50],
			[1642334400000, 43200.10]
		],
		"total_volumes": [
			[1642330800000, 24100000000.0],
			[1642334400000, 24200000000.0]
		]
	}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "coins/bitcoin/market_chart/range")
		require.Equal(t, "usd", r.URL.Query().Get("vs_currency"))
		fmt.Fprintln(w, testResponse)
	}))
	defer ts.Close()

	g := NewCoinGecko()
	g.SetDebug(true)
	g.apiURL = ts.URL + "/"
	g.timeNowFunc = func() time.Time { return time.Unix(1642335000, 0) }

	res := g.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe1h, Limit: 10})
	require.Equal(t, common.OutcomeOK, res.Outcome)
	require.Equal(t, common.COINGECKO, res.Source)
	require.Len(t, res.Candles, 2)

	first := res.Candles[0]
	require.Equal(t, int64(1642330800), first.Timestamp)
	require.Equal(t, common.JSONFloat64(43071.18), first.Open)
	require.Equal(t, common.JSONFloat64(43150.00), first.High)
	require.Equal(t, common.JSONFloat64(43071.18), first.Low)
	require.Equal(t, common.JSONFloat64(43100.50), first.Close)
	require.Equal(t, common.JSONFloat64(24100000000.0), first.Volume)

	second := res.Candles[1]
	require.Equal(t, int64(1642334400), second.Timestamp)
	require.Equal(t, common.JSONFloat64(43200.10), second.Open)
	require.Equal(t, common.JSONFloat64(43200.10), second.Close)
	require.Equal(t, common.JSONFloat64(24200000000.0), second.Volume)
}

func TestWindowClampedToHourlyHorizon(t *testing.T) {
	var gotFrom string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFrom = r.URL.Query().Get("from")
		fmt.Fprintln(w, `{"prices": [], "total_volumes": []}`)
	}))
	defer ts.Close()

	g := NewCoinGecko()
	g.apiURL = ts.URL + "/"
	now := int64(1642335000)
	g.timeNowFunc = func() time.Time { return time.Unix(now, 0) }

	g.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe1h, Limit: 2160})
	require.Equal(t, fmt.Sprintf("%v", now-90*86400), gotFrom)
}

func TestOutOfCandles(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"prices": [], "total_volumes": []}`)
	}))
	defer ts.Close()

	g := NewCoinGecko()
	g.apiURL = ts.URL + "/"

	res := g.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe1h, Limit: 10})
	require.Equal(t, common.OutcomeEmpty, res.Outcome)
	require.ErrorIs(t, res.Err, common.ErrOutOfCandles)
}

func TestAnchorBeyondHorizonIsEmpty(t *testing.T) {
	// An anchor older than the daily horizon produces an inverted window; no request is made.
	g := NewCoinGecko()
	now := int64(1642335000)
	g.timeNowFunc = func() time.Time { return time.Unix(now, 0) }

	res := g.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe1d, Limit: 10, ToTimestamp: now - 400*86400})
	require.Equal(t, common.OutcomeEmpty, res.Outcome)
}

func TestErrTooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		fmt.Fprintln(w, `{"status": {"error_code": 429}}`)
	}))
	defer ts.Close()

	g := NewCoinGecko()
	g.apiURL = ts.URL + "/"

	res := g.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe1h, Limit: 10})
	require.Equal(t, common.OutcomeRateLimited, res.Outcome)
}

func TestErrUnsupportedTimeframe(t *testing.T) {
	g := NewCoinGecko()

	res := g.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe1m, Limit: 10})
	require.Equal(t, common.OutcomeTerminalError, res.Outcome)
	require.ErrorIs(t, res.Err, common.ErrUnsupportedTimeframe)
}

func TestErrUnknownSymbol(t *testing.T) {
	g := NewCoinGecko()

	res := g.Fetch(context.Background(), common.FetchRequest{Symbol: "XYZ", Timeframe: common.Timeframe1h, Limit: 10})
	require.Equal(t, common.OutcomeTerminalError, res.Outcome)
	require.ErrorIs(t, res.Err, common.ErrUnknownSymbol)
}

func TestErrInvalidJSONResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `invalid`)
	}))
	defer ts.Close()

	g := NewCoinGecko()
	g.apiURL = ts.URL + "/"

	res := g.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe1h, Limit: 10})
	require.Equal(t, common.OutcomeTerminalError, res.Outcome)
	require.ErrorIs(t, res.Err, common.ErrInvalidJSONResponse)
}

func TestErrorEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error": "coin not found"}`)
	}))
	defer ts.Close()

	g := NewCoinGecko()
	g.apiURL = ts.URL + "/"

	res := g.Fetch(context.Background(), common.FetchRequest{Symbol: "BTC", Timeframe: common.Timeframe1h, Limit: 10})
	require.Equal(t, common.OutcomeTerminalError, res.Outcome)
}

func TestSymbolMap(t *testing.T) {
	g := NewCoinGecko()

	id, ok := g.SymbolMap("avax")
	require.True(t, ok)
	require.Equal(t, "avalanche-2", id)

	_, ok = g.SymbolMap("XYZ")
	require.False(t, ok)
}
