// Package coingecko implements the CoinGecko provider adapter. CoinGecko has no keyed OHLC
// pagination: its range endpoint serves one window anchored at the present, hourly points only
// within the last 90 days and daily points up to 365 days back. It is therefore the last-resort
// fallback for the 1h and 1d timeframes.
package coingecko

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/marianogappa/candle-backfill/backfill/common"
)

// CoinGecko struct enables requesting candles from CoinGecko.
type CoinGecko struct {
	apiURL      string
	debug       bool
	lock        sync.Mutex
	timeNowFunc func() time.Time
}

// NewCoinGecko is the constructor for CoinGecko.
func NewCoinGecko() *CoinGecko {
	return &CoinGecko{apiURL: "https://api.coingecko.com/api/v3/", timeNowFunc: time.Now}
}

// CoinGecko addresses coins by slug id rather than ticker.
var coinIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"SOL":   "solana",
	"ADA":   "cardano",
	"XRP":   "ripple",
	"DOGE":  "dogecoin",
	"DOT":   "polkadot",
	"LTC":   "litecoin",
	"LINK":  "chainlink",
	"AVAX":  "avalanche-2",
	"MATIC": "matic-network",
	"UNI":   "uniswap",
	"ATOM":  "cosmos",
	"BNB":   "binancecoin",
}

const (
	maxHourlyWindow = 90 * 86400
	maxDailyWindow  = 365 * 86400
)

// Fetch requests up to req.Limit candles, oldest first. The upper bound anchor is best-effort:
// CoinGecko windows always end near the present.
func (e *CoinGecko) Fetch(ctx context.Context, req common.FetchRequest) common.FetchResult {
	e.lock.Lock()
	defer e.lock.Unlock()

	start := time.Now()
	res := e.fetchOne(ctx, req)
	res.Source = e.Name()
	res.Latency = time.Since(start)
	return res
}

// Capabilities declares CoinGecko's descriptor. MaxCandlesPerCall reflects the 90-day hourly
// window; daily requests are further clamped to 365 bars inside Fetch.
func (e *CoinGecko) Capabilities() common.Capabilities {
	return common.Capabilities{
		SupportedTimeframes: []common.Timeframe{common.Timeframe1h, common.Timeframe1d},
		MaxCandlesPerCall:   2160,
		SupportsToTimestamp: false,
	}
}

// SymbolMap translates a canonical symbol to CoinGecko's coin id.
func (e *CoinGecko) SymbolMap(symbol string) (string, bool) {
	id, ok := coinIDs[strings.ToUpper(symbol)]
	return id, ok
}

// Priority makes CoinGecko the last resort for the timeframes it serves.
func (e *CoinGecko) Priority(tf common.Timeframe) int {
	if !e.Capabilities().Supports(tf) {
		return 99
	}
	return 4
}

// Name is the uppercase name of the provider.
func (e *CoinGecko) Name() string { return common.COINGECKO }

// SetDebug sets adapter-wide debug logging.
func (e *CoinGecko) SetDebug(debug bool) { e.debug = debug }
