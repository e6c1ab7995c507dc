// Package cryptocompare implements the CryptoCompare provider adapter. It is the preferred
// primary source for the 1m, 1h and 1d timeframes and requires an API credential.
package cryptocompare

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/marianogappa/candle-backfill/backfill/common"
)

// CryptoCompare struct enables requesting candles from CryptoCompare.
type CryptoCompare struct {
	apiURL string
	apiKey string
	debug  bool
	lock   sync.Mutex
}

// NewCryptoCompare is the constructor for CryptoCompare. The apiKey is mandatory; requests
// without it are throttled to uselessness by the provider.
func NewCryptoCompare(apiKey string) *CryptoCompare {
	return &CryptoCompare{apiURL: "https://min-api.cryptocompare.com/data/v2/", apiKey: apiKey}
}

var supportedSymbols = map[string]bool{
	"BTC": true, "ETH": true, "SOL": true, "ADA": true, "XRP": true, "DOGE": true,
	"DOT": true, "LTC": true, "LINK": true, "AVAX": true, "MATIC": true, "UNI": true,
	"ATOM": true, "BNB": true,
}

// Fetch requests up to req.Limit candles ending at req.ToTimestamp, oldest first.
func (e *CryptoCompare) Fetch(ctx context.Context, req common.FetchRequest) common.FetchResult {
	e.lock.Lock()
	defer e.lock.Unlock()

	start := time.Now()
	res := e.fetchOne(ctx, req)
	res.Source = e.Name()
	res.Latency = time.Since(start)
	return res
}

// Capabilities declares CryptoCompare's descriptor: minute/hour/day endpoints, 2000 candles per
// call, historical paging via the toTs anchor.
func (e *CryptoCompare) Capabilities() common.Capabilities {
	return common.Capabilities{
		SupportedTimeframes: []common.Timeframe{common.Timeframe1m, common.Timeframe1h, common.Timeframe1d},
		MaxCandlesPerCall:   2000,
		SupportsToTimestamp: true,
	}
}

// SymbolMap translates a canonical symbol to CryptoCompare's fsym parameter.
func (e *CryptoCompare) SymbolMap(symbol string) (string, bool) {
	symbol = strings.ToUpper(symbol)
	if !supportedSymbols[symbol] {
		return "", false
	}
	return symbol, true
}

// Priority makes CryptoCompare the preferred primary for all timeframes it serves.
func (e *CryptoCompare) Priority(tf common.Timeframe) int {
	if !e.Capabilities().Supports(tf) {
		return 99
	}
	return 0
}

// Name is the uppercase name of the provider.
func (e *CryptoCompare) Name() string { return common.CRYPTOCOMPARE }

// SetDebug sets adapter-wide debug logging. It's useful to know how many times requests are
// being sent to the provider.
func (e *CryptoCompare) SetDebug(debug bool) { e.debug = debug }
