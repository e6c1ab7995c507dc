// Package coinbase implements the Coinbase provider adapter. Pairs follow the {SYMBOL}-USD
// convention and historical paging uses a granularity-in-seconds window of at most 300 bars.
package coinbase

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/marianogappa/candle-backfill/backfill/common"
)

// Coinbase struct enables requesting candles from Coinbase.
type Coinbase struct {
	apiURL string
	debug  bool
	lock   sync.Mutex
}

// NewCoinbase is the constructor for Coinbase.
func NewCoinbase() *Coinbase {
	return &Coinbase{apiURL: "https://api.exchange.coinbase.com/"}
}

var supportedSymbols = map[string]bool{
	"BTC": true, "ETH": true, "SOL": true, "ADA": true, "XRP": true, "DOGE": true,
	"DOT": true, "LTC": true, "LINK": true, "AVAX": true, "MATIC": true, "UNI": true,
	"ATOM": true,
}

// Fetch requests up to req.Limit candles ending at req.ToTimestamp, oldest first.
func (e *Coinbase) Fetch(ctx context.Context, req common.FetchRequest) common.FetchResult {
	e.lock.Lock()
	defer e.lock.Unlock()

	start := time.Now()
	res := e.fetchOne(ctx, req)
	res.Source = e.Name()
	res.Latency = time.Since(start)
	return res
}

// Capabilities declares Coinbase's descriptor: 300 candles per call, granularity-based windows.
func (e *Coinbase) Capabilities() common.Capabilities {
	return common.Capabilities{
		SupportedTimeframes: []common.Timeframe{
			common.Timeframe1m, common.Timeframe5m, common.Timeframe15m, common.Timeframe1h,
		},
		MaxCandlesPerCall:   300,
		SupportsToTimestamp: true,
	}
}

// SymbolMap translates a canonical symbol to Coinbase's {SYMBOL}-USD product naming.
func (e *Coinbase) SymbolMap(symbol string) (string, bool) {
	symbol = strings.ToUpper(symbol)
	if !supportedSymbols[symbol] {
		return "", false
	}
	return symbol + "-USD", true
}

// Priority places Coinbase behind Kraken; its 300-bar cap makes deep backfills slow.
func (e *Coinbase) Priority(tf common.Timeframe) int {
	if !e.Capabilities().Supports(tf) {
		return 99
	}
	return 3
}

// Name is the uppercase name of the provider.
func (e *Coinbase) Name() string { return common.COINBASE }

// SetDebug sets adapter-wide debug logging.
func (e *Coinbase) SetDebug(debug bool) { e.debug = debug }
