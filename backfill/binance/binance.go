// Package binance implements the Binance provider adapter. Pairs follow the {SYMBOL}USDT
// convention and historical paging uses a millisecond endTime window.
package binance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/marianogappa/candle-backfill/backfill/common"
)

// Binance struct enables requesting candles from Binance.
type Binance struct {
	apiURL string
	debug  bool
	lock   sync.Mutex
}

// NewBinance is the constructor for Binance.
func NewBinance() *Binance {
	return &Binance{apiURL: "https://api.binance.com/api/v3/"}
}

var supportedSymbols = map[string]bool{
	"BTC": true, "ETH": true, "SOL": true, "ADA": true, "XRP": true, "DOGE": true,
	"DOT": true, "LTC": true, "LINK": true, "AVAX": true, "MATIC": true, "UNI": true,
	"ATOM": true, "BNB": true,
}

// Fetch requests up to req.Limit candles ending at req.ToTimestamp, oldest first.
func (e *Binance) Fetch(ctx context.Context, req common.FetchRequest) common.FetchResult {
	e.lock.Lock()
	defer e.lock.Unlock()

	start := time.Now()
	res := e.fetchOne(ctx, req)
	res.Source = e.Name()
	res.Latency = time.Since(start)
	return res
}

// Capabilities declares Binance's descriptor: intraday timeframes, 1000 candles per call,
// historical paging via a time window.
func (e *Binance) Capabilities() common.Capabilities {
	return common.Capabilities{
		SupportedTimeframes: []common.Timeframe{
			common.Timeframe1m, common.Timeframe5m, common.Timeframe15m, common.Timeframe30m, common.Timeframe1h,
		},
		MaxCandlesPerCall:   1000,
		SupportsToTimestamp: true,
	}
}

// SymbolMap translates a canonical symbol to Binance's {SYMBOL}USDT pair naming.
func (e *Binance) SymbolMap(symbol string) (string, bool) {
	symbol = strings.ToUpper(symbol)
	if !supportedSymbols[symbol] {
		return "", false
	}
	return symbol + "USDT", true
}

// Priority makes Binance primary for the sub-hour timeframes CryptoCompare does not serve.
func (e *Binance) Priority(tf common.Timeframe) int {
	switch tf {
	case common.Timeframe5m, common.Timeframe15m, common.Timeframe30m:
		return 0
	case common.Timeframe1m, common.Timeframe1h:
		return 1
	default:
		return 99
	}
}

// Name is the uppercase name of the provider.
func (e *Binance) Name() string { return common.BINANCE }

// SetDebug sets adapter-wide debug logging.
func (e *Binance) SetDebug(debug bool) { e.debug = debug }
