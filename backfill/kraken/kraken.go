// Package kraken implements the Kraken provider adapter. Kraken pages with a "since" cursor in
// seconds, returns bars newest-first and lists pairs under legacy names such as XXBTZUSD.
package kraken

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/marianogappa/candle-backfill/backfill/common"
)

// Kraken struct enables requesting candles from Kraken.
type Kraken struct {
	apiURL string
	debug  bool
	lock   sync.Mutex
}

// NewKraken is the constructor for Kraken.
func NewKraken() *Kraken {
	return &Kraken{apiURL: "https://api.kraken.com/0/public/"}
}

// Kraken's pair universe is narrower than the other providers'; anything not in this table is
// routed to another adapter.
var pairNames = map[string]string{
	"BTC":  "XXBTZUSD",
	"ETH":  "XETHZUSD",
	"XRP":  "XXRPZUSD",
	"LTC":  "XLTCZUSD",
	"ADA":  "ADAUSD",
	"SOL":  "SOLUSD",
	"DOT":  "DOTUSD",
	"DOGE": "XDGUSD",
	"LINK": "LINKUSD",
	"ATOM": "ATOMUSD",
}

// Fetch requests up to req.Limit candles ending at req.ToTimestamp, oldest first.
func (e *Kraken) Fetch(ctx context.Context, req common.FetchRequest) common.FetchResult {
	e.lock.Lock()
	defer e.lock.Unlock()

	start := time.Now()
	res := e.fetchOne(ctx, req)
	res.Source = e.Name()
	res.Latency = time.Since(start)
	return res
}

// Capabilities declares Kraken's descriptor: every canonical intraday timeframe plus daily,
// 720 candles per call, historical paging via the since cursor.
func (e *Kraken) Capabilities() common.Capabilities {
	return common.Capabilities{
		SupportedTimeframes: []common.Timeframe{
			common.Timeframe1m, common.Timeframe5m, common.Timeframe15m, common.Timeframe30m,
			common.Timeframe1h, common.Timeframe1d,
		},
		MaxCandlesPerCall:   720,
		SupportsToTimestamp: true,
	}
}

// SymbolMap translates a canonical symbol to Kraken's legacy pair naming.
func (e *Kraken) SymbolMap(symbol string) (string, bool) {
	pair, ok := pairNames[strings.ToUpper(symbol)]
	return pair, ok
}

// Priority places Kraken behind the per-timeframe primaries.
func (e *Kraken) Priority(tf common.Timeframe) int {
	if !e.Capabilities().Supports(tf) {
		return 99
	}
	return 2
}

// Name is the uppercase name of the provider.
func (e *Kraken) Name() string { return common.KRAKEN }

// SetDebug sets adapter-wide debug logging.
func (e *Kraken) SetDebug(debug bool) { e.debug = debug }
