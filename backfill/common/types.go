// Package common contains shared types and code across the backfill super-package.
package common

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// CRYPTOCOMPARE is an enumesque string value representing the CryptoCompare provider
	CRYPTOCOMPARE = "CRYPTOCOMPARE"
	// COINGECKO is an enumesque string value representing the CoinGecko provider
	COINGECKO = "COINGECKO"
	// BINANCE is an enumesque string value representing the Binance provider
	BINANCE = "BINANCE"
	// KRAKEN is an enumesque string value representing the Kraken provider
	KRAKEN = "KRAKEN"
	// COINBASE is an enumesque string value representing the Coinbase provider
	COINBASE = "COINBASE"
)

var (
	// ErrUnsupportedTimeframe means: provider does not serve this timeframe
	ErrUnsupportedTimeframe = errors.New("unsupported timeframe")

	// ErrUnknownSymbol means: provider has no native pair for this symbol
	ErrUnknownSymbol = errors.New("provider has no native pair for symbol")

	// ErrExecutingRequest means: error executing client.Do() http request method
	ErrExecutingRequest = errors.New("error executing client.Do() http request method")

	// ErrBrokenBodyResponse means: provider returned broken body response
	ErrBrokenBodyResponse = errors.New("provider returned broken body response")

	// ErrInvalidJSONResponse means: provider returned invalid JSON response
	ErrInvalidJSONResponse = errors.New("provider returned invalid JSON response")

	// ErrRateLimit means: provider asked us to enhance our calm
	ErrRateLimit = errors.New("provider asked us to enhance our calm")

	// ErrOutOfCandles means: provider ran out of candles at this horizon
	ErrOutOfCandles = errors.New("provider ran out of candles")

	// ErrNoAdapter means: no adapter serves the requested (symbol, timeframe)
	ErrNoAdapter = errors.New("no adapter serves the requested symbol and timeframe")

	// ErrInvalidCandle means: candle violates OHLC or alignment invariants
	ErrInvalidCandle = errors.New("candle violates OHLC or alignment invariants")

	// ErrCircuitOpen means: provider circuit breaker is open
	ErrCircuitOpen = errors.New("provider circuit breaker is open")
)

// Timeframe is the bar duration tag. Only the values in Timeframes are valid.
type Timeframe string

const (
	// Timeframe1m is the 1-minute timeframe
	Timeframe1m Timeframe = "1m"
	// Timeframe5m is the 5-minute timeframe
	Timeframe5m Timeframe = "5m"
	// Timeframe15m is the 15-minute timeframe
	Timeframe15m Timeframe = "15m"
	// Timeframe30m is the 30-minute timeframe
	Timeframe30m Timeframe = "30m"
	// Timeframe1h is the 1-hour timeframe
	Timeframe1h Timeframe = "1h"
	// Timeframe4h is the 4-hour timeframe
	Timeframe4h Timeframe = "4h"
	// Timeframe1d is the 1-day timeframe
	Timeframe1d Timeframe = "1d"
)

// Timeframes is the closed set of supported timeframes, finest first.
var Timeframes = []Timeframe{Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m, Timeframe1h, Timeframe4h, Timeframe1d}

var timeframeSeconds = map[Timeframe]int64{
	Timeframe1m:  60,
	Timeframe5m:  300,
	Timeframe15m: 900,
	Timeframe30m: 1800,
	Timeframe1h:  3600,
	Timeframe4h:  14400,
	Timeframe1d:  86400,
}

// Seconds returns the timeframe's bar duration in seconds, or 0 if invalid.
func (t Timeframe) Seconds() int64 { return timeframeSeconds[t] }

// Duration returns the timeframe's bar duration.
func (t Timeframe) Duration() time.Duration { return time.Duration(t.Seconds()) * time.Second }

// IsValid returns whether the timeframe belongs to the closed supported set.
func (t Timeframe) IsValid() bool { return t.Seconds() > 0 }

// ParseTimeframe converts a string tag into a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	t := Timeframe(s)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedTimeframe, s)
	}
	return t, nil
}

// Candle is the canonical OHLCV bar, collated across providers.
type Candle struct {
	// Symbol is the uppercase ticker, e.g. BTC.
	Symbol string `json:"symbol" db:"symbol"`

	// Timeframe is the bar duration tag, e.g. 1h.
	Timeframe Timeframe `json:"timeframe" db:"timeframe"`

	// Timestamp is the UNIX timestamp (i.e. seconds since UTC Epoch) at which the candle started,
	// aligned to the timeframe boundary.
	Timestamp int64 `json:"t" db:"ts"`

	// Open is the price at which the candle opened.
	Open JSONFloat64 `json:"o" db:"open"`

	// High is the highest price reached during the candle duration.
	High JSONFloat64 `json:"h" db:"high"`

	// Low is the lowest price reached during the candle duration.
	Low JSONFloat64 `json:"l" db:"low"`

	// Close is the price at which the candle closed.
	Close JSONFloat64 `json:"c" db:"close"`

	// Volume is quote-currency volume where the provider exposes it, base-currency volume otherwise.
	Volume JSONFloat64 `json:"v" db:"volume"`

	// Providers are the provider identifiers that contributed observations to this bar.
	Providers []string `json:"providers,omitempty"`

	// DataPoints is the count of contributing observations.
	DataPoints int `json:"dataPoints,omitempty" db:"data_points"`

	// Variance is the coefficient of variation of contributing closes, clamped to [0, 1]. Zero
	// when a single provider contributed.
	Variance float64 `json:"variance" db:"variance"`
}

// Validate checks the candle invariants: positive OHLC, low ≤ min(open, close),
// high ≥ max(open, close), non-negative volume and timeframe-aligned timestamp.
func (c Candle) Validate() error {
	if !c.Timeframe.IsValid() {
		return fmt.Errorf("%w: invalid timeframe %q", ErrInvalidCandle, c.Timeframe)
	}
	if c.Timestamp%c.Timeframe.Seconds() != 0 {
		return fmt.Errorf("%w: timestamp %v not aligned to %v", ErrInvalidCandle, c.Timestamp, c.Timeframe)
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("%w: non-positive OHLC component", ErrInvalidCandle)
	}
	if c.Volume < 0 {
		return fmt.Errorf("%w: negative volume", ErrInvalidCandle)
	}
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("%w: low/high do not bound open/close", ErrInvalidCandle)
	}
	return nil
}

// Outcome classifies the result of one logical fetch against a provider.
type Outcome int

const (
	// OutcomeOK means the provider returned candles.
	OutcomeOK Outcome = iota
	// OutcomeEmpty means the provider returned a valid response with no candles.
	OutcomeEmpty
	// OutcomeRateLimited means the provider throttled us (HTTP 429/503/5xx) and retries were exhausted.
	OutcomeRateLimited
	// OutcomeTerminalError means the request cannot succeed by retrying (4xx, schema violation, unknown symbol).
	OutcomeTerminalError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeEmpty:
		return "empty"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTerminalError:
		return "terminal_error"
	default:
		return "unknown"
	}
}

// FetchRequest is the transient description of one provider fetch.
type FetchRequest struct {
	Symbol    string
	Timeframe Timeframe

	// Limit is the number of candles requested; adapters clamp it to their per-call cap.
	Limit int

	// ToTimestamp is the inclusive upper bound anchor in UNIX seconds. Zero means "up to now".
	ToTimestamp int64
}

// FetchResult is the transient classified result of one logical fetch.
type FetchResult struct {
	// Candles are canonical candles, oldest first. Empty unless Outcome is OutcomeOK.
	Candles []Candle

	// Source is the provider identifier that served the request, e.g. KRAKEN.
	Source string

	// Latency is the wall time of the logical call, including retries and backoff.
	Latency time.Duration

	// Outcome classifies the result.
	Outcome Outcome

	// Err carries the diagnostic reason for non-OK outcomes. It is informational; callers must
	// branch on Outcome, not on Err.
	Err error

	// RateLimitEvents counts how many throttled attempts occurred before this result.
	RateLimitEvents int
}

// Capabilities is an adapter's declarative descriptor, immutable after construction.
type Capabilities struct {
	// SupportedTimeframes is the subset of canonical timeframes the provider serves.
	SupportedTimeframes []Timeframe

	// MaxCandlesPerCall is the provider's per-request cap.
	MaxCandlesPerCall int

	// SupportsToTimestamp is whether the provider accepts an upper-bound anchor for historical paging.
	SupportsToTimestamp bool
}

// Supports returns whether the capability descriptor includes the given timeframe.
func (c Capabilities) Supports(tf Timeframe) bool {
	for _, t := range c.SupportedTimeframes {
		if t == tf {
			return true
		}
	}
	return false
}

// Adapter normalizes one provider's native OHLCV API behind the canonical candle shape.
//
// Since this is an HTTP request against one of many different providers, there's a myriad of
// things that can go wrong (e.g. Internet out, AWS outage affects provider, provider does not
// honor its API), so implementations do a best-effort of classifying failures into FetchResult
// outcomes rather than returning errors. Fetch never panics and never returns a transport error
// directly; it surfaces an Outcome plus a diagnostic reason.
type Adapter interface {
	// Fetch requests up to req.Limit candles ending at req.ToTimestamp (inclusive), oldest first.
	Fetch(ctx context.Context, req FetchRequest) FetchResult

	// Capabilities declares the provider's timeframes, per-call cap and paging support.
	Capabilities() Capabilities

	// SymbolMap translates a canonical symbol into the provider's native pair name. The second
	// return value is false when the provider does not list the symbol.
	SymbolMap(symbol string) (string, bool)

	// Priority orders adapters for the planner; lower is preferred.
	Priority(tf Timeframe) int

	// Name is the uppercase name of the provider, e.g. KRAKEN.
	Name() string

	// SetDebug enables per-request logging.
	SetDebug(debug bool)
}

// CoverageRecord materializes, per (symbol, timeframe), the extent of persisted history.
type CoverageRecord struct {
	Symbol          string    `json:"symbol" db:"symbol"`
	Timeframe       Timeframe `json:"timeframe" db:"timeframe"`
	OldestTimestamp int64     `json:"oldestTimestamp" db:"oldest_ts"`
	NewestTimestamp int64     `json:"newestTimestamp" db:"newest_ts"`
	CandleCount     int64     `json:"candleCount" db:"candle_count"`
	LastUpdated     time.Time `json:"lastUpdated" db:"last_updated"`
}

// YearsOfData returns the covered extent in years.
func (r CoverageRecord) YearsOfData() float64 {
	if r.NewestTimestamp <= r.OldestTimestamp {
		return 0
	}
	return float64(r.NewestTimestamp-r.OldestTimestamp) / (365 * 86400)
}

// PairReport is the per-(symbol, timeframe) slice of a CycleReport.
type PairReport struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Inserted  int       `json:"inserted"`
	Skipped   int       `json:"skipped"`
	APICalls  int       `json:"apiCalls"`
	Errors    []string  `json:"errors,omitempty"`

	// Complete means coverage already satisfies the pair's target horizon.
	Complete bool `json:"complete"`

	// Exhausted means the provider returned no candles although coverage exists; the planner
	// may try another provider next cycle.
	Exhausted bool `json:"exhausted,omitempty"`
}

// CycleReport aggregates one bounded orchestrator cycle.
type CycleReport struct {
	Pairs           []PairReport  `json:"pairs"`
	Inserted        int           `json:"inserted"`
	Skipped         int           `json:"skipped"`
	APICalls        int           `json:"apiCalls"`
	RateLimitEvents int           `json:"rateLimitEvents"`
	ErrorCount      int           `json:"errorCount"`
	Duration        time.Duration `json:"duration"`
	IsComplete      bool          `json:"isComplete"`
}

// Progress is the read-side summary exposed to downstream consumers.
type Progress struct {
	TotalCandles int64            `json:"totalCandles"`
	PerPair      []CoverageRecord `json:"perPair"`
	LastUpdated  time.Time        `json:"lastUpdated"`

	// RecentErrors are the pair error reasons from the most recent cycle, when the Progress was
	// produced by an Engine. Stores leave it empty.
	RecentErrors []string `json:"recentErrors,omitempty"`
}

// JSONFloat64 exists only for the purpose of marshalling floats in a nicer way.
type JSONFloat64 float64

// MarshalJSON overrides the marshalling of floats in a nicer way.
func (jf JSONFloat64) MarshalJSON() ([]byte, error) {
	f := float64(jf)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, errors.New("unsupported value")
	}
	bs := []byte(fmt.Sprintf("%.12f", f))
	var i int
	for i = len(bs) - 1; i >= 0; i-- {
		if bs[i] == '0' {
			continue
		}
		if bs[i] == '.' {
			return bs[:i], nil
		}
		break
	}
	return bs[:i+1], nil
}
