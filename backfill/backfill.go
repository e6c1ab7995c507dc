// Package backfill implements a coordinated backfill engine for multi-provider OHLCV history.
//
// One Engine invocation (RunCycle) is one bounded work cycle: it iterates the configured
// symbols × timeframes, asks the planner for the next window per pair, fetches it politely
// through the rate-limited fetcher and merges the result into the collated candle store. All
// cross-cycle state lives in the store, so an external scheduler (e.g. a cron tick) can
// re-enter as often as it wants and stop once reports come back complete.
package backfill

import (
	"context"
	"time"

	"github.com/marianogappa/candle-backfill/backfill/binance"
	"github.com/marianogappa/candle-backfill/backfill/coinbase"
	"github.com/marianogappa/candle-backfill/backfill/coingecko"
	"github.com/marianogappa/candle-backfill/backfill/common"
	"github.com/marianogappa/candle-backfill/backfill/cryptocompare"
	"github.com/marianogappa/candle-backfill/backfill/fetcher"
	"github.com/marianogappa/candle-backfill/backfill/kraken"
	"github.com/marianogappa/candle-backfill/backfill/metrics"
	"github.com/marianogappa/candle-backfill/backfill/store"
)

// Engine drives backfill cycles against a Store through an ordered adapter registry.
type Engine struct {
	config      Config
	store       store.Store
	fetcher     *fetcher.Fetcher
	adapters    []common.Adapter
	metrics     *metrics.Metrics
	timeNowFunc func() time.Time
	debug       bool

	// lastReport is the most recent cycle's report, kept in memory only so Progress can surface
	// recent pair errors.
	lastReport *common.CycleReport
}

// NewEngine constructs an Engine. The configuration is validated up front; an invalid one
// aborts before any work.
func NewEngine(config Config, st store.Store, options ...func(*Engine)) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		config:      config,
		store:       st,
		timeNowFunc: time.Now,
	}
	for _, option := range options {
		option(e)
	}
	if e.adapters == nil {
		e.adapters = buildAdapters(config)
	}
	if e.fetcher == nil {
		e.fetcher = fetcher.New(fetcher.WithMetrics(e.metrics))
	}
	if config.Debug {
		e.SetDebug(true)
	}
	return e, nil
}

// WithAdapters overrides the adapter registry. Used by tests and custom deployments.
func WithAdapters(adapters ...common.Adapter) func(*Engine) {
	return func(e *Engine) { e.adapters = adapters }
}

// WithFetcher overrides the rate-limited fetcher.
func WithFetcher(f *fetcher.Fetcher) func(*Engine) {
	return func(e *Engine) { e.fetcher = f }
}

// WithMetrics wires prometheus instrumentation into the engine and its fetcher.
func WithMetrics(m *metrics.Metrics) func(*Engine) {
	return func(e *Engine) { e.metrics = m }
}

// WithTimeNowFunc overrides the engine clock. Used by tests.
func WithTimeNowFunc(fn func() time.Time) func(*Engine) {
	return func(e *Engine) { e.timeNowFunc = fn }
}

// SetDebug sets debug logging across all adapters. Useful to know how many times each provider
// is being requested.
func (e *Engine) SetDebug(debug bool) {
	e.debug = debug
	for _, adapter := range e.adapters {
		adapter.SetDebug(debug)
	}
}

// Store exposes the underlying candle store.
func (e *Engine) Store() store.Store { return e.store }

// GetCandles is the stable read interface for downstream consumers: the pair's candles with
// start ≤ timestamp ≤ end, oldest first.
func (e *Engine) GetCandles(ctx context.Context, symbol string, tf common.Timeframe, start, end int64) ([]common.Candle, error) {
	return e.store.GetCandles(ctx, symbol, tf, start, end)
}

// Progress is the stable read interface for schedulers: per-pair coverage, total candles and
// whether all configured pairs reached their target horizons.
func (e *Engine) Progress(ctx context.Context) (common.Progress, bool, error) {
	progress, err := e.store.Progress(ctx)
	if err != nil {
		return common.Progress{}, false, err
	}
	complete, err := e.isComplete(ctx)
	if err != nil {
		return common.Progress{}, false, err
	}
	if e.lastReport != nil {
		for _, pair := range e.lastReport.Pairs {
			progress.RecentErrors = append(progress.RecentErrors, pair.Errors...)
		}
	}
	return progress, complete, nil
}

func buildAdapters(config Config) []common.Adapter {
	all := []common.Adapter{}
	if config.CryptoCompareAPIKey != "" {
		all = append(all, cryptocompare.NewCryptoCompare(config.CryptoCompareAPIKey))
	}
	all = append(all,
		binance.NewBinance(),
		kraken.NewKraken(),
		coinbase.NewCoinbase(),
		coingecko.NewCoinGecko(),
	)

	adapters := make([]common.Adapter, 0, len(all))
	for _, adapter := range all {
		if config.providerDisabled(adapter.Name()) {
			continue
		}
		adapters = append(adapters, adapter)
	}
	return adapters
}
