package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marianogappa/candle-backfill/backfill/common"
	"github.com/marianogappa/candle-backfill/backfill/fetcher"
	"github.com/marianogappa/candle-backfill/backfill/store"
)

// genAdapter serves any window it is asked for by synthesizing bars ending at the request
// anchor, like a provider with unlimited history.
type genAdapter struct {
	name    string
	caps    common.Capabilities
	calls   int
	scripts []common.FetchResult
	symbols map[string]bool
}

func (a *genAdapter) Fetch(ctx context.Context, req common.FetchRequest) common.FetchResult {
	a.calls++
	if len(a.scripts) > 0 {
		res := a.scripts[0]
		if len(a.scripts) > 1 {
			a.scripts = a.scripts[1:]
		}
		res.Source = a.name
		return res
	}

	limit := req.Limit
	if limit <= 0 || limit > a.caps.MaxCandlesPerCall {
		limit = a.caps.MaxCandlesPerCall
	}
	secs := req.Timeframe.Seconds()
	end := common.AlignTimestamp(req.ToTimestamp, req.Timeframe)
	candles := make([]common.Candle, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		ts := end - int64(i)*secs
		candles = append(candles, common.Candle{
			Symbol: req.Symbol, Timeframe: req.Timeframe, Timestamp: ts,
			Open: 100, High: 110, Low: 90, Close: 105, Volume: 1000,
		})
	}
	return common.FetchResult{Candles: candles, Source: a.name, Outcome: common.OutcomeOK}
}

func (a *genAdapter) Capabilities() common.Capabilities { return a.caps }
func (a *genAdapter) SymbolMap(symbol string) (string, bool) {
	if a.symbols == nil {
		return symbol, true
	}
	return symbol, a.symbols[symbol]
}
func (a *genAdapter) Priority(tf common.Timeframe) int { return 0 }
func (a *genAdapter) Name() string                     { return a.name }
func (a *genAdapter) SetDebug(debug bool)              {}

func newGenAdapter(name string) *genAdapter {
	return &genAdapter{
		name: name,
		caps: common.Capabilities{SupportedTimeframes: common.Timeframes, MaxCandlesPerCall: 2000, SupportsToTimestamp: true},
	}
}

// clock is aligned to the hour so planner anchors are stable across assertions.
var clock = time.Unix(1650002400, 0).UTC()

func testConfig(symbols []string) Config {
	return Config{
		Symbols:           symbols,
		Timeframes:        []TimeframeTarget{{Name: "1h", TargetDays: 1}},
		FetchPolicy:       fetcher.Policy{MaxRetries: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond, InterCallDelay: time.Nanosecond},
		DisabledProviders: []string{common.CRYPTOCOMPARE},
	}
}

func newTestEngine(t *testing.T, config Config, st store.Store, adapters ...common.Adapter) *Engine {
	e, err := NewEngine(config, st,
		WithAdapters(adapters...),
		WithTimeNowFunc(func() time.Time { return clock }),
		WithFetcher(fetcher.New(fetcher.WithSleepFunc(func(ctx context.Context, d time.Duration) error { return nil }))),
	)
	require.Nil(t, err)
	return e
}

func TestRunCycleBackfillsColdPair(t *testing.T) {
	adapter := newGenAdapter("ALPHA")
	st := store.NewMemoryStore()
	e := newTestEngine(t, testConfig([]string{"BTC"}), st, adapter)

	report, err := e.RunCycle(context.Background())
	require.Nil(t, err)
	require.Equal(t, 1, report.APICalls)
	// One day of hourly bars plus the anchor bar.
	require.Equal(t, 25, report.Inserted)
	require.Equal(t, 0, report.ErrorCount)
	require.True(t, report.IsComplete)

	coverage, err := st.Coverage(context.Background(), "BTC", common.Timeframe1h)
	require.Nil(t, err)
	require.NotNil(t, coverage)
	require.Equal(t, clock.Unix()-86400, coverage.OldestTimestamp)
	require.Equal(t, clock.Unix(), coverage.NewestTimestamp)
}

func TestRunCycleCompletePairMakesNoCalls(t *testing.T) {
	adapter := newGenAdapter("ALPHA")
	st := store.NewMemoryStore()
	e := newTestEngine(t, testConfig([]string{"BTC"}), st, adapter)

	_, err := e.RunCycle(context.Background())
	require.Nil(t, err)
	callsAfterFirst := adapter.calls

	report, err := e.RunCycle(context.Background())
	require.Nil(t, err)
	require.Equal(t, callsAfterFirst, adapter.calls)
	require.Equal(t, 0, report.APICalls)
	require.True(t, report.IsComplete)
	require.Len(t, report.Pairs, 1)
	require.True(t, report.Pairs[0].Complete)
}

func TestRunCycleResumesFromCoverage(t *testing.T) {
	// A small per-call cap forces multiple cycles to reach the horizon.
	adapter := newGenAdapter("ALPHA")
	adapter.caps.MaxCandlesPerCall = 10
	st := store.NewMemoryStore()
	e := newTestEngine(t, testConfig([]string{"BTC"}), st, adapter)

	report, err := e.RunCycle(context.Background())
	require.Nil(t, err)
	require.Equal(t, 10, report.Inserted)
	require.False(t, report.IsComplete)

	report, err = e.RunCycle(context.Background())
	require.Nil(t, err)
	require.Equal(t, 10, report.Inserted)

	report, err = e.RunCycle(context.Background())
	require.Nil(t, err)
	require.Equal(t, 5, report.Inserted)
	require.True(t, report.IsComplete)

	coverage, err := st.Coverage(context.Background(), "BTC", common.Timeframe1h)
	require.Nil(t, err)
	require.Equal(t, int64(25), coverage.CandleCount)
	require.Equal(t, clock.Unix()-86400, coverage.OldestTimestamp)
}

func TestRunCycleUnservablePairIsAnErrorNotAnAbort(t *testing.T) {
	adapter := newGenAdapter("ALPHA")
	adapter.symbols = map[string]bool{"BTC": true}
	st := store.NewMemoryStore()
	e := newTestEngine(t, testConfig([]string{"XYZ", "BTC"}), st, adapter)

	report, err := e.RunCycle(context.Background())
	require.Nil(t, err)
	require.Equal(t, 1, report.ErrorCount)
	require.Len(t, report.Pairs, 2)
	require.Contains(t, report.Pairs[0].Errors[0], "XYZ-1h: no adapter")
	// The serviceable pair still progressed.
	require.Equal(t, 25, report.Pairs[1].Inserted)
	require.False(t, report.IsComplete)
}

func TestRunCycleCallCapStopsCleanly(t *testing.T) {
	adapter := newGenAdapter("ALPHA")
	st := store.NewMemoryStore()
	config := testConfig([]string{"BTC", "ETH"})
	config.MaxCallsPerCycle = 1
	e := newTestEngine(t, config, st, adapter)

	report, err := e.RunCycle(context.Background())
	require.Nil(t, err)
	require.Equal(t, 1, report.APICalls)
	require.Len(t, report.Pairs, 1)

	// The next cycle picks up the remaining pair; the finished one reports complete.
	report, err = e.RunCycle(context.Background())
	require.Nil(t, err)
	require.Equal(t, 1, report.APICalls)
	require.Len(t, report.Pairs, 2)
	require.True(t, report.Pairs[0].Complete)
	require.Equal(t, "ETH", report.Pairs[1].Symbol)
	require.Equal(t, 25, report.Pairs[1].Inserted)
}

func TestRunCycleBudgetStopsCleanly(t *testing.T) {
	adapter := newGenAdapter("ALPHA")
	st := store.NewMemoryStore()
	config := testConfig([]string{"BTC", "ETH"})
	config.CycleBudget = time.Second

	// Each clock read advances 400ms, so the budget expires between the first and second pair.
	step := 400 * time.Millisecond
	elapsed := -step
	e, err := NewEngine(config, st,
		WithAdapters(adapter),
		WithTimeNowFunc(func() time.Time {
			elapsed += step
			return clock.Add(elapsed)
		}),
		WithFetcher(fetcher.New(fetcher.WithSleepFunc(func(ctx context.Context, d time.Duration) error { return nil }))),
	)
	require.Nil(t, err)

	report, err := e.RunCycle(context.Background())
	require.Nil(t, err)
	require.Len(t, report.Pairs, 1)
	require.Equal(t, "BTC", report.Pairs[0].Symbol)
	require.Equal(t, 25, report.Pairs[0].Inserted)
	require.Equal(t, 1, report.APICalls)
	require.Equal(t, 0, report.ErrorCount)
	require.False(t, report.IsComplete)

	// The skipped pair is untouched, so the next cycle resumes it from coverage.
	coverage, err := st.Coverage(context.Background(), "ETH", common.Timeframe1h)
	require.Nil(t, err)
	require.Nil(t, coverage)
}

func TestRunCycleProviderFailureIsRecordedPerPair(t *testing.T) {
	adapter := newGenAdapter("ALPHA")
	adapter.scripts = []common.FetchResult{
		{Outcome: common.OutcomeRateLimited, Err: common.ErrRateLimit},
	}
	st := store.NewMemoryStore()
	e := newTestEngine(t, testConfig([]string{"BTC"}), st, adapter)

	report, err := e.RunCycle(context.Background())
	require.Nil(t, err)
	require.Equal(t, 1, report.ErrorCount)
	require.Equal(t, 0, report.Inserted)
	require.Contains(t, report.Pairs[0].Errors[0], "rate_limited")

	// The last cycle's pair errors surface on the read side too.
	progress, _, err := e.Progress(context.Background())
	require.Nil(t, err)
	require.Len(t, progress.RecentErrors, 1)
	require.Contains(t, progress.RecentErrors[0], "rate_limited")
}

func TestRunCycleEmptyResponseMarksExhausted(t *testing.T) {
	adapter := newGenAdapter("ALPHA")
	st := store.NewMemoryStore()
	e := newTestEngine(t, testConfig([]string{"BTC"}), st, adapter)

	// Build partial coverage first, then make the provider run dry.
	adapter.caps.MaxCandlesPerCall = 10
	_, err := e.RunCycle(context.Background())
	require.Nil(t, err)

	adapter.scripts = []common.FetchResult{{Outcome: common.OutcomeEmpty, Err: common.ErrOutOfCandles}}
	report, err := e.RunCycle(context.Background())
	require.Nil(t, err)
	require.True(t, report.Pairs[0].Exhausted)
	require.Equal(t, 0, report.ErrorCount)
}

func TestRunCycleOverlappingCandlesAreFiltered(t *testing.T) {
	adapter := newGenAdapter("ALPHA")
	adapter.caps.MaxCandlesPerCall = 10
	st := store.NewMemoryStore()
	e := newTestEngine(t, testConfig([]string{"BTC"}), st, adapter)

	_, err := e.RunCycle(context.Background())
	require.Nil(t, err)
	coverage, err := st.Coverage(context.Background(), "BTC", common.Timeframe1h)
	require.Nil(t, err)

	// Script a response that overlaps existing coverage plus two genuinely older bars.
	overlap := []common.Candle{}
	for _, ts := range []int64{coverage.OldestTimestamp - 7200, coverage.OldestTimestamp - 3600, coverage.OldestTimestamp, coverage.OldestTimestamp + 3600} {
		overlap = append(overlap, common.Candle{
			Symbol: "BTC", Timeframe: common.Timeframe1h, Timestamp: ts,
			Open: 100, High: 110, Low: 90, Close: 105, Volume: 1000,
		})
	}
	adapter.scripts = []common.FetchResult{{Candles: overlap, Outcome: common.OutcomeOK}}

	report, err := e.RunCycle(context.Background())
	require.Nil(t, err)
	require.Equal(t, 2, report.Inserted)
	require.Equal(t, 0, report.Skipped)
}

func TestProgressReportsCompleteness(t *testing.T) {
	adapter := newGenAdapter("ALPHA")
	st := store.NewMemoryStore()
	e := newTestEngine(t, testConfig([]string{"BTC"}), st, adapter)

	_, complete, err := e.Progress(context.Background())
	require.Nil(t, err)
	require.False(t, complete)

	_, err = e.RunCycle(context.Background())
	require.Nil(t, err)

	progress, complete, err := e.Progress(context.Background())
	require.Nil(t, err)
	require.True(t, complete)
	require.Equal(t, int64(25), progress.TotalCandles)
	require.Len(t, progress.PerPair, 1)
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	_, err := NewEngine(Config{}, store.NewMemoryStore())
	require.NotNil(t, err)
}
