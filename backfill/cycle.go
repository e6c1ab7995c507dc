package backfill

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/marianogappa/candle-backfill/backfill/common"
	"github.com/marianogappa/candle-backfill/backfill/planner"
)

// RunCycle drives one bounded work cycle and returns its report.
//
// Failure semantics: provider failures and store invariant violations are recorded per pair and
// never abort the cycle; only unrecoverable storage failures (and context cancellation) return
// an error. The cycle stops cleanly when the soft wall-clock budget or the provider call cap is
// reached; the next cycle resumes from the store's coverage.
func (e *Engine) RunCycle(ctx context.Context) (common.CycleReport, error) {
	start := e.timeNowFunc()
	report := common.CycleReport{}

	budgetExceeded := func() bool {
		return e.config.CycleBudget > 0 && e.timeNowFunc().Sub(start) >= e.config.CycleBudget
	}

	// The budget also bounds in-flight backoff sleeps, so a retry chain cannot overshoot it.
	fetchCtx := ctx
	if e.config.CycleBudget > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, e.config.CycleBudget)
		defer cancel()
	}
	callCapReached := func() bool {
		return e.config.MaxCallsPerCycle > 0 && report.APICalls >= e.config.MaxCallsPerCycle
	}

loop:
	for _, symbol := range e.config.Symbols {
		for _, target := range e.config.Timeframes {
			if ctx.Err() != nil {
				break loop
			}
			if budgetExceeded() {
				log.Info().Dur("elapsed", e.timeNowFunc().Sub(start)).Msg("Cycle budget exhausted, stopping cleanly")
				break loop
			}
			if callCapReached() {
				log.Info().Int("api_calls", report.APICalls).Msg("Cycle call cap reached, stopping cleanly")
				break loop
			}

			tf := common.Timeframe(target.Name)
			pair, err := e.processPair(ctx, fetchCtx, symbol, tf, target.TargetDays)
			if err != nil {
				return report, err
			}
			report.Pairs = append(report.Pairs, pair.PairReport)
			report.Inserted += pair.Inserted
			report.Skipped += pair.Skipped
			report.APICalls += pair.APICalls
			report.ErrorCount += len(pair.Errors)
			report.RateLimitEvents += pair.rateLimitEvents

			logPair(pair)
		}
	}

	complete, err := e.isComplete(ctx)
	if err != nil {
		return report, err
	}
	report.IsComplete = complete
	report.Duration = e.timeNowFunc().Sub(start)
	e.lastReport = &report
	e.metrics.ObserveCycle(report.Duration)

	log.Info().
		Int("inserted", report.Inserted).
		Int("skipped", report.Skipped).
		Int("api_calls", report.APICalls).
		Int("errors", report.ErrorCount).
		Bool("is_complete", report.IsComplete).
		Dur("duration", report.Duration).
		Msg("Backfill cycle finished")
	return report, nil
}

// pairOutcome augments the exported PairReport with cycle-internal counters.
type pairOutcome struct {
	common.PairReport
	rateLimitEvents int
}

func (e *Engine) processPair(ctx, fetchCtx context.Context, symbol string, tf common.Timeframe, targetDays int) (pairOutcome, error) {
	pair := pairOutcome{PairReport: common.PairReport{Symbol: symbol, Timeframe: tf}}

	coverage, err := e.store.Coverage(ctx, symbol, tf)
	if err != nil {
		return pair, fmt.Errorf("coverage lookup for %v-%v: %w", symbol, tf, err)
	}

	plan, err := planner.NextWindow(e.adapters, coverage, symbol, tf, targetDays, e.timeNowFunc())
	if err != nil {
		pair.Errors = append(pair.Errors, fmt.Sprintf("%v-%v: no adapter", symbol, tf))
		return pair, nil
	}
	if plan == nil {
		pair.Complete = true
		return pair, nil
	}

	result := e.fetcher.Invoke(fetchCtx, plan.Adapter, plan.Request, e.config.FetchPolicy)
	pair.APICalls++
	pair.rateLimitEvents = result.RateLimitEvents

	switch result.Outcome {
	case common.OutcomeRateLimited, common.OutcomeTerminalError:
		if errors.Is(result.Err, context.DeadlineExceeded) || errors.Is(result.Err, context.Canceled) {
			// Budget expiry mid-fetch is a clean stop, not a provider failure.
			return pair, nil
		}
		pair.Errors = append(pair.Errors, fmt.Sprintf("%v-%v: %v: %v", symbol, tf, result.Outcome, result.Err))
		return pair, nil
	case common.OutcomeEmpty:
		if coverage != nil {
			pair.Exhausted = true
			log.Info().Str("provider", result.Source).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("Source possibly exhausted at this horizon")
		}
		return pair, nil
	}

	candles := result.Candles
	if coverage != nil {
		// Dedup safety: only candles strictly older than current coverage extend it.
		filtered := candles[:0]
		for _, candle := range candles {
			if candle.Timestamp < coverage.OldestTimestamp {
				filtered = append(filtered, candle)
			}
		}
		candles = filtered
	}
	if len(candles) == 0 {
		if coverage != nil {
			pair.Exhausted = true
		}
		return pair, nil
	}

	stats, err := e.store.Merge(ctx, symbol, tf, result.Source, candles)
	if err != nil {
		return pair, fmt.Errorf("merge for %v-%v: %w", symbol, tf, err)
	}
	pair.Inserted += stats.Inserted
	pair.Skipped += stats.Skipped
	for _, rejected := range stats.Rejected {
		pair.Errors = append(pair.Errors, fmt.Sprintf("%v-%v: rejected candle at %v: %v", symbol, tf, rejected.Candle.Timestamp, rejected.Reason))
	}
	e.metrics.ObserveInserted(symbol, string(tf), stats.Inserted)

	return pair, nil
}

// isComplete re-evaluates global completeness: every configured pair's coverage reaches its
// target horizon. This is computed from coverage, never assumed.
func (e *Engine) isComplete(ctx context.Context) (bool, error) {
	now := e.timeNowFunc().UTC().Unix()
	for _, symbol := range e.config.Symbols {
		for _, target := range e.config.Timeframes {
			tf := common.Timeframe(target.Name)
			coverage, err := e.store.Coverage(ctx, symbol, tf)
			if err != nil {
				return false, fmt.Errorf("coverage lookup for %v-%v: %w", symbol, tf, err)
			}
			if coverage == nil || coverage.CandleCount == 0 {
				return false, nil
			}
			targetOldest := common.AlignTimestamp(now, tf) - int64(target.TargetDays)*86400
			if coverage.OldestTimestamp > targetOldest {
				return false, nil
			}
		}
	}
	return true, nil
}

func logPair(pair pairOutcome) {
	event := log.Info()
	if len(pair.Errors) > 0 {
		event = log.Warn()
	}
	event.
		Str("symbol", pair.Symbol).
		Str("timeframe", string(pair.Timeframe)).
		Int("inserted", pair.Inserted).
		Int("skipped", pair.Skipped).
		Int("api_calls", pair.APICalls).
		Bool("complete", pair.Complete).
		Bool("exhausted", pair.Exhausted).
		Strs("errors", pair.Errors).
		Msg("Pair processed")
}
