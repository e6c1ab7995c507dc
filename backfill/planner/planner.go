// Package planner decides, for a (symbol, timeframe, target horizon), the next window to fetch
// and which provider adapter should serve it.
package planner

import (
	"fmt"
	"sort"
	"time"

	"github.com/marianogappa/candle-backfill/backfill/common"
)

// PlannedFetch pairs the chosen adapter with the request it should serve.
type PlannedFetch struct {
	Adapter common.Adapter
	Request common.FetchRequest
}

// NextWindow plans the next backfill window for a pair, or returns nil when coverage already
// reaches the target horizon. Backfill proceeds newest-to-oldest: an empty pair anchors at the
// latest closed bar; a covered pair anchors just before its oldest candle, so coverage only
// ever extends backwards.
//
// Adapter choice is deterministic: candidates that support the timeframe and resolve the
// symbol, ordered by Priority(timeframe) with ties broken by name. When the anchor lies in the
// past, candidates must also support upper-bound paging; if none does, a newest-first candidate
// is used with the limit raised enough to reach past the current oldest candle.
//
// Fails with common.ErrNoAdapter when no adapter serves the pair at all.
func NextWindow(adapters []common.Adapter, coverage *common.CoverageRecord, symbol string, tf common.Timeframe, targetDays int, now time.Time) (*PlannedFetch, error) {
	if !tf.IsValid() {
		return nil, fmt.Errorf("%w: %v", common.ErrUnsupportedTimeframe, tf)
	}

	nowTs := common.AlignTimestamp(now.UTC().Unix(), tf)
	targetOldest := nowTs - int64(targetDays)*86400

	candidates := eligible(adapters, symbol, tf)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %v-%v", common.ErrNoAdapter, symbol, tf)
	}

	// Cold pair: anchor at now.
	if coverage == nil || coverage.CandleCount == 0 {
		needed := (nowTs-targetOldest)/tf.Seconds() + 1
		adapter := candidates[0]
		return &PlannedFetch{
			Adapter: adapter,
			Request: common.FetchRequest{
				Symbol:      symbol,
				Timeframe:   tf,
				Limit:       clampLimit(needed, adapter.Capabilities().MaxCandlesPerCall),
				ToTimestamp: nowTs,
			},
		}, nil
	}

	// Pair already reaches the horizon; never regress.
	if coverage.OldestTimestamp <= targetOldest {
		return nil, nil
	}

	needed := (coverage.OldestTimestamp - targetOldest) / tf.Seconds()
	for _, adapter := range candidates {
		if !adapter.Capabilities().SupportsToTimestamp {
			continue
		}
		return &PlannedFetch{
			Adapter: adapter,
			Request: common.FetchRequest{
				Symbol:      symbol,
				Timeframe:   tf,
				Limit:       clampLimit(needed, adapter.Capabilities().MaxCandlesPerCall),
				ToTimestamp: coverage.OldestTimestamp - 1,
			},
		}, nil
	}

	// No pageable adapter: fall back to a newest-first window wide enough that its oldest bar
	// lands before the current coverage.
	for _, adapter := range candidates {
		max := adapter.Capabilities().MaxCandlesPerCall
		barsBack := (nowTs-coverage.OldestTimestamp)/tf.Seconds() + 2
		if barsBack > int64(max) {
			continue
		}
		limit := clampLimit(needed+barsBack, max)
		return &PlannedFetch{
			Adapter: adapter,
			Request: common.FetchRequest{
				Symbol:      symbol,
				Timeframe:   tf,
				Limit:       limit,
				ToTimestamp: nowTs,
			},
		}, nil
	}

	return nil, fmt.Errorf("%w: %v-%v (no adapter can reach past current coverage)", common.ErrNoAdapter, symbol, tf)
}

// eligible filters and orders the adapters that can serve the pair: supported timeframe and
// resolvable symbol, by ascending Priority(timeframe) then lexicographic name.
func eligible(adapters []common.Adapter, symbol string, tf common.Timeframe) []common.Adapter {
	candidates := make([]common.Adapter, 0, len(adapters))
	for _, adapter := range adapters {
		if !adapter.Capabilities().Supports(tf) {
			continue
		}
		if _, ok := adapter.SymbolMap(symbol); !ok {
			continue
		}
		candidates = append(candidates, adapter)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i].Priority(tf), candidates[j].Priority(tf)
		if pi != pj {
			return pi < pj
		}
		return candidates[i].Name() < candidates[j].Name()
	})
	return candidates
}

func clampLimit(needed int64, max int) int {
	if needed <= 0 {
		return 0
	}
	if needed > int64(max) {
		return max
	}
	return int(needed)
}
