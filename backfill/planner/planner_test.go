package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marianogappa/candle-backfill/backfill/common"
)

type fakeAdapter struct {
	name     string
	caps     common.Capabilities
	priority int
	symbols  map[string]bool
}

func (a *fakeAdapter) Fetch(ctx context.Context, req common.FetchRequest) common.FetchResult {
	return common.FetchResult{Source: a.name, Outcome: common.OutcomeEmpty}
}
func (a *fakeAdapter) Capabilities() common.Capabilities { return a.caps }
func (a *fakeAdapter) SymbolMap(symbol string) (string, bool) {
	if a.symbols == nil {
		return symbol, true
	}
	return symbol, a.symbols[symbol]
}
func (a *fakeAdapter) Priority(tf common.Timeframe) int { return a.priority }
func (a *fakeAdapter) Name() string                     { return a.name }
func (a *fakeAdapter) SetDebug(debug bool)              {}

func pageable(name string, priority, maxCall int, tfs ...common.Timeframe) *fakeAdapter {
	return &fakeAdapter{
		name:     name,
		priority: priority,
		caps:     common.Capabilities{SupportedTimeframes: tfs, MaxCandlesPerCall: maxCall, SupportsToTimestamp: true},
	}
}

func newestFirst(name string, priority, maxCall int, tfs ...common.Timeframe) *fakeAdapter {
	a := pageable(name, priority, maxCall, tfs...)
	a.caps.SupportsToTimestamp = false
	return a
}

var now = time.Date(2022, 4, 15, 6, 1, 23, 0, time.UTC)

func TestColdPairAnchorsAtAlignedNow(t *testing.T) {
	adapter := pageable("ALPHA", 0, 2000, common.Timeframe1h)

	plan, err := NextWindow([]common.Adapter{adapter}, nil, "BTC", common.Timeframe1h, 30, now)
	require.Nil(t, err)
	require.NotNil(t, plan)
	require.Equal(t, "ALPHA", plan.Adapter.Name())
	require.Equal(t, common.AlignTimestamp(now.Unix(), common.Timeframe1h), plan.Request.ToTimestamp)
	// 30 days of hourly bars plus the anchor bar itself.
	require.Equal(t, 30*24+1, plan.Request.Limit)
}

func TestColdPairClampsLimitToAdapterCap(t *testing.T) {
	adapter := pageable("ALPHA", 0, 300, common.Timeframe1h)

	plan, err := NextWindow([]common.Adapter{adapter}, nil, "BTC", common.Timeframe1h, 30, now)
	require.Nil(t, err)
	require.Equal(t, 300, plan.Request.Limit)
}

func TestCoveredPairAnchorsBeforeOldest(t *testing.T) {
	adapter := pageable("ALPHA", 0, 2000, common.Timeframe1h)
	nowTs := common.AlignTimestamp(now.Unix(), common.Timeframe1h)
	coverage := &common.CoverageRecord{
		Symbol: "BTC", Timeframe: common.Timeframe1h,
		OldestTimestamp: nowTs - 10*86400, NewestTimestamp: nowTs, CandleCount: 241,
	}

	plan, err := NextWindow([]common.Adapter{adapter}, coverage, "BTC", common.Timeframe1h, 30, now)
	require.Nil(t, err)
	require.NotNil(t, plan)
	require.Equal(t, coverage.OldestTimestamp-1, plan.Request.ToTimestamp)
	// 20 remaining days of hourly bars.
	require.Equal(t, 20*24, plan.Request.Limit)
}

func TestCompletePairPlansNothing(t *testing.T) {
	adapter := pageable("ALPHA", 0, 2000, common.Timeframe1h)
	nowTs := common.AlignTimestamp(now.Unix(), common.Timeframe1h)
	coverage := &common.CoverageRecord{
		Symbol: "BTC", Timeframe: common.Timeframe1h,
		OldestTimestamp: nowTs - 31*86400, NewestTimestamp: nowTs, CandleCount: 745,
	}

	plan, err := NextWindow([]common.Adapter{adapter}, coverage, "BTC", common.Timeframe1h, 30, now)
	require.Nil(t, err)
	require.Nil(t, plan)
}

func TestAdapterChoiceByPriorityThenName(t *testing.T) {
	beta := pageable("BETA", 1, 2000, common.Timeframe1h)
	alpha := pageable("ALPHA", 0, 2000, common.Timeframe1h)
	gamma := pageable("GAMMA", 0, 2000, common.Timeframe1h)

	plan, err := NextWindow([]common.Adapter{beta, gamma, alpha}, nil, "BTC", common.Timeframe1h, 30, now)
	require.Nil(t, err)
	require.Equal(t, "ALPHA", plan.Adapter.Name())
}

func TestAdapterMustSupportTimeframeAndSymbol(t *testing.T) {
	wrongTf := pageable("ALPHA", 0, 2000, common.Timeframe1m)
	wrongSymbol := pageable("BETA", 1, 2000, common.Timeframe1h)
	wrongSymbol.symbols = map[string]bool{"ETH": true}
	right := pageable("GAMMA", 2, 2000, common.Timeframe1h)

	plan, err := NextWindow([]common.Adapter{wrongTf, wrongSymbol, right}, nil, "BTC", common.Timeframe1h, 30, now)
	require.Nil(t, err)
	require.Equal(t, "GAMMA", plan.Adapter.Name())
}

func TestErrNoAdapterWhenNoneEligible(t *testing.T) {
	wrongTf := pageable("ALPHA", 0, 2000, common.Timeframe1m)

	_, err := NextWindow([]common.Adapter{wrongTf}, nil, "XYZ", common.Timeframe1h, 30, now)
	require.ErrorIs(t, err, common.ErrNoAdapter)
}

func TestPastAnchorSkipsNonPageableAdapters(t *testing.T) {
	gecko := newestFirst("GECKO", 0, 2160, common.Timeframe1h)
	pageableFallback := pageable("OMEGA", 5, 2000, common.Timeframe1h)
	nowTs := common.AlignTimestamp(now.Unix(), common.Timeframe1h)
	coverage := &common.CoverageRecord{OldestTimestamp: nowTs - 10*86400, NewestTimestamp: nowTs, CandleCount: 241}

	plan, err := NextWindow([]common.Adapter{gecko, pageableFallback}, coverage, "BTC", common.Timeframe1h, 30, now)
	require.Nil(t, err)
	require.Equal(t, "OMEGA", plan.Adapter.Name())
	require.Equal(t, coverage.OldestTimestamp-1, plan.Request.ToTimestamp)
}

func TestNewestFirstFallbackWidensWindowPastCoverage(t *testing.T) {
	gecko := newestFirst("GECKO", 0, 2160, common.Timeframe1h)
	nowTs := common.AlignTimestamp(now.Unix(), common.Timeframe1h)
	// Coverage spans the most recent 2 days; the fallback window must reach past its oldest bar.
	coverage := &common.CoverageRecord{OldestTimestamp: nowTs - 2*86400, NewestTimestamp: nowTs, CandleCount: 49}

	plan, err := NextWindow([]common.Adapter{gecko}, coverage, "BTC", common.Timeframe1h, 30, now)
	require.Nil(t, err)
	require.NotNil(t, plan)
	require.Equal(t, "GECKO", plan.Adapter.Name())
	require.Equal(t, nowTs, plan.Request.ToTimestamp)
	require.Greater(t, plan.Request.Limit, 2*24)
}

func TestNewestFirstFallbackSkippedWhenCapCannotReach(t *testing.T) {
	gecko := newestFirst("GECKO", 0, 100, common.Timeframe1h)
	nowTs := common.AlignTimestamp(now.Unix(), common.Timeframe1h)
	// 10 days of hourly coverage is deeper than a 100-bar window can reach.
	coverage := &common.CoverageRecord{OldestTimestamp: nowTs - 10*86400, NewestTimestamp: nowTs, CandleCount: 241}

	_, err := NextWindow([]common.Adapter{gecko}, coverage, "BTC", common.Timeframe1h, 30, now)
	require.ErrorIs(t, err, common.ErrNoAdapter)
}

func TestInvalidTimeframe(t *testing.T) {
	_, err := NextWindow(nil, nil, "BTC", common.Timeframe("2h"), 30, now)
	require.ErrorIs(t, err, common.ErrUnsupportedTimeframe)
}
