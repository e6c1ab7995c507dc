package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/marianogappa/candle-backfill/backfill/common"
)

type pairKey struct {
	symbol    string
	timeframe common.Timeframe
}

type memoryRow struct {
	observations map[string]Observation
	nextSeq      int
	candle       common.Candle
}

// MemoryStore is the in-memory Store backend. It implements the same merge semantics as the
// PostgreSQL backend and is what tests and ephemeral (DSN-less) runs use.
type MemoryStore struct {
	mu          sync.RWMutex
	rows        map[pairKey]map[int64]*memoryRow
	coverage    map[pairKey]*common.CoverageRecord
	timeNowFunc func() time.Time
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore(options ...func(*MemoryStore)) *MemoryStore {
	s := &MemoryStore{
		rows:        map[pairKey]map[int64]*memoryRow{},
		coverage:    map[pairKey]*common.CoverageRecord{},
		timeNowFunc: time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// WithTimeNowFunc overrides the clock used for coverage last_updated. Used by tests.
func WithTimeNowFunc(fn func() time.Time) func(*MemoryStore) {
	return func(s *MemoryStore) { s.timeNowFunc = fn }
}

// Merge ingests candles for one pair from one provider. See Store.
func (s *MemoryStore) Merge(ctx context.Context, symbol string, tf common.Timeframe, source string, candles []common.Candle) (MergeStats, error) {
	stats := MergeStats{}
	if len(candles) == 0 {
		return stats, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{symbol, tf}
	pairRows := s.rows[key]
	if pairRows == nil {
		pairRows = map[int64]*memoryRow{}
		s.rows[key] = pairRows
	}

	for _, candle := range candles {
		if candle.Symbol != symbol || candle.Timeframe != tf {
			stats.Rejected = append(stats.Rejected, RejectedCandle{Candle: candle, Reason: ErrSymbolMismatch.Error()})
			continue
		}
		if err := candle.Validate(); err != nil {
			stats.Rejected = append(stats.Rejected, RejectedCandle{Candle: candle, Reason: err.Error()})
			continue
		}

		row, exists := pairRows[candle.Timestamp]
		if !exists {
			row = &memoryRow{observations: map[string]Observation{}}
			pairRows[candle.Timestamp] = row
			stats.Inserted++
		} else {
			stats.Skipped++
		}

		// Re-merging the same source replaces its observation, keeping merges idempotent.
		seq := row.nextSeq
		if prev, ok := row.observations[source]; ok {
			seq = prev.Seq
		} else {
			row.nextSeq++
		}
		row.observations[source] = observationOf(candle, seq)
		row.candle = Collate(symbol, tf, candle.Timestamp, row.observations)
	}

	s.updateCoverage(key)
	return stats, nil
}

func (s *MemoryStore) updateCoverage(key pairKey) {
	pairRows := s.rows[key]
	if len(pairRows) == 0 {
		return
	}
	record := &common.CoverageRecord{
		Symbol:          key.symbol,
		Timeframe:       key.timeframe,
		OldestTimestamp: int64(1)<<62 - 1,
		CandleCount:     int64(len(pairRows)),
		LastUpdated:     s.timeNowFunc().UTC(),
	}
	for ts := range pairRows {
		if ts < record.OldestTimestamp {
			record.OldestTimestamp = ts
		}
		if ts > record.NewestTimestamp {
			record.NewestTimestamp = ts
		}
	}
	s.coverage[key] = record
}

// Coverage returns the pair's coverage record, or nil when the pair has no candles.
func (s *MemoryStore) Coverage(ctx context.Context, symbol string, tf common.Timeframe) (*common.CoverageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.coverage[pairKey{symbol, tf}]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

// GetCandles returns the pair's candles with start ≤ timestamp ≤ end, oldest first.
func (s *MemoryStore) GetCandles(ctx context.Context, symbol string, tf common.Timeframe, start, end int64) ([]common.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pairRows := s.rows[pairKey{symbol, tf}]
	candles := make([]common.Candle, 0, len(pairRows))
	for ts, row := range pairRows {
		if ts < start || ts > end {
			continue
		}
		candles = append(candles, row.candle)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
	return candles, nil
}

// Progress returns per-pair coverage and the total candle count.
func (s *MemoryStore) Progress(ctx context.Context) (common.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	progress := common.Progress{PerPair: make([]common.CoverageRecord, 0, len(s.coverage))}
	for _, record := range s.coverage {
		progress.PerPair = append(progress.PerPair, *record)
		progress.TotalCandles += record.CandleCount
		if record.LastUpdated.After(progress.LastUpdated) {
			progress.LastUpdated = record.LastUpdated
		}
	}
	sort.Slice(progress.PerPair, func(i, j int) bool {
		a, b := progress.PerPair[i], progress.PerPair[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Timeframe < b.Timeframe
	})
	return progress, nil
}
