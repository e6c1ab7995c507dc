// Package store persists canonical candles idempotently, merging multi-provider observations
// and tracking per-pair coverage metadata. Two backends are provided: an in-memory store for
// tests and ephemeral runs, and a PostgreSQL store for durable multi-year history.
package store

import (
	"context"
	"errors"

	"github.com/marianogappa/candle-backfill/backfill/common"
)

var (
	// ErrSymbolMismatch means: a candle in the batch belongs to a different (symbol, timeframe)
	ErrSymbolMismatch = errors.New("candle does not belong to the merged pair")
)

// MergeStats reports one Merge call: how many rows were newly inserted, how many candles hit an
// existing row (updated in place, counted as skipped), and which candles were rejected for
// violating invariants.
type MergeStats struct {
	Inserted int
	Skipped  int
	Rejected []RejectedCandle
}

// RejectedCandle pairs a dropped candle with the reason it was dropped.
type RejectedCandle struct {
	Candle common.Candle
	Reason string
}

// Store is the collated candle store. Same-pair merges serialize; distinct pairs may merge
// concurrently. Reads never block on in-flight merges beyond a short lock.
type Store interface {
	// Merge ingests candles for one (symbol, timeframe) pair from one provider, idempotently.
	// Re-merging the same candles is a no-op on stored state (modulo coverage last_updated).
	Merge(ctx context.Context, symbol string, tf common.Timeframe, source string, candles []common.Candle) (MergeStats, error)

	// Coverage returns the pair's coverage record, or nil when the pair has no candles.
	Coverage(ctx context.Context, symbol string, tf common.Timeframe) (*common.CoverageRecord, error)

	// GetCandles returns the pair's candles with start ≤ timestamp ≤ end, oldest first.
	GetCandles(ctx context.Context, symbol string, tf common.Timeframe, start, end int64) ([]common.Candle, error)

	// Progress returns per-pair coverage and the total candle count.
	Progress(ctx context.Context) (common.Progress, error)
}
