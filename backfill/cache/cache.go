// Package cache implements an in-memory LRU read-side layer between the candle store and
// downstream consumers.
//
// It solves this problem: if many consumers need the same pair's history right now, (1) it would
// take one store roundtrip per consumer to serve the same candles over and over, and (2) a
// Postgres-backed store would pay that query cost on its hot path.
//
// The package exposes a CachedStore that decorates any store.Store, and the underlying
// MemoryCache for callers that want to manage population themselves.
//
// Internally, it is composed of a cache per timeframe. Each cache entry spans the magic number
// of 500 subsequent candles.
package cache

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/marianogappa/candle-backfill/backfill/common"
	"github.com/marianogappa/candle-backfill/backfill/store"
)

var (
	// ErrCacheNotConfiguredForTimeframe is returned when an operation involves a timeframe not
	// configured in the cache constructor.
	ErrCacheNotConfiguredForTimeframe = errors.New("cache not configured for timeframe")

	// ErrTimestampMustBeMultipleOfTimeframe is returned when a Put operation supplies candles
	// whose timestamps are not aligned to the timeframe.
	ErrTimestampMustBeMultipleOfTimeframe = errors.New("timestamp must be multiple of timeframe")

	// ErrReceivedNonSubsequentCandle is returned when a Put operation supplies candles with gaps
	// within the supplied slice.
	ErrReceivedNonSubsequentCandle = errors.New("received non-subsequent candle")

	// ErrReceivedCandleWithZeroValue is returned when a Put operation supplies candles with any
	// of the 4 price values being the number 0.
	ErrReceivedCandleWithZeroValue = errors.New("received candle with zero value on either of OHLC components")

	// ErrCacheMiss is returned by a Get operation to signify that there are no available cache
	// entries for the requested pair and start timestamp. Clients must handle this error, as
	// it's completely normal to have cache misses.
	ErrCacheMiss = errors.New("cache miss")
)

// MemoryCache implements the in-memory LRU cache layer that this package exposes.
type MemoryCache struct {
	caches map[common.Timeframe]*lru.Cache

	CacheMisses   int
	CacheRequests int
}

// NewMemoryCache instantiates the in-memory LRU cache layer that this package exposes.
//
// The cacheSizes parameter configures which timeframes are supported, and how many cache entries
// are available per timeframe. Each cache entry spans 500 subsequent candles.
func NewMemoryCache(cacheSizes map[common.Timeframe]int) *MemoryCache {
	caches := map[common.Timeframe]*lru.Cache{}
	for timeframe, size := range cacheSizes {
		if size <= 0 {
			size = 1
		}
		cache, _ := lru.New(size)
		caches[timeframe] = cache
	}
	return &MemoryCache{caches: caches}
}

// Put pushes a slice of subsequent candles for the given (symbol, timeframe) into the cache. May
// evict older entries.
//
// * Fails with ErrReceivedCandleWithZeroValue if a candle with zero OHLC values is supplied.
//
// * Fails with ErrReceivedNonSubsequentCandle if supplied candles are not sorted ascendingly, or
//   are not exactly one timeframe apart.
//
// * Fails with ErrTimestampMustBeMultipleOfTimeframe if candle timestamps are not aligned.
//
// * Fails with ErrCacheNotConfiguredForTimeframe if the cache was not configured for the
//   supplied timeframe.
func (c *MemoryCache) Put(symbol string, tf common.Timeframe, candles []common.Candle) error {
	if _, ok := c.caches[tf]; !ok {
		return ErrCacheNotConfiguredForTimeframe
	}
	if len(candles) == 0 {
		return nil
	}
	return c.put(symbol, tf, candles)
}

// Get retrieves candles for the given (symbol, timeframe) starting at the supplied timestamp,
// which is normalized up to the next timeframe boundary.
//
// It will retrieve all subsequent candles starting _exactly_ at the normalized timestamp, and up
// to the end of the cache entry. This means that it's possible that the cache still has
// subsequent candles in a subsequent entry. If there's no entry for exactly that timestamp, it
// fails with ErrCacheMiss. It stops at the first gap, rather than return gaps.
func (c *MemoryCache) Get(symbol string, tf common.Timeframe, startTs int64) ([]common.Candle, error) {
	if _, ok := c.caches[tf]; !ok {
		return nil, ErrCacheNotConfiguredForTimeframe
	}
	c.CacheRequests++

	if startTs%tf.Seconds() != 0 {
		startTs = common.AlignTimestamp(startTs, tf) + tf.Seconds()
	}
	return c.get(symbol, tf, startTs)
}

// Invalidate drops the cache entries overlapping [startTs, endTs] for the pair. Used by the
// decorated store on writes, so readers never observe stale collations.
func (c *MemoryCache) Invalidate(symbol string, tf common.Timeframe, startTs, endTs int64) {
	cache, ok := c.caches[tf]
	if !ok {
		return
	}
	span := bucketSpan(tf)
	for ts := startTs - startTs%span; ts <= endTs; ts += span {
		cache.Remove(bucketKey(symbol, tf, ts))
	}
}

// CachedStore decorates a store.Store with a read-side MemoryCache over GetCandles. Writes pass
// through and invalidate the affected entries.
type CachedStore struct {
	store.Store
	cache *MemoryCache
}

// NewCachedStore decorates the given store. cacheSizes follows NewMemoryCache semantics; any
// timeframe absent from it is served straight from the underlying store.
func NewCachedStore(inner store.Store, cacheSizes map[common.Timeframe]int) *CachedStore {
	return &CachedStore{Store: inner, cache: NewMemoryCache(cacheSizes)}
}

// Merge delegates to the underlying store and invalidates the affected cache entries.
func (s *CachedStore) Merge(ctx context.Context, symbol string, tf common.Timeframe, source string, candles []common.Candle) (store.MergeStats, error) {
	stats, err := s.Store.Merge(ctx, symbol, tf, source, candles)
	if err != nil || len(candles) == 0 {
		return stats, err
	}
	minTs, maxTs := candles[0].Timestamp, candles[0].Timestamp
	for _, candle := range candles[1:] {
		if candle.Timestamp < minTs {
			minTs = candle.Timestamp
		}
		if candle.Timestamp > maxTs {
			maxTs = candle.Timestamp
		}
	}
	s.cache.Invalidate(symbol, tf, minTs, maxTs)
	return stats, nil
}

// GetCandles serves from cache when the requested range starts at a cached run, falling back to
// the underlying store and populating the cache on the way out.
func (s *CachedStore) GetCandles(ctx context.Context, symbol string, tf common.Timeframe, start, end int64) ([]common.Candle, error) {
	if _, ok := s.cache.caches[tf]; ok {
		if candles, err := s.cache.Get(symbol, tf, start); err == nil {
			if covered(candles, end) {
				return within(candles, start, end), nil
			}
		}
	}

	candles, err := s.Store.GetCandles(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, err
	}
	// Cache population is best-effort: gappy ranges simply stay uncached.
	for _, run := range subsequentRuns(tf, candles) {
		_ = s.cache.Put(symbol, tf, run)
	}
	return candles, nil
}

// covered returns whether a cached ascending run reaches the requested inclusive end.
func covered(candles []common.Candle, end int64) bool {
	return len(candles) > 0 && candles[len(candles)-1].Timestamp >= end
}

func within(candles []common.Candle, start, end int64) []common.Candle {
	result := make([]common.Candle, 0, len(candles))
	for _, candle := range candles {
		if candle.Timestamp >= start && candle.Timestamp <= end {
			result = append(result, candle)
		}
	}
	return result
}

// subsequentRuns splits an ascending candle slice into gapless runs, because Put rejects gaps.
func subsequentRuns(tf common.Timeframe, candles []common.Candle) [][]common.Candle {
	runs := [][]common.Candle{}
	var run []common.Candle
	for i, candle := range candles {
		if i > 0 && candle.Timestamp-candles[i-1].Timestamp != tf.Seconds() {
			runs = append(runs, run)
			run = nil
		}
		run = append(run, candle)
	}
	if len(run) > 0 {
		runs = append(runs, run)
	}
	return runs
}

var _ store.Store = (*CachedStore)(nil)

// bucketSpan is the wall-clock width of one 500-candle cache entry.
func bucketSpan(tf common.Timeframe) int64 { return tf.Seconds() * bucketSize }

func bucketStart(tf common.Timeframe, ts int64) time.Time {
	return time.Unix(ts-ts%bucketSpan(tf), 0).UTC()
}
