package cache

import (
	"fmt"
	"time"

	"github.com/marianogappa/candle-backfill/backfill/common"
)

const bucketSize = 500

func bucketKey(symbol string, tf common.Timeframe, ts int64) string {
	return fmt.Sprintf("%v-%v-%v", symbol, tf, bucketStart(tf, ts).Format(time.RFC3339))
}

func (c *MemoryCache) put(symbol string, tf common.Timeframe, candles []common.Candle) error {
	var lastTimestamp int64
	for _, candle := range candles {
		if lastTimestamp != 0 && candle.Timestamp-lastTimestamp != tf.Seconds() {
			lastDateTime := time.Unix(lastTimestamp, 0).UTC().Format(time.Kitchen)
			thisDateTime := time.Unix(candle.Timestamp, 0).UTC().Format(time.Kitchen)
			return fmt.Errorf("%w: last date was %v and this was %v", ErrReceivedNonSubsequentCandle, lastDateTime, thisDateTime)
		}
		if candle.Timestamp%tf.Seconds() != 0 {
			return ErrTimestampMustBeMultipleOfTimeframe
		}
		if candle.Open == 0 || candle.High == 0 || candle.Low == 0 || candle.Close == 0 {
			return ErrReceivedCandleWithZeroValue
		}

		var (
			key   = bucketKey(symbol, tf, candle.Timestamp)
			index = (candle.Timestamp % bucketSpan(tf)) / tf.Seconds()
		)
		elem, ok := c.caches[tf].Get(key)
		if !ok {
			elem = [bucketSize]common.Candle{}
		}
		typedElem := elem.([bucketSize]common.Candle)
		typedElem[index] = candle
		c.caches[tf].Add(key, typedElem)

		lastTimestamp = candle.Timestamp
	}

	return nil
}

func (c *MemoryCache) get(symbol string, tf common.Timeframe, startTs int64) ([]common.Candle, error) {
	var (
		key     = bucketKey(symbol, tf, startTs)
		index   = (startTs % bucketSpan(tf)) / tf.Seconds()
		candles = []common.Candle{}
	)

	elem, ok := c.caches[tf].Get(key)
	if !ok {
		c.CacheMisses++
		return []common.Candle{}, ErrCacheMiss
	}
	typedElem := elem.([bucketSize]common.Candle)
	for i := index; i < bucketSize; i++ {
		if typedElem[i].Timestamp == 0 {
			break
		}
		candles = append(candles, typedElem[i])
	}

	if len(candles) == 0 {
		c.CacheMisses++
		return candles, ErrCacheMiss
	}
	return candles, nil
}
