package common

import (
	"net/http"
	"time"
)

// AlignTimestamp truncates a UNIX-seconds timestamp down to the timeframe boundary.
func AlignTimestamp(ts int64, tf Timeframe) int64 {
	secs := tf.Seconds()
	if secs == 0 {
		return ts
	}
	return ts - ts%secs
}

// IsAligned returns whether a UNIX-seconds timestamp sits exactly on the timeframe boundary.
func IsAligned(ts int64, tf Timeframe) bool {
	secs := tf.Seconds()
	return secs > 0 && ts%secs == 0
}

// LatestClosedBar returns the start timestamp of the latest bar that has fully closed at "now".
// The currently-forming bar is excluded, because providers disagree on whether to return it.
func LatestClosedBar(now time.Time, tf Timeframe) int64 {
	return AlignTimestamp(now.UTC().Unix(), tf) - tf.Seconds()
}

// ClassifyHTTPStatus maps an HTTP status code onto an outcome: 429, 503 and the rest of the 5xx
// family are throttling signals; any other non-2xx code is terminal.
func ClassifyHTTPStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OutcomeOK
	case code == http.StatusTooManyRequests || code >= 500:
		return OutcomeRateLimited
	default:
		return OutcomeTerminalError
	}
}

// SortAndFilterCandles drops candles that are misaligned or violate OHLC invariants, and returns
// the surviving candles oldest first along with the rejects. Providers occasionally emit a
// partial first bar whose timestamp is off-boundary; those are rejects, not errors.
func SortAndFilterCandles(cs []Candle, tf Timeframe) (valid, rejected []Candle) {
	valid = make([]Candle, 0, len(cs))
	for _, c := range cs {
		if c.Validate() != nil {
			rejected = append(rejected, c)
			continue
		}
		valid = append(valid, c)
	}
	sortCandlesAscending(valid)
	return valid, rejected
}

func sortCandlesAscending(cs []Candle) {
	// Insertion sort: provider payloads are nearly sorted (ascending or exactly reversed after
	// the adapter flips them), and batches are at most a few thousand candles.
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j-1].Timestamp > cs[j].Timestamp; j-- {
			cs[j-1], cs[j] = cs[j], cs[j-1]
		}
	}
}

// TrimCandles enforces an inclusive upper bound and a candle limit on an ascending slice,
// keeping the candles closest to the anchor. Zero bound or limit means unbounded.
func TrimCandles(cs []Candle, toTs int64, limit int) []Candle {
	if toTs > 0 {
		for len(cs) > 0 && cs[len(cs)-1].Timestamp > toTs {
			cs = cs[:len(cs)-1]
		}
	}
	if limit > 0 && len(cs) > limit {
		cs = cs[len(cs)-limit:]
	}
	return cs
}

// ReverseCandles flips a slice in place. Used by adapters whose native order is newest-first.
func ReverseCandles(cs []Candle) {
	for i, j := 0, len(cs)-1; i < j; i, j = i+1, j-1 {
		cs[i], cs[j] = cs[j], cs[i]
	}
}
