package store

import (
	"math"
	"sort"

	"github.com/marianogappa/candle-backfill/backfill/common"
)

// Observation is one provider's view of a single bar. Seq records arrival order; the earliest
// observation contributes the row's open.
type Observation struct {
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
	Seq    int     `json:"seq"`
}

func observationOf(c common.Candle, seq int) Observation {
	return Observation{
		Open:   float64(c.Open),
		High:   float64(c.High),
		Low:    float64(c.Low),
		Close:  float64(c.Close),
		Volume: float64(c.Volume),
		Seq:    seq,
	}
}

// Collate combines all providers' observations of one bar into the stored row: close and volume
// are the median across contributors (the mean for two), high/low the extremes, open the
// earliest contributor's open, and variance the coefficient of variation of the closes clamped
// to [0, 1].
func Collate(symbol string, tf common.Timeframe, ts int64, observations map[string]Observation) common.Candle {
	providers := make([]string, 0, len(observations))
	for provider := range observations {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	var (
		closes  = make([]float64, 0, len(observations))
		volumes = make([]float64, 0, len(observations))
		high    = math.Inf(-1)
		low     = math.Inf(1)
		open    float64
		minSeq  = math.MaxInt
	)
	for _, provider := range providers {
		obs := observations[provider]
		closes = append(closes, obs.Close)
		volumes = append(volumes, obs.Volume)
		if obs.High > high {
			high = obs.High
		}
		if obs.Low < low {
			low = obs.Low
		}
		if obs.Seq < minSeq {
			minSeq = obs.Seq
			open = obs.Open
		}
	}

	collated := common.Candle{
		Symbol:     symbol,
		Timeframe:  tf,
		Timestamp:  ts,
		Open:       common.JSONFloat64(open),
		High:       common.JSONFloat64(high),
		Low:        common.JSONFloat64(low),
		Close:      common.JSONFloat64(median(closes)),
		Volume:     common.JSONFloat64(median(volumes)),
		Providers:  providers,
		DataPoints: len(observations),
		Variance:   coefficientOfVariation(closes),
	}

	// Collated extremes must still bound the collated open/close, since each may come from a
	// different provider.
	if float64(collated.Open) > float64(collated.High) {
		collated.High = collated.Open
	}
	if float64(collated.Close) > float64(collated.High) {
		collated.High = collated.Close
	}
	if float64(collated.Open) < float64(collated.Low) {
		collated.Low = collated.Open
	}
	if float64(collated.Close) < float64(collated.Low) {
		collated.Low = collated.Close
	}
	return collated
}

// median returns the middle value of the inputs, or the mean of the middle two for even counts.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// coefficientOfVariation returns the sample standard deviation of the inputs divided by their
// mean, clamped to [0, 1]. Zero for fewer than two inputs.
func coefficientOfVariation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if mean == 0 {
		return 0
	}
	var squares float64
	for _, v := range values {
		squares += (v - mean) * (v - mean)
	}
	stdev := math.Sqrt(squares / float64(len(values)-1))
	cv := math.Abs(stdev / mean)
	if cv > 1 {
		cv = 1
	}
	return cv
}
