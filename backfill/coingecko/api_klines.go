package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/marianogappa/candle-backfill/backfill/common"
	"github.com/rs/zerolog/log"
)

// CoinGecko's market_chart/range endpoint returns price points, not bars:
//
//	{
//	  "prices": [[1642330080000, 43071.18], [1642333680000, 43102.40]],
//	  "market_caps": [[1642330080000, 815000000000.0]],
//	  "total_volumes": [[1642330080000, 24100000000.0]]
//	}
//
// Point granularity depends on the window: hourly within the last 90 days, daily up to 365
// days. Bars are bucketed from points per timeframe boundary: open = first point, close = last,
// high = max, low = min, volume = last total_volumes point in the bucket (quote currency).
type response struct {
	Prices       [][]float64 `json:"prices"`
	TotalVolumes [][]float64 `json:"total_volumes"`
	ErrorMessage string      `json:"error"`
}

func (r response) toCandles(symbol string, tf common.Timeframe) []common.Candle {
	volumes := map[int64]float64{}
	for _, point := range r.TotalVolumes {
		if len(point) != 2 {
			continue
		}
		volumes[common.AlignTimestamp(int64(point[0])/1000, tf)] = point[1]
	}

	var (
		candles []common.Candle
		current *common.Candle
	)
	for _, point := range r.Prices {
		if len(point) != 2 {
			continue
		}
		ts := common.AlignTimestamp(int64(point[0])/1000, tf)
		price := common.JSONFloat64(point[1])

		if current == nil || current.Timestamp != ts {
			if current != nil {
				candles = append(candles, *current)
			}
			current = &common.Candle{
				Symbol:    symbol,
				Timeframe: tf,
				Timestamp: ts,
				Open:      price,
				High:      price,
				Low:       price,
				Close:     price,
				Volume:    common.JSONFloat64(volumes[ts]),
			}
			continue
		}
		if price > current.High {
			current.High = price
		}
		if price < current.Low {
			current.Low = price
		}
		current.Close = price
		current.Volume = common.JSONFloat64(volumes[ts])
	}
	if current != nil {
		candles = append(candles, *current)
	}
	return candles
}

func (e *CoinGecko) fetchOne(ctx context.Context, req common.FetchRequest) common.FetchResult {
	if !e.Capabilities().Supports(req.Timeframe) {
		return failure(common.OutcomeTerminalError, fmt.Errorf("%w: %v", common.ErrUnsupportedTimeframe, req.Timeframe))
	}
	coinID, ok := e.SymbolMap(req.Symbol)
	if !ok {
		return failure(common.OutcomeTerminalError, fmt.Errorf("%w: %v", common.ErrUnknownSymbol, req.Symbol))
	}

	limit := req.Limit
	if max := e.Capabilities().MaxCandlesPerCall; limit <= 0 || limit > max {
		limit = max
	}
	if req.Timeframe == common.Timeframe1d && limit > 365 {
		limit = 365
	}

	now := e.timeNowFunc().UTC().Unix()
	end := req.ToTimestamp
	if end == 0 || end > now {
		end = now
	}
	start := end - int64(limit)*req.Timeframe.Seconds()
	if req.Timeframe == common.Timeframe1h && start < now-maxHourlyWindow {
		start = now - maxHourlyWindow
	}
	if start < now-maxDailyWindow {
		start = now - maxDailyWindow
	}
	if start >= end {
		return failure(common.OutcomeEmpty, common.ErrOutOfCandles)
	}

	httpReq, _ := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%vcoins/%v/market_chart/range", e.apiURL, coinID), nil)

	q := httpReq.URL.Query()
	q.Add("vs_currency", "usd")
	q.Add("from", strconv.FormatInt(start, 10))
	q.Add("to", strconv.FormatInt(end, 10))
	httpReq.URL.RawQuery = q.Encode()

	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Do(httpReq)
	if err != nil {
		return failure(common.OutcomeRateLimited, fmt.Errorf("%w: %v", common.ErrExecutingRequest, err))
	}
	defer resp.Body.Close()

	if outcome := common.ClassifyHTTPStatus(resp.StatusCode); outcome != common.OutcomeOK {
		return failure(outcome, fmt.Errorf("coingecko returned HTTP %v", resp.StatusCode))
	}

	byts, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure(common.OutcomeRateLimited, common.ErrBrokenBodyResponse)
	}

	maybeResponse := response{}
	if err := json.Unmarshal(byts, &maybeResponse); err != nil {
		return failure(common.OutcomeTerminalError, common.ErrInvalidJSONResponse)
	}
	if maybeResponse.ErrorMessage != "" {
		return failure(common.OutcomeTerminalError, errors.New(maybeResponse.ErrorMessage))
	}

	candles, _ := common.SortAndFilterCandles(maybeResponse.toCandles(req.Symbol, req.Timeframe), req.Timeframe)
	candles = common.TrimCandles(candles, req.ToTimestamp, req.Limit)

	if e.debug {
		log.Info().Str("provider", "CoinGecko").Str("symbol", req.Symbol).Str("timeframe", string(req.Timeframe)).Int("candle_count", len(candles)).Msg("Candle request successful!")
	}

	if len(candles) == 0 {
		return failure(common.OutcomeEmpty, common.ErrOutOfCandles)
	}

	return common.FetchResult{Candles: candles, Outcome: common.OutcomeOK}
}

func failure(outcome common.Outcome, err error) common.FetchResult {
	return common.FetchResult{Outcome: outcome, Err: err}
}
