package coinbase

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

// Coinbase candles are arrays of 6 numbers, newest first:
//
//	[
//	  [1642330080, 43068.13, 43072.60, 43072.59, 43071.18, 4.13011],
//	  [1642330020, 43069.99, 43079.63, 43070.00, 43072.60, 5.54560]
//	]
//
// with positions [time, low, high, open, close, volume]; volume is denominated in the base
// asset. Errors come back as {"message": "..."}.
type successResponse = [][]interface{}

type errorResponse struct {
	Message string `json:"message"`
}

func toCandles(response successResponse, symbol string, tf common.Timeframe) ([]common.Candle, error) {
	candles := make([]common.Candle, len(response))
	for i, raw := range response {
		if len(raw) != 6 {
			return nil, fmt.Errorf("candle %v has len != 6! Invalid syntax from Coinbase", i)
		}
		var vals [6]float64
		for j := range raw {
			f, ok := raw[j].(float64)
			if !ok {
				return nil, fmt.Errorf("candle %v has non-numeric value at %v! Invalid syntax from Coinbase", i, j)
			}
			vals[j] = f
		}
		candles[i] = common.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			Timestamp: int64(vals[0]),
			Low:       common.JSONFloat64(vals[1]),
			High:      common.JSONFloat64(vals[2]),
			Open:      common.JSONFloat64(vals[3]),
			Close:     common.JSONFloat64(vals[4]),
			Volume:    common.JSONFloat64(vals[5]),
		}
	}
	return candles, nil
}

var granularities = map[common.Timeframe]int64{
	common.Timeframe1m:  60,
	common.Timeframe5m:  300,
	common.Timeframe15m: 900,
	common.Timeframe1h:  3600,
}

func (e *Coinbase) fetchOne(ctx context.Context, req common.FetchRequest) common.FetchResult {
	granularity, ok := granularities[req.Timeframe]
	if !ok {
		return failure(common.OutcomeTerminalError, fmt.Errorf("%w: %v", common.ErrUnsupportedTimeframe, req.Timeframe))
	}
	product, ok := e.SymbolMap(req.Symbol)
	if !ok {
		return failure(common.OutcomeTerminalError, fmt.Errorf("%w: %v", common.ErrUnknownSymbol, req.Symbol))
	}

	limit := req.Limit
	if max := e.Capabilities().MaxCandlesPerCall; limit <= 0 || limit > max {
		limit = max
	}

	httpReq, _ := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%vproducts/%v/candles", e.apiURL, product), nil)

	end := req.ToTimestamp
	if end == 0 {
		end = time.Now().UTC().Unix()
	}
	start := end - int64(limit-1)*req.Timeframe.Seconds()

	q := httpReq.URL.Query()
	q.Add("granularity", strconv.FormatInt(granularity, 10))
	q.Add("start", time.Unix(start, 0).UTC().Format(time.RFC3339))
	q.Add("end", time.Unix(end, 0).UTC().Format(time.RFC3339))
	httpReq.URL.RawQuery = q.Encode()

	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Do(httpReq)
	if err != nil {
		return failure(common.OutcomeRateLimited, fmt.Errorf("%w: %v", common.ErrExecutingRequest, err))
	}
	defer resp.Body.Close()

	byts, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure(common.OutcomeRateLimited, common.ErrBrokenBodyResponse)
	}

	maybeErrorResponse := errorResponse{}
	if err := json.Unmarshal(byts, &maybeErrorResponse); err == nil && maybeErrorResponse.Message != "" {
		if maybeErrorResponse.Message == "NotFound" {
			return failure(common.OutcomeTerminalError, common.ErrUnknownSymbol)
		}
		outcome := common.ClassifyHTTPStatus(resp.StatusCode)
		if outcome == common.OutcomeOK {
			outcome = common.OutcomeTerminalError
		}
		return failure(outcome, errors.New(maybeErrorResponse.Message))
	}
	if outcome := common.ClassifyHTTPStatus(resp.StatusCode); outcome != common.OutcomeOK {
		return failure(outcome, fmt.Errorf("coinbase returned HTTP %v", resp.StatusCode))
	}

	maybeResponse := successResponse{}
	if err := json.Unmarshal(byts, &maybeResponse); err != nil {
		return failure(common.OutcomeTerminalError, common.ErrInvalidJSONResponse)
	}

	candles, err := toCandles(maybeResponse, req.Symbol, req.Timeframe)
	if err != nil {
		return failure(common.OutcomeTerminalError, err)
	}

	// Coinbase returns candles in descending order.
	common.ReverseCandles(candles)
	candles, _ = common.SortAndFilterCandles(candles, req.Timeframe)
	candles = common.TrimCandles(candles, req.ToTimestamp, req.Limit)

	if e.debug {
		log.Info().Str("provider", "Coinbase").Str("symbol", req.Symbol).Str("timeframe", string(req.Timeframe)).Int("candle_count", len(candles)).Msg("Candle request successful!")
	}

	if len(candles) == 0 {
		return failure(common.OutcomeEmpty, common.ErrOutOfCandles)
	}

	return common.FetchResult{Candles: candles, Outcome: common.OutcomeOK}
}

func failure(outcome common.Outcome, err error) common.FetchResult {
	return common.FetchResult{Outcome: outcome, Err: err}
}
