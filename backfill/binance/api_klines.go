package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/marianogappa/candle-backfill/backfill/common"
	"github.com/rs/zerolog/log"
)

const errInvalidSymbol = -1121

type errorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (r errorResponse) toError() error {
	if r.Code == 0 && r.Msg == "" {
		return nil
	}
	if r.Code == errInvalidSymbol {
		return common.ErrUnknownSymbol
	}
	return fmt.Errorf("binance returned error code! Code: %v, Message: %v", r.Code, r.Msg)
}

// Binance klines are arrays of 12 positionally-typed values:
//
//	[
//	  [
//	    1499040000000,      // Open time (ms)
//	    "0.01634790",       // Open
//	    "0.80000000",       // High
//	    "0.01575800",       // Low
//	    "0.01577100",       // Close
//	    "148976.11427815",  // Volume (base asset)
//	    1499644799999,      // Close time
//	    "2434.19055334",    // Quote asset volume
//	    308,                // Number of trades
//	    "1756.87402397",    // Taker buy base asset volume
//	    "28.46694368",      // Taker buy quote asset volume
//	    "17928899.62484339" // Ignore.
//	  ]
//	]
type successfulResponse struct {
	ResponseCandles [][]interface{}
}

func (r successfulResponse) toCandles(symbol string, tf common.Timeframe) ([]common.Candle, error) {
	candles := make([]common.Candle, len(r.ResponseCandles))
	for i, raw := range r.ResponseCandles {
		if len(raw) != 12 {
			return nil, fmt.Errorf("candle %v has len != 12! Invalid syntax from Binance", i)
		}
		openTimeMillis, ok := rawFloat(raw[0])
		if !ok {
			return nil, fmt.Errorf("candle %v has non-numeric open time! Invalid syntax from Binance", i)
		}
		open, err := rawStringFloat(raw[1])
		if err != nil {
			return nil, fmt.Errorf("candle %v has invalid open: %v", i, err)
		}
		high, err := rawStringFloat(raw[2])
		if err != nil {
			return nil, fmt.Errorf("candle %v has invalid high: %v", i, err)
		}
		low, err := rawStringFloat(raw[3])
		if err != nil {
			return nil, fmt.Errorf("candle %v has invalid low: %v", i, err)
		}
		closePrice, err := rawStringFloat(raw[4])
		if err != nil {
			return nil, fmt.Errorf("candle %v has invalid close: %v", i, err)
		}
		// Quote asset volume (raw[7]) is preferred over base asset volume (raw[5]).
		quoteVolume, err := rawStringFloat(raw[7])
		if err != nil {
			return nil, fmt.Errorf("candle %v has invalid quote asset volume: %v", i, err)
		}

		candles[i] = common.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			Timestamp: int64(openTimeMillis) / 1000,
			Open:      common.JSONFloat64(open),
			High:      common.JSONFloat64(high),
			Low:       common.JSONFloat64(low),
			Close:     common.JSONFloat64(closePrice),
			Volume:    common.JSONFloat64(quoteVolume),
		}
	}
	return candles, nil
}

func rawFloat(i interface{}) (float64, bool) {
	f, ok := i.(float64)
	return f, ok
}

func rawStringFloat(i interface{}) (float64, error) {
	s, ok := i.(string)
	if !ok {
		return 0, fmt.Errorf("expected string, got %T", i)
	}
	return strconv.ParseFloat(s, 64)
}

var intervals = map[common.Timeframe]string{
	common.Timeframe1m:  "1m",
	common.Timeframe5m:  "5m",
	common.Timeframe15m: "15m",
	common.Timeframe30m: "30m",
	common.Timeframe1h:  "1h",
}

func (e *Binance) fetchOne(ctx context.Context, req common.FetchRequest) common.FetchResult {
	interval, ok := intervals[req.Timeframe]
	if !ok {
		return failure(common.OutcomeTerminalError, fmt.Errorf("%w: %v", common.ErrUnsupportedTimeframe, req.Timeframe))
	}
	pair, ok := e.SymbolMap(req.Symbol)
	if !ok {
		return failure(common.OutcomeTerminalError, fmt.Errorf("%w: %v", common.ErrUnknownSymbol, req.Symbol))
	}

	limit := req.Limit
	if max := e.Capabilities().MaxCandlesPerCall; limit <= 0 || limit > max {
		limit = max
	}

	httpReq, _ := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%vklines", e.apiURL), nil)

	q := httpReq.URL.Query()
	q.Add("symbol", pair)
	q.Add("interval", interval)
	q.Add("limit", strconv.Itoa(limit))
	if req.ToTimestamp > 0 {
		q.Add("endTime", strconv.FormatInt(req.ToTimestamp*1000+999, 10))
	}
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
	err = json.Unmarshal(byts, &maybeErrorResponse)
	if errResp := maybeErrorResponse.toError(); err == nil && errResp != nil {
		outcome := common.ClassifyHTTPStatus(resp.StatusCode)
		if outcome == common.OutcomeOK {
			outcome = common.OutcomeTerminalError
		}
		return failure(outcome, errResp)
	}
	if outcome := common.ClassifyHTTPStatus(resp.StatusCode); outcome != common.OutcomeOK {
		return failure(outcome, fmt.Errorf("binance returned HTTP %v", resp.StatusCode))
	}

	maybeResponse := successfulResponse{}
	if err := json.Unmarshal(byts, &maybeResponse.ResponseCandles); err != nil {
		return failure(common.OutcomeTerminalError, common.ErrInvalidJSONResponse)
	}

	candles, err := maybeResponse.toCandles(req.Symbol, req.Timeframe)
	if err != nil {
		return failure(common.OutcomeTerminalError, err)
	}

	candles, _ = common.SortAndFilterCandles(candles, req.Timeframe)
	candles = common.TrimCandles(candles, req.ToTimestamp, req.Limit)

	if e.debug {
		log.Info().Str("provider", "Binance").Str("symbol", req.Symbol).Str("timeframe", string(req.Timeframe)).Int("candle_count", len(candles)).Msg("Candle request successful!")
	}

	if len(candles) == 0 {
		return failure(common.OutcomeEmpty, common.ErrOutOfCandles)
	}

	return common.FetchResult{Candles: candles, Outcome: common.OutcomeOK}
}

func failure(outcome common.Outcome, err error) common.FetchResult {
	return common.FetchResult{Outcome: outcome, Err: err}
}
