package kraken

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

// Kraken responses carry an error list next to the result map, keyed by native pair name:
//
//	{
//	  "error": [],
//	  "result": {
//	    "XXBTZUSD": [
//	      [1642330080, "43072.5", "43072.6", "43068.1", "43071.1", "43070.2", "4.13011000", 344]
//	    ],
//	    "last": 1642330080
//	  }
//	}
//
// Each bar is [time, open, high, low, close, vwap, volume, count] with prices as strings and
// volume denominated in the base asset. Both the HTTP status and the error list must be
// inspected; Kraken reports throttling as "EAPI:Rate limit exceeded" with HTTP 200.
type response struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

func (r response) toError() error {
	if len(r.Error) == 0 {
		return nil
	}
	msg := r.Error[0]
	switch msg {
	case "EQuery:Unknown asset pair":
		return common.ErrUnknownSymbol
	case "EAPI:Rate limit exceeded", "EGeneral:Too many requests":
		return common.ErrRateLimit
	}
	return fmt.Errorf("kraken returned error envelope: %v", msg)
}

func toCandles(rows [][]interface{}, symbol string, tf common.Timeframe) ([]common.Candle, error) {
	candles := make([]common.Candle, len(rows))
	for i, raw := range rows {
		if len(raw) != 8 {
			return nil, fmt.Errorf("candle %v has len != 8! Invalid syntax from Kraken", i)
		}
		ts, ok := raw[0].(float64)
		if !ok {
			return nil, fmt.Errorf("candle %v has non-numeric time! Invalid syntax from Kraken", i)
		}
		var prices [4]float64
		for j := 1; j <= 4; j++ {
			s, ok := raw[j].(string)
			if !ok {
				return nil, fmt.Errorf("candle %v has non-string price at %v! Invalid syntax from Kraken", i, j)
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("candle %v has invalid price at %v: %v", i, j, err)
			}
			prices[j-1] = f
		}
		volumeStr, ok := raw[6].(string)
		if !ok {
			return nil, fmt.Errorf("candle %v has non-string volume! Invalid syntax from Kraken", i)
		}
		volume, err := strconv.ParseFloat(volumeStr, 64)
		if err != nil {
			return nil, fmt.Errorf("candle %v has invalid volume: %v", i, err)
		}

		candles[i] = common.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			Timestamp: int64(ts),
			Open:      common.JSONFloat64(prices[0]),
			High:      common.JSONFloat64(prices[1]),
			Low:       common.JSONFloat64(prices[2]),
			Close:     common.JSONFloat64(prices[3]),
			Volume:    common.JSONFloat64(volume),
		}
	}
	return candles, nil
}

var intervalMinutes = map[common.Timeframe]int{
	common.Timeframe1m:  1,
	common.Timeframe5m:  5,
	common.Timeframe15m: 15,
	common.Timeframe30m: 30,
	common.Timeframe1h:  60,
	common.Timeframe1d:  1440,
}

func (e *Kraken) fetchOne(ctx context.Context, req common.FetchRequest) common.FetchResult {
	interval, ok := intervalMinutes[req.Timeframe]
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

	httpReq, _ := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%vOHLC", e.apiURL), nil)

	q := httpReq.URL.Query()
	q.Add("pair", pair)
	q.Add("interval", strconv.Itoa(interval))
	if req.ToTimestamp > 0 {
		// The since cursor is a lower bound, so the anchor is rewound by the window size.
		since := req.ToTimestamp - int64(limit)*req.Timeframe.Seconds()
		q.Add("since", strconv.FormatInt(since, 10))
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

	maybeResponse := response{}
	if err := json.Unmarshal(byts, &maybeResponse); err != nil {
		// Throttled 5xx responses can carry a non-JSON body (e.g. an HTML error page); the
		// status decides then. Only an unparseable 2xx body is a schema violation.
		if outcome := common.ClassifyHTTPStatus(resp.StatusCode); outcome != common.OutcomeOK {
			return failure(outcome, fmt.Errorf("kraken returned HTTP %v", resp.StatusCode))
		}
		return failure(common.OutcomeTerminalError, common.ErrInvalidJSONResponse)
	}
	if envErr := maybeResponse.toError(); envErr != nil {
		if envErr == common.ErrRateLimit {
			return failure(common.OutcomeRateLimited, envErr)
		}
		return failure(common.OutcomeTerminalError, envErr)
	}
	if outcome := common.ClassifyHTTPStatus(resp.StatusCode); outcome != common.OutcomeOK {
		return failure(outcome, fmt.Errorf("kraken returned HTTP %v", resp.StatusCode))
	}

	var rows [][]interface{}
	if rawRows, ok := maybeResponse.Result[pair]; ok {
		if err := json.Unmarshal(rawRows, &rows); err != nil {
			return failure(common.OutcomeTerminalError, common.ErrInvalidJSONResponse)
		}
	}

	candles, err := toCandles(rows, req.Symbol, req.Timeframe)
	if err != nil {
		return failure(common.OutcomeTerminalError, err)
	}

	// Kraken's native ordering is newest-first.
	common.ReverseCandles(candles)
	candles, _ = common.SortAndFilterCandles(candles, req.Timeframe)
	candles = common.TrimCandles(candles, req.ToTimestamp, req.Limit)

	if e.debug {
		log.Info().Str("provider", "Kraken").Str("symbol", req.Symbol).Str("timeframe", string(req.Timeframe)).Int("candle_count", len(candles)).Msg("Candle request successful!")
	}

	if len(candles) == 0 {
		return failure(common.OutcomeEmpty, common.ErrOutOfCandles)
	}

	return common.FetchResult{Candles: candles, Outcome: common.OutcomeOK}
}

func failure(outcome common.Outcome, err error) common.FetchResult {
	return common.FetchResult{Outcome: outcome, Err: err}
}
