package cryptocompare

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

// CryptoCompare wraps every payload in a Response/Message envelope:
//
//	{
//	  "Response": "Success",
//	  "Message": "",
//	  "Data": {
//	    "TimeFrom": 1642329960,
//	    "TimeTo": 1642330080,
//	    "Data": [
//	      {
//	        "time": 1642329960,
//	        "open": 43086.22,
//	        "high": 43086.22,
//	        "low": 43069.48,
//	        "close": 43070.00,
//	        "volumefrom": 8.652,
//	        "volumeto": 372709.68
//	      }
//	    ]
//	  }
//	}
//
// Errors come back with HTTP 200 and Response != "Success", so both the transport status and
// the envelope must be inspected.
type response struct {
	Response string `json:"Response"`
	Message  string `json:"Message"`
	Data     struct {
		Data []responseCandle `json:"Data"`
	} `json:"Data"`
}

type responseCandle struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	VolumeFrom float64 `json:"volumefrom"`
	VolumeTo   float64 `json:"volumeto"`
}

func (r response) toCandles(symbol string, tf common.Timeframe) []common.Candle {
	candles := make([]common.Candle, 0, len(r.Data.Data))
	for _, raw := range r.Data.Data {
		// CryptoCompare pads the window with all-zero bars before the pair's listing date.
		if raw.Open == 0 && raw.High == 0 && raw.Low == 0 && raw.Close == 0 {
			continue
		}
		volume := raw.VolumeTo
		if volume == 0 {
			volume = raw.VolumeFrom
		}
		candles = append(candles, common.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			Timestamp: raw.Time,
			Open:      common.JSONFloat64(raw.Open),
			High:      common.JSONFloat64(raw.High),
			Low:       common.JSONFloat64(raw.Low),
			Close:     common.JSONFloat64(raw.Close),
			Volume:    common.JSONFloat64(volume),
		})
	}
	return candles
}

var endpoints = map[common.Timeframe]string{
	common.Timeframe1m: "histominute",
	common.Timeframe1h: "histohour",
	common.Timeframe1d: "histoday",
}

func (e *CryptoCompare) fetchOne(ctx context.Context, req common.FetchRequest) common.FetchResult {
	if e.apiKey == "" {
		return failure(common.OutcomeTerminalError, errors.New("cryptocompare requires an api key"))
	}
	endpoint, ok := endpoints[req.Timeframe]
	if !ok {
		return failure(common.OutcomeTerminalError, fmt.Errorf("%w: %v", common.ErrUnsupportedTimeframe, req.Timeframe))
	}
	fsym, ok := e.SymbolMap(req.Symbol)
	if !ok {
		return failure(common.OutcomeTerminalError, fmt.Errorf("%w: %v", common.ErrUnknownSymbol, req.Symbol))
	}

	limit := req.Limit
	if max := e.Capabilities().MaxCandlesPerCall; limit <= 0 || limit > max {
		limit = max
	}

	httpReq, _ := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%v%v", e.apiURL, endpoint), nil)
	httpReq.Header.Set("Authorization", fmt.Sprintf("Apikey %v", e.apiKey))

	q := httpReq.URL.Query()
	q.Add("fsym", fsym)
	q.Add("tsym", "USD")
	q.Add("limit", strconv.Itoa(limit))
	if req.ToTimestamp > 0 {
		q.Add("toTs", strconv.FormatInt(req.ToTimestamp, 10))
	}
	httpReq.URL.RawQuery = q.Encode()

	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Do(httpReq)
	if err != nil {
		return failure(common.OutcomeRateLimited, fmt.Errorf("%w: %v", common.ErrExecutingRequest, err))
	}
	defer resp.Body.Close()

	if outcome := common.ClassifyHTTPStatus(resp.StatusCode); outcome != common.OutcomeOK {
		return failure(outcome, fmt.Errorf("cryptocompare returned HTTP %v", resp.StatusCode))
	}

	byts, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure(common.OutcomeRateLimited, common.ErrBrokenBodyResponse)
	}

	maybeResponse := response{}
	if err := json.Unmarshal(byts, &maybeResponse); err != nil {
		return failure(common.OutcomeTerminalError, common.ErrInvalidJSONResponse)
	}
	if maybeResponse.Response != "" && maybeResponse.Response != "Success" {
		return failure(common.OutcomeTerminalError, fmt.Errorf("cryptocompare returned error envelope: %v", maybeResponse.Message))
	}

	candles, _ := common.SortAndFilterCandles(maybeResponse.toCandles(req.Symbol, req.Timeframe), req.Timeframe)
	candles = common.TrimCandles(candles, req.ToTimestamp, req.Limit)

	if e.debug {
		log.Info().Str("provider", "CryptoCompare").Str("symbol", req.Symbol).Str("timeframe", string(req.Timeframe)).Int("candle_count", len(candles)).Msg("Candle request successful!")
	}

	if len(candles) == 0 {
		return failure(common.OutcomeEmpty, common.ErrOutOfCandles)
	}

	return common.FetchResult{Candles: candles, Outcome: common.OutcomeOK}
}

func failure(outcome common.Outcome, err error) common.FetchResult {
	return common.FetchResult{Outcome: outcome, Err: err}
}
