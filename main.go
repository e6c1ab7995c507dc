package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/marianogappa/candle-backfill/backfill"
	"github.com/marianogappa/candle-backfill/backfill/cache"
	"github.com/marianogappa/candle-backfill/backfill/common"
	"github.com/marianogappa/candle-backfill/backfill/metrics"
	"github.com/marianogappa/candle-backfill/backfill/store"
)

func main() {
	var (
		flagConfig      = flag.String("config", "config.yaml", "path to the yaml configuration file")
		flagAction      = flag.String("action", "cycle", "one of cycle|progress|candles")
		flagSymbol      = flag.String("symbol", "", "e.g. BTC; only used by the candles action")
		flagTimeframe   = flag.String("timeframe", "", "one of 1m|5m|15m|30m|1h|4h|1d; only used by the candles action")
		flagStartTime   = flag.String("startTime", "", "ISO8601/RFC3339 date to start retrieving candles e.g. 2022-07-10T14:01:00Z; only used by the candles action")
		flagEndTime     = flag.String("endTime", "", "ISO8601/RFC3339 date to stop retrieving candles (inclusive); only used by the candles action")
		flagMetricsAddr = flag.String("metricsAddr", "", "optional address to serve prometheus metrics on, e.g. :9187")
		flagDebug       = flag.Bool("debug", false, "enable per-request provider logging")
	)

	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *flagDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := backfill.LoadConfig(*flagConfig)
	if err != nil {
		exit(fmt.Sprintf("invalid configuration: %v.", err), true)
	}
	if *flagDebug {
		cfg.Debug = true
	}

	ctx := context.Background()

	st, err := buildStore(ctx, cfg)
	if err != nil {
		exit(fmt.Sprintf("error building store: %v", err), false)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	if *flagMetricsAddr != "" {
		go serveMetrics(*flagMetricsAddr, registry)
	}

	engine, err := backfill.NewEngine(cfg, st, backfill.WithMetrics(m))
	if err != nil {
		exit(fmt.Sprintf("error building engine: %v", err), false)
	}

	switch *flagAction {
	case "cycle":
		report, err := engine.RunCycle(ctx)
		if err != nil {
			exit(fmt.Sprintf("cycle aborted: %v", err), false)
		}
		printJSON(report)
	case "progress":
		progress, complete, err := engine.Progress(ctx)
		if err != nil {
			exit(fmt.Sprintf("error reading progress: %v", err), false)
		}
		printJSON(struct {
			common.Progress
			IsComplete bool `json:"isComplete"`
		}{progress, complete})
	case "candles":
		if err := printCandles(ctx, engine, *flagSymbol, *flagTimeframe, *flagStartTime, *flagEndTime); err != nil {
			exit(err.Error(), true)
		}
	default:
		exit(fmt.Sprintf("unknown action '%v'.", *flagAction), true)
	}
}

func buildStore(ctx context.Context, cfg backfill.Config) (store.Store, error) {
	cacheSizes := map[common.Timeframe]int{}
	for _, target := range cfg.Timeframes {
		cacheSizes[common.Timeframe(target.Name)] = 1000
	}

	if cfg.Postgres.DSN == "" {
		return cache.NewCachedStore(store.NewMemoryStore(), cacheSizes), nil
	}
	pg, err := store.NewPostgresStore(cfg.Postgres)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return cache.NewCachedStore(pg, cacheSizes), nil
}

func printCandles(ctx context.Context, engine *backfill.Engine, symbol, timeframe, startTime, endTime string) error {
	if symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	tf, err := common.ParseTimeframe(timeframe)
	if err != nil {
		return err
	}
	start, err := time.Parse(time.RFC3339, startTime)
	if err != nil {
		return fmt.Errorf("invalid startTime '%v': %v", startTime, err)
	}
	end, err := time.Parse(time.RFC3339, endTime)
	if err != nil {
		return fmt.Errorf("invalid endTime '%v': %v", endTime, err)
	}

	candles, err := engine.GetCandles(ctx, symbol, tf, start.Unix(), end.Unix())
	if err != nil {
		return err
	}
	for _, candle := range candles {
		bs, _ := json.Marshal(candle)
		fmt.Println(string(bs))
	}
	return nil
}

func printJSON(v interface{}) {
	bs, _ := json.Marshal(v)
	fmt.Println(string(bs))
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Metrics server stopped")
	}
}

func exit(s string, showUsage bool) {
	log.Error().Msg(s)
	if showUsage {
		flag.Usage()
		os.Exit(1)
	}
	os.Exit(0)
}
