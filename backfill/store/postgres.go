package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"gopkg.in/yaml.v3"

	"github.com/marianogappa/candle-backfill/backfill/common"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	BatchSize       int           `yaml:"batch_size"`
}

// DefaultConfig returns reasonable defaults for database connections.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
		BatchSize:       500,
	}
}

// UnmarshalYAML decodes durations from their time.ParseDuration form, e.g. "30s".
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	aux := struct {
		DSN             string `yaml:"dsn"`
		MaxOpenConns    int    `yaml:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns"`
		ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		QueryTimeout    string `yaml:"query_timeout"`
		BatchSize       int    `yaml:"batch_size"`
	}{}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	c.DSN = aux.DSN
	c.MaxOpenConns = aux.MaxOpenConns
	c.MaxIdleConns = aux.MaxIdleConns
	c.BatchSize = aux.BatchSize
	for _, field := range []struct {
		raw string
		dst *time.Duration
	}{
		{aux.ConnMaxLifetime, &c.ConnMaxLifetime},
		{aux.QueryTimeout, &c.QueryTimeout},
	} {
		if field.raw == "" {
			continue
		}
		d, err := time.ParseDuration(field.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", field.raw, err)
		}
		*field.dst = d
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = d.MaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}

// Schema is the persisted layout: one candles relation keyed by (symbol, timeframe, ts) and one
// coverage relation keyed by (symbol, timeframe). Timestamps are signed 64-bit UNIX seconds.
const Schema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol       TEXT             NOT NULL,
	timeframe    TEXT             NOT NULL,
	ts           BIGINT           NOT NULL,
	open         DOUBLE PRECISION NOT NULL,
	high         DOUBLE PRECISION NOT NULL,
	low          DOUBLE PRECISION NOT NULL,
	close        DOUBLE PRECISION NOT NULL,
	volume       DOUBLE PRECISION NOT NULL,
	providers    TEXT[]           NOT NULL,
	data_points  INTEGER          NOT NULL,
	variance     DOUBLE PRECISION NOT NULL,
	observations JSONB            NOT NULL,
	PRIMARY KEY (symbol, timeframe, ts)
);

CREATE INDEX IF NOT EXISTS candles_pair_ts_idx ON candles (symbol, timeframe, ts ASC);

CREATE TABLE IF NOT EXISTS coverage (
	symbol       TEXT        NOT NULL,
	timeframe    TEXT        NOT NULL,
	oldest_ts    BIGINT      NOT NULL,
	newest_ts    BIGINT      NOT NULL,
	candle_count BIGINT      NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (symbol, timeframe)
);
`

// PostgresStore is the durable Store backend, backed by the candles/coverage relations.
type PostgresStore struct {
	db          *sqlx.DB
	timeout     time.Duration
	batchSize   int
	timeNowFunc func() time.Time
}

// NewPostgresStore opens a connection pool against the configured DSN and pings it.
func NewPostgresStore(config Config) (*PostgresStore, error) {
	config = config.withDefaults()
	if config.DSN == "" {
		return nil, fmt.Errorf("postgres store requires a DSN")
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresStoreWithDB(db, config), nil
}

// NewPostgresStoreWithDB wraps an existing connection pool. Used by tests.
func NewPostgresStoreWithDB(db *sqlx.DB, config Config) *PostgresStore {
	config = config.withDefaults()
	return &PostgresStore{
		db:          db,
		timeout:     config.QueryTimeout,
		batchSize:   config.BatchSize,
		timeNowFunc: time.Now,
	}
}

// EnsureSchema creates the candles and coverage relations if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Merge ingests candles for one pair from one provider. Writes happen in transactional batches
// of the configured size; locking the batch's rows with FOR UPDATE serializes same-pair merges
// while distinct pairs proceed in parallel.
func (s *PostgresStore) Merge(ctx context.Context, symbol string, tf common.Timeframe, source string, candles []common.Candle) (MergeStats, error) {
	stats := MergeStats{}

	valid := make([]common.Candle, 0, len(candles))
	for _, candle := range candles {
		if candle.Symbol != symbol || candle.Timeframe != tf {
			stats.Rejected = append(stats.Rejected, RejectedCandle{Candle: candle, Reason: ErrSymbolMismatch.Error()})
			continue
		}
		if err := candle.Validate(); err != nil {
			stats.Rejected = append(stats.Rejected, RejectedCandle{Candle: candle, Reason: err.Error()})
			continue
		}
		valid = append(valid, candle)
	}

	for start := 0; start < len(valid); start += s.batchSize {
		end := start + s.batchSize
		if end > len(valid) {
			end = len(valid)
		}
		inserted, skipped, err := s.mergeBatch(ctx, symbol, tf, source, valid[start:end])
		if err != nil {
			return stats, err
		}
		stats.Inserted += inserted
		stats.Skipped += skipped
	}
	return stats, nil
}

type lockedRow struct {
	Ts           int64  `db:"ts"`
	Observations []byte `db:"observations"`
}

func (s *PostgresStore) mergeBatch(ctx context.Context, symbol string, tf common.Timeframe, source string, batch []common.Candle) (inserted, skipped int, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	timestamps := make([]int64, len(batch))
	for i, candle := range batch {
		timestamps[i] = candle.Timestamp
	}

	var locked []lockedRow
	err = tx.SelectContext(ctx, &locked, `
		SELECT ts, observations
		FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts = ANY($3)
		FOR UPDATE`,
		symbol, string(tf), pq.Array(timestamps))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to lock candle rows: %w", err)
	}

	existing := map[int64]map[string]Observation{}
	for _, row := range locked {
		observations := map[string]Observation{}
		if err := json.Unmarshal(row.Observations, &observations); err != nil {
			return 0, 0, fmt.Errorf("failed to unmarshal observations for ts %v: %w", row.Ts, err)
		}
		existing[row.Ts] = observations
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume, providers, data_points, variance, observations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			providers = EXCLUDED.providers,
			data_points = EXCLUDED.data_points,
			variance = EXCLUDED.variance,
			observations = EXCLUDED.observations`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	var batchOldest, batchNewest int64
	for _, candle := range batch {
		observations, exists := existing[candle.Timestamp]
		if !exists {
			observations = map[string]Observation{}
			existing[candle.Timestamp] = observations
			inserted++
		} else {
			skipped++
		}

		seq := len(observations)
		if prev, ok := observations[source]; ok {
			seq = prev.Seq
		}
		observations[source] = observationOf(candle, seq)
		collated := Collate(symbol, tf, candle.Timestamp, observations)

		observationsJSON, err := json.Marshal(observations)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to marshal observations: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			symbol, string(tf), candle.Timestamp,
			float64(collated.Open), float64(collated.High), float64(collated.Low), float64(collated.Close),
			float64(collated.Volume), pq.Array(collated.Providers), collated.DataPoints, collated.Variance,
			observationsJSON)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to upsert candle: %w", err)
		}

		if batchOldest == 0 || candle.Timestamp < batchOldest {
			batchOldest = candle.Timestamp
		}
		if candle.Timestamp > batchNewest {
			batchNewest = candle.Timestamp
		}
	}

	if len(batch) > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO coverage (symbol, timeframe, oldest_ts, newest_ts, candle_count, last_updated)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (symbol, timeframe) DO UPDATE SET
				oldest_ts = LEAST(coverage.oldest_ts, EXCLUDED.oldest_ts),
				newest_ts = GREATEST(coverage.newest_ts, EXCLUDED.newest_ts),
				candle_count = coverage.candle_count + EXCLUDED.candle_count,
				last_updated = EXCLUDED.last_updated`,
			symbol, string(tf), batchOldest, batchNewest, inserted, s.timeNowFunc().UTC())
		if err != nil {
			return 0, 0, fmt.Errorf("failed to upsert coverage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return inserted, skipped, nil
}

type dbCandle struct {
	Symbol     string         `db:"symbol"`
	Timeframe  string         `db:"timeframe"`
	Ts         int64          `db:"ts"`
	Open       float64        `db:"open"`
	High       float64        `db:"high"`
	Low        float64        `db:"low"`
	Close      float64        `db:"close"`
	Volume     float64        `db:"volume"`
	Providers  pq.StringArray `db:"providers"`
	DataPoints int            `db:"data_points"`
	Variance   float64        `db:"variance"`
}

func (c dbCandle) toCandle() common.Candle {
	return common.Candle{
		Symbol:     c.Symbol,
		Timeframe:  common.Timeframe(c.Timeframe),
		Timestamp:  c.Ts,
		Open:       common.JSONFloat64(c.Open),
		High:       common.JSONFloat64(c.High),
		Low:        common.JSONFloat64(c.Low),
		Close:      common.JSONFloat64(c.Close),
		Volume:     common.JSONFloat64(c.Volume),
		Providers:  []string(c.Providers),
		DataPoints: c.DataPoints,
		Variance:   c.Variance,
	}
}

// Coverage returns the pair's coverage record, or nil when the pair has no candles.
func (s *PostgresStore) Coverage(ctx context.Context, symbol string, tf common.Timeframe) (*common.CoverageRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	record := common.CoverageRecord{}
	err := s.db.GetContext(ctx, &record, `
		SELECT symbol, timeframe, oldest_ts, newest_ts, candle_count, last_updated
		FROM coverage
		WHERE symbol = $1 AND timeframe = $2`,
		symbol, string(tf))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query coverage: %w", err)
	}
	return &record, nil
}

// GetCandles returns the pair's candles with start ≤ timestamp ≤ end, oldest first.
func (s *PostgresStore) GetCandles(ctx context.Context, symbol string, tf common.Timeframe, start, end int64) ([]common.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []dbCandle
	err := s.db.SelectContext(ctx, &rows, `
		SELECT symbol, timeframe, ts, open, high, low, close, volume, providers, data_points, variance
		FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC`,
		symbol, string(tf), start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}

	candles := make([]common.Candle, len(rows))
	for i, row := range rows {
		candles[i] = row.toCandle()
	}
	return candles, nil
}

// Progress returns per-pair coverage and the total candle count.
func (s *PostgresStore) Progress(ctx context.Context) (common.Progress, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var records []common.CoverageRecord
	err := s.db.SelectContext(ctx, &records, `
		SELECT symbol, timeframe, oldest_ts, newest_ts, candle_count, last_updated
		FROM coverage
		ORDER BY symbol, timeframe`)
	if err != nil {
		return common.Progress{}, fmt.Errorf("failed to query coverage: %w", err)
	}

	progress := common.Progress{PerPair: records}
	for _, record := range records {
		progress.TotalCandles += record.CandleCount
		if record.LastUpdated.After(progress.LastUpdated) {
			progress.LastUpdated = record.LastUpdated
		}
	}
	return progress, nil
}
