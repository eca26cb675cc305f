package store

import (
	"context"
	"fmt"
)

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS ai_news_events (
    event_id        VARCHAR(255) PRIMARY KEY,
    ticker          VARCHAR(10) NOT NULL,
    published_at    TIMESTAMPTZ NOT NULL,
    headline        TEXT NOT NULL,
    source          VARCHAR(255) NOT NULL,
    sentiment_score DOUBLE PRECISION,
    CONSTRAINT uq_news_event UNIQUE (ticker, published_at, headline)
)`,
	`CREATE INDEX IF NOT EXISTS idx_ticker_published ON ai_news_events (ticker, published_at)`,
	`CREATE TABLE IF NOT EXISTS market_ticks (
    time   TIMESTAMPTZ NOT NULL,
    ticker VARCHAR(10) NOT NULL,
    open   DOUBLE PRECISION NOT NULL,
    high   DOUBLE PRECISION NOT NULL,
    low    DOUBLE PRECISION NOT NULL,
    close  DOUBLE PRECISION NOT NULL,
    volume BIGINT NOT NULL,
    PRIMARY KEY (time, ticker)
)`,
	`CREATE INDEX IF NOT EXISTS idx_market_ticker_time ON market_ticks (ticker, time)`,
	`CREATE TABLE IF NOT EXISTS news_impact_analysis (
    event_id              VARCHAR(255) PRIMARY KEY,
    ticker                VARCHAR(10) NOT NULL,
    published_at          TIMESTAMPTZ NOT NULL,
    headline              TEXT NOT NULL,
    sentiment_score       DOUBLE PRECISION,
    source                VARCHAR(255) NOT NULL,
    price_at_news         DOUBLE PRECISION NOT NULL,
    volume_at_news        BIGINT NOT NULL,
    price_30min_after     DOUBLE PRECISION NOT NULL,
    price_impact_pct      DOUBLE PRECISION NOT NULL,
    volume_30min_total    BIGINT NOT NULL,
    volume_baseline_avg   DOUBLE PRECISION,
    volume_spike_ratio    DOUBLE PRECISION,
    high_30min            DOUBLE PRECISION NOT NULL,
    low_30min             DOUBLE PRECISION NOT NULL,
    volatility_impact_pct DOUBLE PRECISION NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_impact_ticker_published ON news_impact_analysis (ticker, published_at)`,
}

// InitSchema creates the tables and, when the timescaledb extension is
// installed, converts market_ticks into a hypertable chunked by day.
// Safe to call repeatedly.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if err := s.db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	var hasTimescale bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`,
	).Scan(&hasTimescale)
	if err != nil {
		return fmt.Errorf("check timescaledb extension: %w", err)
	}
	if !hasTimescale {
		s.log.Printf("timescaledb extension not installed; market_ticks stays a plain table")
		return nil
	}

	var isHypertable bool
	err = s.db.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM timescaledb_information.hypertables
    WHERE hypertable_name = 'market_ticks'
)`).Scan(&isHypertable)
	if err != nil {
		return fmt.Errorf("check hypertable: %w", err)
	}
	if isHypertable {
		return nil
	}
	if err := s.db.Exec(ctx, `
SELECT create_hypertable(
    'market_ticks', 'time',
    chunk_time_interval => INTERVAL '1 day',
    if_not_exists => TRUE,
    migrate_data => TRUE
)`); err != nil {
		return fmt.Errorf("create hypertable: %w", err)
	}
	s.log.Printf("converted market_ticks to hypertable")
	return nil
}
