// Package store is the TimescaleDB persistence layer: load the two input
// sequences (news events, market ticks) and upsert the derived impact rows.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"

	"newsquake/pkg/shared"
)

type Store struct {
	db       *shared.PgxDB
	log      shared.Logger
	flushDur prometheus.Histogram
}

func New(db *shared.PgxDB, log shared.Logger) *Store {
	return &Store{
		db:  db,
		log: log,
		flushDur: shared.NewHist(prometheus.HistogramOpts{
			Name:    "store_flush_seconds",
			Help:    "Batch write duration",
			Buckets: []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0},
		}),
	}
}

// LoadNewsEvents reads events in ascending published order. With onlyMissing
// set, events that already have an impact row are filtered out, which turns
// a full recompute into an incremental retry without changing the algorithm.
func (s *Store) LoadNewsEvents(ctx context.Context, onlyMissing bool) ([]shared.NewsEvent, error) {
	q := `
SELECT e.event_id, e.ticker, e.published_at, e.headline, e.source, e.sentiment_score
FROM ai_news_events e
ORDER BY e.published_at`
	if onlyMissing {
		q = `
SELECT e.event_id, e.ticker, e.published_at, e.headline, e.source, e.sentiment_score
FROM ai_news_events e
LEFT JOIN news_impact_analysis i ON e.event_id = i.event_id
WHERE i.event_id IS NULL
ORDER BY e.published_at`
	}
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load news events: %w", err)
	}
	defer rows.Close()

	var events []shared.NewsEvent
	for rows.Next() {
		var ev shared.NewsEvent
		if err := rows.Scan(&ev.EventID, &ev.Ticker, &ev.PublishedAt, &ev.Headline, &ev.Source, &ev.SentimentScore); err != nil {
			return nil, fmt.Errorf("scan news event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load news events: %w", err)
	}
	return events, nil
}

// LoadMarketTicks reads all ticks in ascending time order.
func (s *Store) LoadMarketTicks(ctx context.Context) ([]shared.MarketTick, error) {
	rows, err := s.db.Query(ctx, `
SELECT time, ticker, open, high, low, close, volume
FROM market_ticks
ORDER BY time`)
	if err != nil {
		return nil, fmt.Errorf("load market ticks: %w", err)
	}
	defer rows.Close()

	var ticks []shared.MarketTick
	for rows.Next() {
		var t shared.MarketTick
		if err := rows.Scan(&t.Time, &t.Ticker, &t.Open, &t.High, &t.Low, &t.Close, &t.Volume); err != nil {
			return nil, fmt.Errorf("scan market tick: %w", err)
		}
		ticks = append(ticks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load market ticks: %w", err)
	}
	return ticks, nil
}

const upsertImpactSQL = `
INSERT INTO news_impact_analysis (
    event_id, ticker, published_at, headline, sentiment_score, source,
    price_at_news, volume_at_news,
    price_30min_after, price_impact_pct,
    volume_30min_total, volume_baseline_avg, volume_spike_ratio,
    high_30min, low_30min, volatility_impact_pct
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (event_id) DO UPDATE SET
    price_impact_pct = EXCLUDED.price_impact_pct,
    volume_spike_ratio = EXCLUDED.volume_spike_ratio,
    volatility_impact_pct = EXCLUDED.volatility_impact_pct,
    price_30min_after = EXCLUDED.price_30min_after,
    volume_30min_total = EXCLUDED.volume_30min_total,
    high_30min = EXCLUDED.high_30min,
    low_30min = EXCLUDED.low_30min;
`

// UpsertImpacts writes one batch of impact rows in a single transaction,
// keyed by event_id. Recomputes overwrite the derived metric fields only;
// the event metadata columns keep their original values.
func (s *Store) UpsertImpacts(ctx context.Context, recs []shared.ImpactRecord) error {
	if len(recs) == 0 {
		return nil
	}
	start := time.Now()
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(
			upsertImpactSQL,
			r.EventID, r.Ticker, r.PublishedAt, r.Headline, r.SentimentScore, r.Source,
			r.PriceAtNews, r.VolumeAtNews,
			r.Price30mAfter, r.PriceImpactPct,
			r.Volume30mTotal, r.VolumeBaselineAvg, r.VolumeSpikeRatio,
			r.High30m, r.Low30m, r.VolatilityImpactPct,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range recs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.flushDur.Observe(time.Since(start).Seconds())
	return nil
}

// UpsertMarketTicks inserts ticks, silently skipping (ticker, time) keys
// that already exist. Returns the number of new rows.
func (s *Store) UpsertMarketTicks(ctx context.Context, ticks []shared.MarketTick) (int64, error) {
	if len(ticks) == 0 {
		return 0, nil
	}
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, t := range ticks {
		batch.Queue(`
INSERT INTO market_ticks (time, ticker, open, high, low, close, volume)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (time, ticker) DO NOTHING`,
			t.Time, t.Ticker, t.Open, t.High, t.Low, t.Close, t.Volume)
	}
	br := tx.SendBatch(ctx, batch)
	var inserted int64
	for range ticks {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return inserted, err
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return inserted, err
	}
	return inserted, tx.Commit(ctx)
}

// UpsertNewsEvents inserts events, skipping duplicates by the content key
// (ticker, published_at, headline). Returns the number of new rows.
func (s *Store) UpsertNewsEvents(ctx context.Context, events []shared.NewsEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
INSERT INTO ai_news_events (event_id, ticker, published_at, headline, source, sentiment_score)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT ON CONSTRAINT uq_news_event DO NOTHING`,
			e.EventID, e.Ticker, e.PublishedAt, e.Headline, e.Source, e.SentimentScore)
	}
	br := tx.SendBatch(ctx, batch)
	var inserted int64
	for range events {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return inserted, err
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return inserted, err
	}
	return inserted, tx.Commit(ctx)
}
