package shared

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NewsEvent is one financial news item tied to a ticker. Immutable once
// ingested; the impact engine reads these but never writes them.
type NewsEvent struct {
	EventID        string    `json:"event_id"`
	Ticker         string    `json:"ticker"`
	PublishedAt    time.Time `json:"published_at"`
	Headline       string    `json:"headline"`
	Source         string    `json:"source"`
	SentimentScore *float64  `json:"sentiment_score,omitempty"`
}

// MarketTick is one 1-minute OHLCV bar. Unique per (ticker, time).
type MarketTick struct {
	Time   time.Time `json:"time"`
	Ticker string    `json:"ticker"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// ImpactRecord is the derived per-event impact row, one-to-one with a
// NewsEvent. Re-running the engine overwrites the metric fields and
// preserves the event metadata.
type ImpactRecord struct {
	EventID             string    `json:"event_id"`
	Ticker              string    `json:"ticker"`
	PublishedAt         time.Time `json:"published_at"`
	Headline            string    `json:"headline"`
	Source              string    `json:"source"`
	SentimentScore      *float64  `json:"sentiment_score,omitempty"`
	PriceAtNews         float64   `json:"price_at_news"`
	VolumeAtNews        int64     `json:"volume_at_news"`
	Price30mAfter       float64   `json:"price_30min_after"`
	PriceImpactPct      float64   `json:"price_impact_pct"`
	Volume30mTotal      int64     `json:"volume_30min_total"`
	VolumeBaselineAvg   *float64  `json:"volume_baseline_avg,omitempty"`
	VolumeSpikeRatio    *float64  `json:"volume_spike_ratio,omitempty"`
	High30m             float64   `json:"high_30min"`
	Low30m              float64   `json:"low_30min"`
	VolatilityImpactPct float64   `json:"volatility_impact_pct"`
}

var (
	ErrBadTick  = errors.New("invalid market tick")
	ErrBadEvent = errors.New("invalid news event")
)

// Validate enforces the ingestion-boundary invariants for a tick. Violating
// ticks are rejected before storage; the impact engine never sees them.
func (t MarketTick) Validate() error {
	if t.Ticker == "" {
		return fmt.Errorf("%w: empty ticker", ErrBadTick)
	}
	if t.Time.IsZero() {
		return fmt.Errorf("%w: zero time", ErrBadTick)
	}
	if t.Open <= 0 || t.High <= 0 || t.Low <= 0 || t.Close <= 0 {
		return fmt.Errorf("%w: non-positive price", ErrBadTick)
	}
	if t.High < t.Open || t.High < t.Close {
		return fmt.Errorf("%w: high below open/close", ErrBadTick)
	}
	if t.Low > t.Open || t.Low > t.Close {
		return fmt.Errorf("%w: low above open/close", ErrBadTick)
	}
	if t.Volume < 0 {
		return fmt.Errorf("%w: negative volume", ErrBadTick)
	}
	return nil
}

// Normalize uppercases the ticker in place.
func (t *MarketTick) Normalize() {
	t.Ticker = strings.ToUpper(strings.TrimSpace(t.Ticker))
	t.Time = t.Time.UTC()
}

// Validate enforces the ingestion-boundary invariants for a news event.
func (e NewsEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: empty event_id", ErrBadEvent)
	}
	if e.Ticker == "" {
		return fmt.Errorf("%w: empty ticker", ErrBadEvent)
	}
	if e.PublishedAt.IsZero() {
		return fmt.Errorf("%w: zero published_at", ErrBadEvent)
	}
	if strings.TrimSpace(e.Headline) == "" {
		return fmt.Errorf("%w: empty headline", ErrBadEvent)
	}
	if e.SentimentScore != nil && (*e.SentimentScore < -1 || *e.SentimentScore > 1) {
		return fmt.Errorf("%w: sentiment_score out of [-1,1]", ErrBadEvent)
	}
	return nil
}

// Normalize uppercases the ticker in place.
func (e *NewsEvent) Normalize() {
	e.Ticker = strings.ToUpper(strings.TrimSpace(e.Ticker))
	e.PublishedAt = e.PublishedAt.UTC()
}
