package impact

import (
	"errors"
	"time"

	"newsquake/pkg/shared"
)

// ReactionWindow is how long after the reaction start the impact is measured.
const ReactionWindow = 30 * time.Minute

// Per-event skip conditions. All are non-fatal: the orchestrator counts them
// and moves on.
var (
	// ErrNoHistory: no tick exists before the event, so there is no
	// pre-event price to measure against.
	ErrNoHistory = errors.New("no market data before event")

	// ErrNoFutureData: no tick exists at or after the event yet. The event
	// may become computable once newer market data is ingested.
	ErrNoFutureData = errors.New("no market data at or after event")

	// ErrEmptyWindow: a reaction start exists but no ticks fall inside the
	// reaction window. Cannot happen when the reaction start itself is in
	// range, kept as a guard against sparse data at the end of a series.
	ErrEmptyWindow = errors.New("no market data in reaction window")
)

// Window is the market context surrounding one news event.
type Window struct {
	// PreEvent is the last tick strictly before the publish time. Its close
	// is the pre-news price and it anchors the trailing volume baseline.
	PreEvent shared.MarketTick

	// preEventIdx is PreEvent's position in the series, for baseline lookups.
	preEventIdx int

	// Ticks spans [reaction start, reaction start + ReactionWindow]
	// inclusive. The reaction start is the first tick at or after the
	// publish time: an event landing in an overnight or weekend gap is
	// measured from the next session's first tick, never interpolated.
	Ticks []shared.MarketTick
}

// Locate finds the pre-event tick and the reaction window for an event
// published at the given time.
func (s *Series) Locate(publishedAt time.Time) (Window, error) {
	preIdx, ok := s.lastBefore(publishedAt)
	if !ok {
		return Window{}, ErrNoHistory
	}
	startIdx := s.firstAtOrAfter(publishedAt)
	if startIdx == len(s.Ticks) {
		return Window{}, ErrNoFutureData
	}
	start := s.Ticks[startIdx].Time
	ticks := s.between(start, start.Add(ReactionWindow))
	if len(ticks) == 0 {
		return Window{}, ErrEmptyWindow
	}
	return Window{
		PreEvent:    s.Ticks[preIdx],
		preEventIdx: preIdx,
		Ticks:       ticks,
	}, nil
}
