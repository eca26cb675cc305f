// Package impact derives per-event market impact metrics from news events
// and 1-minute OHLCV ticks. The engine is a pure function of
// (event, ordered tick series for the event's ticker): it owns no state and
// its output is deterministic and safe to recompute.
package impact

import (
	"sort"
	"time"

	"newsquake/pkg/shared"
)

// Series is one ticker's ticks in strictly ascending time order.
// All lookups are binary searches; nothing here scans linearly.
type Series struct {
	Ticks []shared.MarketTick
}

// Partition groups ticks by ticker into independently owned, time-sorted
// series. Duplicate (ticker, time) keys collapse to the first occurrence.
// Each returned series shares no state with any other, so callers may
// process partitions concurrently.
func Partition(ticks []shared.MarketTick) map[string]*Series {
	byTicker := make(map[string]*Series)
	for _, t := range ticks {
		s, ok := byTicker[t.Ticker]
		if !ok {
			s = &Series{}
			byTicker[t.Ticker] = s
		}
		s.Ticks = append(s.Ticks, t)
	}
	for _, s := range byTicker {
		sort.SliceStable(s.Ticks, func(i, j int) bool {
			return s.Ticks[i].Time.Before(s.Ticks[j].Time)
		})
		s.dedupe()
	}
	return byTicker
}

// dedupe removes ticks sharing a timestamp, keeping the first. Assumes the
// slice is already sorted by time.
func (s *Series) dedupe() {
	if len(s.Ticks) < 2 {
		return
	}
	out := s.Ticks[:1]
	for _, t := range s.Ticks[1:] {
		if t.Time.Equal(out[len(out)-1].Time) {
			continue
		}
		out = append(out, t)
	}
	s.Ticks = out
}

// firstAtOrAfter returns the index of the first tick with time >= ts,
// or len(Ticks) if none exists.
func (s *Series) firstAtOrAfter(ts time.Time) int {
	return sort.Search(len(s.Ticks), func(i int) bool {
		return !s.Ticks[i].Time.Before(ts)
	})
}

// lastBefore returns the index of the last tick with time < ts and true,
// or -1 and false if no tick precedes ts.
func (s *Series) lastBefore(ts time.Time) (int, bool) {
	i := s.firstAtOrAfter(ts)
	if i == 0 {
		return -1, false
	}
	return i - 1, true
}

// between returns the ticks with from <= time <= to as a subslice.
func (s *Series) between(from, to time.Time) []shared.MarketTick {
	lo := s.firstAtOrAfter(from)
	hi := s.firstAtOrAfter(to.Add(time.Nanosecond))
	return s.Ticks[lo:hi]
}
