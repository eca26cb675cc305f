package impact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsquake/pkg/shared"
)

func denseSeries(from, to int) *Series {
	var ticks []shared.MarketTick
	for m := from; m <= to; m++ {
		ticks = append(ticks, minuteTick("NVDA", m, 100+float64(m)*0.1, 100))
	}
	return Partition(ticks)["NVDA"]
}

func TestLocateHappyPath(t *testing.T) {
	s := denseSeries(0, 60)
	w, err := s.Locate(base.Add(5*time.Minute + 30*time.Second))
	require.NoError(t, err)

	assert.Equal(t, base.Add(5*time.Minute), w.PreEvent.Time, "pre-event is the last tick strictly before publish")
	require.NotEmpty(t, w.Ticks)
	assert.Equal(t, base.Add(6*time.Minute), w.Ticks[0].Time, "reaction starts at the first tick at/after publish")
	assert.Equal(t, base.Add(36*time.Minute), w.Ticks[len(w.Ticks)-1].Time, "window closes 30 minutes after reaction start, inclusive")
	assert.Len(t, w.Ticks, 31)
}

func TestLocateExactTimestampBoundary(t *testing.T) {
	s := denseSeries(0, 60)
	w, err := s.Locate(base.Add(10 * time.Minute))
	require.NoError(t, err)

	// An event published exactly at a tick's timestamp reacts at that tick.
	assert.Equal(t, base.Add(10*time.Minute), w.Ticks[0].Time)
	assert.Equal(t, base.Add(9*time.Minute), w.PreEvent.Time)
}

func TestLocateNoHistory(t *testing.T) {
	s := denseSeries(0, 60)
	_, err := s.Locate(base.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrNoHistory)

	// Publishing exactly at the first tick also has no strict predecessor.
	_, err = s.Locate(base)
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestLocateNoFutureData(t *testing.T) {
	s := denseSeries(0, 60)
	_, err := s.Locate(base.Add(2 * time.Hour))
	assert.ErrorIs(t, err, ErrNoFutureData)
}

func TestLocateSpansCalendarGap(t *testing.T) {
	// Friday close at minute 0..30, then a weekend-sized hole, then Monday.
	var ticks []shared.MarketTick
	for m := 0; m <= 30; m++ {
		ticks = append(ticks, minuteTick("NVDA", m, 100, 100))
	}
	monday := base.Add(63 * time.Hour)
	for m := 0; m <= 40; m++ {
		tk := minuteTick("NVDA", 0, 105, 100)
		tk.Time = monday.Add(time.Duration(m) * time.Minute)
		ticks = append(ticks, tk)
	}
	s := Partition(ticks)["NVDA"]

	// Event lands Saturday: reaction defers to Monday's first tick.
	w, err := s.Locate(base.Add(30 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, base.Add(30*time.Minute), w.PreEvent.Time)
	assert.Equal(t, monday, w.Ticks[0].Time)
}
