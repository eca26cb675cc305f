package shared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validTick() MarketTick {
	return MarketTick{
		Time:   time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC),
		Ticker: "NVDA",
		Open:   100, High: 102, Low: 99, Close: 101,
		Volume: 5000,
	}
}

func TestMarketTickValidate(t *testing.T) {
	assert.NoError(t, validTick().Validate())

	cases := []struct {
		name   string
		mutate func(*MarketTick)
	}{
		{"empty ticker", func(m *MarketTick) { m.Ticker = "" }},
		{"zero time", func(m *MarketTick) { m.Time = time.Time{} }},
		{"zero price", func(m *MarketTick) { m.Close = 0 }},
		{"negative price", func(m *MarketTick) { m.Open = -1 }},
		{"high below close", func(m *MarketTick) { m.High = 100.5 }},
		{"high below open", func(m *MarketTick) { m.Open = 103 }},
		{"low above open", func(m *MarketTick) { m.Low = 100.5 }},
		{"low above close", func(m *MarketTick) { m.Close = 98 }},
		{"negative volume", func(m *MarketTick) { m.Volume = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tk := validTick()
			tc.mutate(&tk)
			assert.ErrorIs(t, tk.Validate(), ErrBadTick)
		})
	}
}

func TestMarketTickNormalize(t *testing.T) {
	tk := validTick()
	tk.Ticker = " nvda "
	tk.Normalize()
	assert.Equal(t, "NVDA", tk.Ticker)
	assert.Equal(t, time.UTC, tk.Time.Location())
}

func validEvent() NewsEvent {
	return NewsEvent{
		EventID:     "finnhub_nvda_001",
		Ticker:      "NVDA",
		PublishedAt: time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC),
		Headline:    "NVDA announces results",
		Source:      "Reuters",
	}
}

func TestNewsEventValidate(t *testing.T) {
	assert.NoError(t, validEvent().Validate())

	score := 0.5
	ev := validEvent()
	ev.SentimentScore = &score
	assert.NoError(t, ev.Validate())

	bad := 1.5
	ev.SentimentScore = &bad
	assert.ErrorIs(t, ev.Validate(), ErrBadEvent)

	ev = validEvent()
	ev.Headline = "   "
	assert.ErrorIs(t, ev.Validate(), ErrBadEvent)

	ev = validEvent()
	ev.EventID = ""
	assert.ErrorIs(t, ev.Validate(), ErrBadEvent)
}

func TestNewsEventNormalize(t *testing.T) {
	ev := validEvent()
	ev.Ticker = "nvda"
	ev.Normalize()
	assert.Equal(t, "NVDA", ev.Ticker)
}

func TestValidTickLowEqualBoundary(t *testing.T) {
	tk := validTick()
	tk.Low = 100 // equal to open is allowed
	tk.High = 101
	assert.NoError(t, tk.Validate())
}
