package impact

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsquake/pkg/shared"
)

// fakeSink records upserts keyed by event_id, mimicking the idempotent
// database conflict policy.
type fakeSink struct {
	mu      sync.Mutex
	rows    map[string]shared.ImpactRecord
	batches []int
	failOn  int // fail the nth upsert call (1-based), 0 disables
	calls   int
}

func newFakeSink() *fakeSink {
	return &fakeSink{rows: make(map[string]shared.ImpactRecord)}
}

func (f *fakeSink) UpsertImpacts(_ context.Context, recs []shared.ImpactRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn > 0 && f.calls == f.failOn {
		return errors.New("sink unavailable")
	}
	f.batches = append(f.batches, len(recs))
	for _, r := range recs {
		f.rows[r.EventID] = r
	}
	return nil
}

func (f *fakeSink) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.rows))
	for id := range f.rows {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func eventsFor(ticker string, minutes ...int) []shared.NewsEvent {
	out := make([]shared.NewsEvent, 0, len(minutes))
	for i, m := range minutes {
		out = append(out, shared.NewsEvent{
			EventID:     ticker + "-" + string(rune('a'+i)),
			Ticker:      ticker,
			PublishedAt: base.Add(time.Duration(m) * time.Minute),
			Headline:    "headline",
			Source:      "test",
		})
	}
	return out
}

func denseTicks(ticker string, from, to int) []shared.MarketTick {
	var ticks []shared.MarketTick
	for m := from; m <= to; m++ {
		ticks = append(ticks, minuteTick(ticker, m, 100+float64(m)*0.1, 100))
	}
	return ticks
}

func TestProcessorTallyAndSkips(t *testing.T) {
	ticks := denseTicks("NVDA", 0, 90)
	events := eventsFor("NVDA", 5, 10)                         // computable
	events = append(events, eventsFor("NVDA", -10)...)         // before history
	events = append(events, eventsFor("NVDA", 200)...)         // after all ticks
	events = append(events, eventsFor("MSFT", 5)...)           // no ticks at all
	events[len(events)-2].EventID = "NVDA-late"                // disambiguate ids
	events[len(events)-3].EventID = "NVDA-early"

	sink := newFakeSink()
	p := &Processor{Sink: sink, Workers: 2}
	tally, err := p.Run(context.Background(), events, ticks)
	require.NoError(t, err)

	assert.Equal(t, 2, tally.Computed)
	assert.Equal(t, 1, tally.NoHistory)
	assert.Equal(t, 1, tally.NoFutureData)
	assert.Equal(t, 1, tally.NoTickerData)
	assert.Equal(t, len(events), tally.Total(), "every event is counted exactly once")
	assert.Len(t, sink.rows, 2)
}

func TestProcessorIdempotent(t *testing.T) {
	ticks := denseTicks("NVDA", 0, 90)
	events := eventsFor("NVDA", 5, 10, 20)

	sink := newFakeSink()
	p := &Processor{Sink: sink}

	first, err := p.Run(context.Background(), events, ticks)
	require.NoError(t, err)
	rowsAfterFirst := sink.ids()

	second, err := p.Run(context.Background(), events, ticks)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, rowsAfterFirst, sink.ids(), "re-running upserts the same set, no duplicates, no drift")
	assert.Len(t, sink.rows, 3)
}

func TestProcessorMonotonicRecoverability(t *testing.T) {
	// First run: the event postdates all market data and is skipped.
	ticks := denseTicks("NVDA", 0, 10)
	events := eventsFor("NVDA", 20)

	sink := newFakeSink()
	p := &Processor{Sink: sink}
	tally, err := p.Run(context.Background(), events, ticks)
	require.NoError(t, err)
	assert.Equal(t, 1, tally.NoFutureData)
	assert.Empty(t, sink.rows)

	// Newer ticks arrive; re-running computes the previously skipped event.
	ticks = append(ticks, denseTicks("NVDA", 11, 90)...)
	tally, err = p.Run(context.Background(), events, ticks)
	require.NoError(t, err)
	assert.Equal(t, 1, tally.Computed)
	assert.Len(t, sink.rows, 1)
}

func TestProcessorBatchSize(t *testing.T) {
	ticks := denseTicks("NVDA", 0, 300)
	var events []shared.NewsEvent
	for m := 5; m < 205; m++ {
		events = append(events, shared.NewsEvent{
			EventID:     "ev-" + strconv.Itoa(m),
			Ticker:      "NVDA",
			PublishedAt: base.Add(time.Duration(m) * time.Minute),
			Headline:    "headline",
			Source:      "test",
		})
	}

	sink := newFakeSink()
	p := &Processor{Sink: sink, BatchSize: 50}
	tally, err := p.Run(context.Background(), events, ticks)
	require.NoError(t, err)
	assert.Equal(t, 200, tally.Computed)

	for _, n := range sink.batches {
		assert.LessOrEqual(t, n, 50)
	}
	assert.GreaterOrEqual(t, len(sink.batches), 4)
}

func TestProcessorSinkFailureAborts(t *testing.T) {
	ticks := denseTicks("NVDA", 0, 300)
	var events []shared.NewsEvent
	for m := 5; m < 105; m++ {
		events = append(events, shared.NewsEvent{
			EventID:     "ev-" + strconv.Itoa(m),
			Ticker:      "NVDA",
			PublishedAt: base.Add(time.Duration(m) * time.Minute),
			Headline:    "headline",
			Source:      "test",
		})
	}

	sink := newFakeSink()
	sink.failOn = 2
	p := &Processor{Sink: sink, BatchSize: 10}
	_, err := p.Run(context.Background(), events, ticks)
	require.Error(t, err)

	// Batches before the failure stay committed; re-running incrementally
	// is how the remainder gets picked up.
	assert.NotEmpty(t, sink.rows)
	assert.Less(t, len(sink.rows), 100)
}

func TestProcessorRequiresSink(t *testing.T) {
	p := &Processor{}
	_, err := p.Run(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestProcessorTickerPartitionsIsolated(t *testing.T) {
	// MSFT's history must never satisfy an NVDA event.
	ticks := denseTicks("MSFT", 0, 90)
	events := eventsFor("NVDA", 5)

	sink := newFakeSink()
	p := &Processor{Sink: sink}
	tally, err := p.Run(context.Background(), events, ticks)
	require.NoError(t, err)
	assert.Equal(t, 1, tally.NoTickerData)
	assert.Empty(t, sink.rows)
}
