package impact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"newsquake/pkg/shared"
)

// DefaultBatchSize bounds memory and transaction size for result upserts.
const DefaultBatchSize = 1000

// Sink persists computed impact records. Implementations must upsert by
// event_id and commit each call atomically: a failed call leaves no partial
// batch behind, so a failed run is recoverable by re-running incrementally.
type Sink interface {
	UpsertImpacts(ctx context.Context, recs []shared.ImpactRecord) error
}

// Tally counts per-event outcomes for one run. Every event lands in exactly
// one bucket; nothing is dropped silently.
type Tally struct {
	Computed     int
	NoHistory    int
	NoFutureData int
	EmptyWindow  int
	NoTickerData int
}

func (t Tally) Skipped() int {
	return t.NoHistory + t.NoFutureData + t.EmptyWindow + t.NoTickerData
}

func (t Tally) Total() int { return t.Computed + t.Skipped() }

func (t *Tally) add(o Tally) {
	t.Computed += o.Computed
	t.NoHistory += o.NoHistory
	t.NoFutureData += o.NoFutureData
	t.EmptyWindow += o.EmptyWindow
	t.NoTickerData += o.NoTickerData
}

func (t Tally) String() string {
	return fmt.Sprintf("computed=%d no_history=%d no_future_data=%d empty_window=%d no_ticker_data=%d",
		t.Computed, t.NoHistory, t.NoFutureData, t.EmptyWindow, t.NoTickerData)
}

// Processor runs the impact computation over a set of events and ticks.
// Full recompute and incremental retry are the same algorithm: the caller
// decides which events to feed in (all, or only those lacking a record).
// Re-running over the same inputs upserts the same rows.
type Processor struct {
	// BatchSize is the upsert batch size; DefaultBatchSize when <= 0.
	BatchSize int

	// Workers bounds concurrent ticker partitions; sequential when <= 1.
	// Partitions share no mutable state, so this is purely a speed knob.
	Workers int

	Sink Sink
	Log  shared.Logger
}

// Run partitions ticks by ticker, processes each ticker's events in
// ascending published order, and streams computed records to the sink in
// atomic batches. Returns the outcome tally. A sink failure aborts the run;
// batches already committed stay valid.
func (p *Processor) Run(ctx context.Context, events []shared.NewsEvent, ticks []shared.MarketTick) (Tally, error) {
	if p.Sink == nil {
		return Tally{}, errors.New("impact: processor requires a sink")
	}
	series := Partition(ticks)
	byTicker := groupEvents(events)

	tickers := make([]string, 0, len(byTicker))
	for tk := range byTicker {
		tickers = append(tickers, tk)
	}
	sort.Strings(tickers)

	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(tickers) {
		workers = len(tickers)
	}
	if workers == 0 {
		return Tally{}, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan string)
	results := make(chan tickerResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(runCtx, cancel, work, byTicker, series, results)
		}()
	}

feed:
	for _, tk := range tickers {
		select {
		case work <- tk:
		case <-runCtx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()
	close(results)

	var tally Tally
	var firstErr error
	for res := range results {
		tally.add(res.tally)
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
	}
	if firstErr == nil && ctx.Err() != nil {
		firstErr = ctx.Err()
	}
	return tally, firstErr
}

type tickerResult struct {
	tally Tally
	err   error
}

// runWorker drains tickers off the work channel, batching records across
// tickers. Each worker owns its batch; a sink error cancels the run.
func (p *Processor) runWorker(
	ctx context.Context,
	cancel context.CancelFunc,
	work <-chan string,
	byTicker map[string][]shared.NewsEvent,
	series map[string]*Series,
	results chan<- tickerResult,
) {
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	var res tickerResult
	batch := make([]shared.ImpactRecord, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.Sink.UpsertImpacts(ctx, batch); err != nil {
			return fmt.Errorf("impact: upsert batch of %d: %w", len(batch), err)
		}
		batch = batch[:0]
		return nil
	}

	for tk := range work {
		if ctx.Err() != nil {
			break
		}
		var local Tally
		s, ok := series[tk]
		if !ok || len(s.Ticks) == 0 {
			local.NoTickerData = len(byTicker[tk])
			if p.Log != nil {
				p.Log.Printf("ticker=%s skipped=%d reason=no_ticker_data", tk, local.NoTickerData)
			}
			res.tally.add(local)
			continue
		}
		for _, ev := range byTicker[tk] {
			rec, err := Compute(ev, s)
			switch {
			case err == nil:
				local.Computed++
				batch = append(batch, *rec)
				if len(batch) >= batchSize {
					if err := flush(); err != nil {
						res.err = err
						cancel()
						results <- res
						return
					}
				}
			case errors.Is(err, ErrNoHistory):
				local.NoHistory++
			case errors.Is(err, ErrNoFutureData):
				local.NoFutureData++
			case errors.Is(err, ErrEmptyWindow):
				local.EmptyWindow++
			}
		}
		if p.Log != nil && local.Skipped() > 0 {
			p.Log.Printf("ticker=%s %s", tk, local)
		}
		res.tally.add(local)
	}
	if err := flush(); err != nil && res.err == nil {
		res.err = err
		cancel()
	}
	results <- res
}

// groupEvents partitions events by ticker, keeping each group in ascending
// published order. Callers feed events already time-ordered; the sort keeps
// the guarantee when they do not.
func groupEvents(events []shared.NewsEvent) map[string][]shared.NewsEvent {
	byTicker := make(map[string][]shared.NewsEvent)
	for _, ev := range events {
		byTicker[ev.Ticker] = append(byTicker[ev.Ticker], ev)
	}
	for _, evs := range byTicker {
		sort.SliceStable(evs, func(i, j int) bool {
			return evs[i].PublishedAt.Before(evs[j].PublishedAt)
		})
	}
	return byTicker
}
