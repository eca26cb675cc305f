// impact_builder computes news impact metrics over the stored events and
// 1-minute market ticks and upserts them into news_impact_analysis.
//
// One binary covers both operating modes: IMPACT_MODE=full reprocesses every
// event, IMPACT_MODE=incremental (the default) only processes events that
// have no impact row yet. Both are the same idempotent algorithm; the mode
// only changes which events get loaded.
package main

import (
	"context"
	"encoding/json"
	"math"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"

	"newsquake/pkg/impact"
	"newsquake/pkg/shared"
	"newsquake/pkg/store"
)

type Config struct {
	PG      shared.PostgresConfig
	Kafka   shared.KafkaConfig
	Metrics shared.MetricsConfig

	Mode       string `envconfig:"IMPACT_MODE" default:"incremental"`
	BatchSize  int    `envconfig:"IMPACT_BATCH_SIZE" default:"1000"`
	Workers    int    `envconfig:"IMPACT_WORKERS" default:"4"`
	OutTopic   string `envconfig:"IMPACT_TOPIC" default:""`
	InitSchema bool   `envconfig:"INIT_SCHEMA" default:"true"`
}

type metrics struct {
	events    *prometheus.CounterVec
	written   prometheus.Counter
	published prometheus.Counter
}

func newMetrics() metrics {
	return metrics{
		events: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "impact_events_total",
			Help: "News events by processing outcome",
		}, []string{"result"}),
		written: shared.NewCounter(prometheus.CounterOpts{
			Name: "impact_records_written_total",
			Help: "Impact rows upserted",
		}),
		published: shared.NewCounter(prometheus.CounterOpts{
			Name: "impact_records_published_total",
			Help: "Impact records published to Kafka",
		}),
	}
}

// runStats accumulates the end-of-run summary across workers.
type runStats struct {
	mu         sync.Mutex
	n          int
	priceSum   float64
	priceMin   float64
	priceMax   float64
	volSum     float64
	spikeSum   float64
	spikeCount int
}

func (s *runStats) observe(recs []shared.ImpactRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		if s.n == 0 {
			s.priceMin, s.priceMax = r.PriceImpactPct, r.PriceImpactPct
		}
		s.n++
		s.priceSum += r.PriceImpactPct
		s.priceMin = math.Min(s.priceMin, r.PriceImpactPct)
		s.priceMax = math.Max(s.priceMax, r.PriceImpactPct)
		s.volSum += r.VolatilityImpactPct
		if r.VolumeSpikeRatio != nil {
			s.spikeSum += *r.VolumeSpikeRatio
			s.spikeCount++
		}
	}
}

func (s *runStats) report(log shared.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return
	}
	log.Printf("price impact pct: mean=%.2f min=%.2f max=%.2f", s.priceSum/float64(s.n), s.priceMin, s.priceMax)
	log.Printf("volatility impact pct: mean=%.2f", s.volSum/float64(s.n))
	if s.spikeCount > 0 {
		log.Printf("volume spike ratio: mean=%.2fx (defined for %d of %d records)",
			s.spikeSum/float64(s.spikeCount), s.spikeCount, s.n)
	}
}

// publishingSink wraps the store sink: after a batch commits it updates the
// run stats and, when configured, publishes the records to Kafka.
type publishingSink struct {
	store    impact.Sink
	producer shared.Producer
	m        metrics
	stats    *runStats
	log      shared.Logger
}

func (p *publishingSink) UpsertImpacts(ctx context.Context, recs []shared.ImpactRecord) error {
	if err := p.store.UpsertImpacts(ctx, recs); err != nil {
		return err
	}
	p.m.written.Add(float64(len(recs)))
	p.stats.observe(recs)

	if p.producer == nil {
		return nil
	}
	records := make([]shared.Record, 0, len(recs))
	for _, r := range recs {
		raw, err := json.Marshal(r)
		if err != nil {
			continue
		}
		records = append(records, shared.Record{
			Key:   []byte(r.Ticker),
			Value: raw,
			Time:  time.Now().UTC(),
		})
	}
	if len(records) == 0 {
		return nil
	}
	// Publishing is best effort: the rows are already committed.
	if err := p.producer.ProduceBatch(ctx, records); err != nil {
		p.log.Printf("[builder] kafka publish failed: %v", err)
		return nil
	}
	p.m.published.Add(float64(len(records)))
	return nil
}

func main() {
	var cfg Config
	envconfig.MustProcess("", &cfg)
	logger := shared.NewLogger("builder")
	m := newMetrics()
	shared.NewMetricsServer(cfg.Metrics.Port).Start()

	ctx, stopSig := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSig()

	db, err := shared.NewPgxPool(ctx, cfg.PG)
	if err != nil {
		logger.Fatalf("db init: %v", err)
	}
	defer db.Close()

	st := store.New(db, logger)
	if cfg.InitSchema {
		if err := st.InitSchema(ctx); err != nil {
			logger.Fatalf("schema init: %v", err)
		}
	}

	onlyMissing := !strings.EqualFold(cfg.Mode, "full")
	events, err := st.LoadNewsEvents(ctx, onlyMissing)
	if err != nil {
		logger.Fatalf("load events: %v", err)
	}
	logger.Printf("loaded %d news events (mode=%s)", len(events), cfg.Mode)
	if len(events) == 0 {
		logger.Printf("nothing to do")
		return
	}

	ticks, err := st.LoadMarketTicks(ctx)
	if err != nil {
		logger.Fatalf("load ticks: %v", err)
	}
	logger.Printf("loaded %d market ticks", len(ticks))

	sink := &publishingSink{store: st, m: m, stats: &runStats{}, log: logger}
	if cfg.OutTopic != "" {
		producer, err := shared.NewProducer(cfg.Kafka, cfg.OutTopic)
		if err != nil {
			logger.Fatalf("producer init: %v", err)
		}
		defer producer.Close()
		sink.producer = producer
	}

	proc := &impact.Processor{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Sink:      sink,
		Log:       logger,
	}
	start := time.Now()
	tally, err := proc.Run(ctx, events, ticks)
	if err != nil {
		logger.Fatalf("impact run failed after %s (%s): %v", time.Since(start).Round(time.Millisecond), tally, err)
	}

	m.events.WithLabelValues("computed").Add(float64(tally.Computed))
	m.events.WithLabelValues("no_history").Add(float64(tally.NoHistory))
	m.events.WithLabelValues("no_future_data").Add(float64(tally.NoFutureData))
	m.events.WithLabelValues("empty_window").Add(float64(tally.EmptyWindow))
	m.events.WithLabelValues("no_ticker_data").Add(float64(tally.NoTickerData))

	logger.Printf("done in %s: %s", time.Since(start).Round(time.Millisecond), tally)
	sink.stats.report(logger)
}
