// market_loader consumes market ticks and news events from Kafka, enforces
// the ingestion-boundary invariants, and upserts valid records into
// TimescaleDB. Records violating the data model (bad OHLC geometry, empty
// headlines, out-of-range sentiment) are rejected and counted here so the
// impact engine never has to defend against them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"

	"newsquake/pkg/shared"
	"newsquake/pkg/store"
)

type Config struct {
	Kafka   shared.KafkaConfig
	PG      shared.PostgresConfig
	Metrics shared.MetricsConfig
	Batch   shared.BatchConfig

	TickTopic string `envconfig:"TICKS_TOPIC" default:"market.ticks"`
	NewsTopic string `envconfig:"NEWS_TOPIC" default:"news.events"`
}

type metrics struct {
	consumed *prometheus.CounterVec
	rejected *prometheus.CounterVec
	inserted *prometheus.CounterVec
}

func newMetrics() metrics {
	return metrics{
		consumed: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "loader_messages_total",
			Help: "Messages consumed by topic",
		}, []string{"topic"}),
		rejected: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "loader_rejected_total",
			Help: "Records rejected at the ingestion boundary",
		}, []string{"kind"}),
		inserted: shared.NewCounterVec(prometheus.CounterOpts{
			Name: "loader_inserted_total",
			Help: "New rows inserted",
		}, []string{"kind"}),
	}
}

// loader buffers records per kind and flushes them in idempotent batches.
// Offsets are committed only after the batch that contains them committed,
// so a crash replays messages into ON CONFLICT DO NOTHING inserts.
type loader struct {
	cfg      Config
	st       *store.Store
	consumer shared.Consumer
	log      shared.Logger
	m        metrics

	ticks     []shared.MarketTick
	events    []shared.NewsEvent
	pending   map[string]*shared.Message // highest offset per topic/partition
	lastFlush time.Time
}

func (l *loader) handle(msg *shared.Message) {
	l.m.consumed.WithLabelValues(msg.Topic).Inc()
	switch msg.Topic {
	case l.cfg.TickTopic:
		var t shared.MarketTick
		if err := json.Unmarshal(msg.Value, &t); err != nil {
			l.m.rejected.WithLabelValues("tick").Inc()
			return
		}
		t.Normalize()
		if err := t.Validate(); err != nil {
			l.m.rejected.WithLabelValues("tick").Inc()
			l.log.Printf("[loader] rejected tick %s@%s: %v", t.Ticker, t.Time.Format(time.RFC3339), err)
			return
		}
		l.ticks = append(l.ticks, t)
	case l.cfg.NewsTopic:
		var e shared.NewsEvent
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			l.m.rejected.WithLabelValues("news").Inc()
			return
		}
		e.Normalize()
		if err := e.Validate(); err != nil {
			l.m.rejected.WithLabelValues("news").Inc()
			l.log.Printf("[loader] rejected news event %q: %v", e.EventID, err)
			return
		}
		l.events = append(l.events, e)
	default:
		return
	}
	l.track(msg)
}

func (l *loader) track(msg *shared.Message) {
	key := msg.Topic + "/" + strconv.Itoa(msg.Partition)
	if cur, ok := l.pending[key]; !ok || msg.Offset > cur.Offset {
		l.pending[key] = msg
	}
}

func (l *loader) due() bool {
	if len(l.ticks)+len(l.events) == 0 {
		return false
	}
	if len(l.ticks) >= l.cfg.Batch.BatchSize || len(l.events) >= l.cfg.Batch.BatchSize {
		return true
	}
	return time.Since(l.lastFlush) >= l.cfg.Batch.FlushGrace
}

func (l *loader) flush(ctx context.Context) error {
	if len(l.ticks) > 0 {
		n, err := l.st.UpsertMarketTicks(ctx, l.ticks)
		if err != nil {
			return err
		}
		l.m.inserted.WithLabelValues("tick").Add(float64(n))
		l.ticks = l.ticks[:0]
	}
	if len(l.events) > 0 {
		n, err := l.st.UpsertNewsEvents(ctx, l.events)
		if err != nil {
			return err
		}
		l.m.inserted.WithLabelValues("news").Add(float64(n))
		l.events = l.events[:0]
	}
	for key, msg := range l.pending {
		if err := l.consumer.Commit(msg); err != nil {
			l.log.Printf("[loader] commit %s failed: %v", key, err)
		}
		delete(l.pending, key)
	}
	l.lastFlush = time.Now()
	return nil
}

func main() {
	var cfg Config
	envconfig.MustProcess("", &cfg)
	logger := shared.NewLogger("loader")
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
	if err := st.InitSchema(ctx); err != nil {
		logger.Fatalf("schema init: %v", err)
	}

	consumer, err := shared.NewConsumer(cfg.Kafka, []string{cfg.TickTopic, cfg.NewsTopic})
	if err != nil {
		logger.Fatalf("consumer init: %v", err)
	}
	defer consumer.Close()

	l := &loader{
		cfg:       cfg,
		st:        st,
		consumer:  consumer,
		log:       logger,
		m:         m,
		pending:   make(map[string]*shared.Message),
		lastFlush: time.Now(),
	}

	logger.Printf("consuming ticks=%s news=%s batch=%d grace=%s",
		cfg.TickTopic, cfg.NewsTopic, cfg.Batch.BatchSize, cfg.Batch.FlushGrace)

loop:
	for {
		pollCtx, cancel := context.WithTimeout(ctx, cfg.Batch.FlushGrace)
		msg, err := consumer.Poll(pollCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				break loop
			}
			// Poll timeout with an idle topic still flushes what is buffered.
		} else {
			l.handle(msg)
		}
		if l.due() {
			if err := l.flush(ctx); err != nil {
				logger.Fatalf("flush failed: %v", err)
			}
		}
	}

	if err := l.flush(context.Background()); err != nil {
		logger.Printf("[loader] final flush failed: %v", err)
	}
	logger.Printf("loader shutdown")
}
