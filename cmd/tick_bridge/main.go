// tick_bridge turns a raw tick feed (Zerodha websocket, or a simulator when
// SIM_TICKS is set) into 1-minute OHLCV bars and publishes them to the
// market ticks topic for market_loader to persist.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"newsquake/pkg/shared"
)

type Config struct {
	Kafka   shared.KafkaConfig
	Metrics shared.MetricsConfig

	TickTopic   string `envconfig:"TICKS_TOPIC" default:"market.ticks"`
	TokensCSV   string `envconfig:"ZERODHA_TOKENS_CSV" default:"configs/tokens.csv"`
	APIKey      string `envconfig:"KITE_API_KEY"`
	AccessToken string `envconfig:"KITE_ACCESS_TOKEN"`

	SimTicks     bool    `envconfig:"SIM_TICKS" default:"false"`
	SimSymbols   string  `envconfig:"SIM_SYMBOLS" default:"NVDA,MSFT,GOOGL"`
	SimBasePrice float64 `envconfig:"SIM_BASE_PRICE" default:"250.0"`
	SimStepMs    int     `envconfig:"SIM_STEP_MS" default:"100"`
	SimVolMin    int64   `envconfig:"SIM_VOL_MIN" default:"1"`
	SimVolMax    int64   `envconfig:"SIM_VOL_MAX" default:"50"`

	FlushGrace time.Duration `envconfig:"BAR_FLUSH_GRACE" default:"2s"`
}

// rawTick is one trade print before bar aggregation.
type rawTick struct {
	Symbol string
	TS     time.Time
	Price  float64
	Vol    int64
}

// TickSource emits raw ticks.
type TickSource interface {
	Start(ctx context.Context, out chan<- rawTick) error
}

type bridgeMetrics struct {
	ticksIn   prometheus.Counter
	barsOut   prometheus.Counter
	dropped   prometheus.Counter
	openBars  prometheus.Gauge
	wsEvents  *prometheus.CounterVec
	flushSize prometheus.Histogram
}

func newMetrics() bridgeMetrics {
	return bridgeMetrics{
		ticksIn:  shared.NewCounter(prometheus.CounterOpts{Name: "bridge_ticks_total", Help: "Raw ticks received"}),
		barsOut:  shared.NewCounter(prometheus.CounterOpts{Name: "bridge_bars_published_total", Help: "Minute bars published"}),
		dropped:  shared.NewCounter(prometheus.CounterOpts{Name: "bridge_ticks_dropped_total", Help: "Ticks dropped due to full queue"}),
		openBars: shared.NewGauge(prometheus.GaugeOpts{Name: "bridge_open_bars", Help: "Open minute windows"}),
		wsEvents: shared.NewCounterVec(prometheus.CounterOpts{Name: "bridge_ws_events_total", Help: "Websocket lifecycle events"}, []string{"event"}),
		flushSize: shared.NewHist(prometheus.HistogramOpts{
			Name:    "bridge_flush_bars",
			Help:    "Bars per publish batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
	}
}

// KiteWSSource streams real ticks via the Zerodha websocket.
type KiteWSSource struct {
	apiKey      string
	accessToken string
	tokens      []uint32
	tokenToSym  map[uint32]string
	log         shared.Logger
	metrics     bridgeMetrics
}

func (k *KiteWSSource) Start(ctx context.Context, out chan<- rawTick) error {
	if len(k.tokens) == 0 {
		return errors.New("no tokens to subscribe")
	}
	t := kiteticker.New(k.apiKey, k.accessToken)

	t.OnError(func(err error) {
		k.log.Printf("[ws] error: %v", err)
		k.metrics.wsEvents.WithLabelValues("error").Inc()
	})
	t.OnClose(func(code int, reason string) {
		k.log.Printf("[ws] closed %d %s", code, reason)
		k.metrics.wsEvents.WithLabelValues("close").Inc()
	})
	t.OnReconnect(func(attempt int, delay time.Duration) {
		k.log.Printf("[ws] reconnecting attempt=%d delay=%s", attempt, delay)
		k.metrics.wsEvents.WithLabelValues("reconnect").Inc()
	})
	t.OnConnect(func() {
		k.log.Printf("[ws] connected; subscribing %d tokens", len(k.tokens))
		k.metrics.wsEvents.WithLabelValues("connect").Inc()
		for _, chunk := range chunkTokens(k.tokens, 200) {
			if err := t.Subscribe(chunk); err != nil {
				k.log.Printf("[ws] subscribe chunk failed: %v", err)
			}
			if err := t.SetMode(kiteticker.ModeLTP, chunk); err != nil {
				k.log.Printf("[ws] set mode failed: %v", err)
			}
		}
	})
	t.OnTick(func(tk kitemodels.Tick) {
		sym := k.tokenToSym[tk.InstrumentToken]
		if sym == "" {
			return
		}
		ts := tk.Timestamp.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		rt := rawTick{Symbol: sym, TS: ts.UTC(), Price: tk.LastPrice, Vol: int64(tk.VolumeTraded)}
		select {
		case out <- rt:
		default:
			k.metrics.dropped.Inc()
		}
	})

	go func() {
		<-ctx.Done()
		t.Stop()
	}()
	go t.ServeWithContext(ctx)
	return nil
}

func chunkTokens(tokens []uint32, size int) [][]uint32 {
	var out [][]uint32
	for len(tokens) > size {
		out = append(out, tokens[:size])
		tokens = tokens[size:]
	}
	if len(tokens) > 0 {
		out = append(out, tokens)
	}
	return out
}

// loadTokenMap reads "token,symbol" rows from the configured CSV.
func loadTokenMap(path string) (map[uint32]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]string, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		tok, err := strconv.ParseUint(strings.TrimSpace(row[0]), 10, 32)
		if err != nil {
			continue
		}
		out[uint32(tok)] = strings.ToUpper(strings.TrimSpace(row[1]))
	}
	return out, nil
}

// SimSource emits random-walk ticks for offline runs.
type SimSource struct {
	symbols   []string
	basePrice float64
	step      time.Duration
	volMin    int64
	volMax    int64
}

func (s *SimSource) Start(ctx context.Context, out chan<- rawTick) error {
	if len(s.symbols) == 0 {
		s.symbols = []string{"SIM"}
	}
	if s.step <= 0 {
		s.step = 100 * time.Millisecond
	}
	if s.basePrice <= 0 {
		s.basePrice = 100.0
	}
	if s.volMin <= 0 {
		s.volMin = 1
	}
	if s.volMax < s.volMin {
		s.volMax = s.volMin
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	prices := make(map[string]float64, len(s.symbols))
	for _, sym := range s.symbols {
		prices[sym] = s.basePrice * (0.95 + rng.Float64()*0.1)
	}

	go func() {
		ticker := time.NewTicker(s.step)
		defer ticker.Stop()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sym := s.symbols[rng.Intn(len(s.symbols))]
				price := prices[sym] * (1 + (rng.Float64()-0.5)*0.002)
				if price < 1.0 {
					price = 1.0
				}
				prices[sym] = price
				vol := s.volMin
				if s.volMax > s.volMin {
					vol += rng.Int63n(s.volMax - s.volMin + 1)
				}
				rt := rawTick{Symbol: sym, TS: time.Now().UTC(), Price: price, Vol: vol}
				select {
				case <-ctx.Done():
					return
				case out <- rt:
				}
			}
		}
	}()
	return nil
}

// barState is one symbol's open minute window.
type barState struct {
	Minute time.Time
	Bar    shared.MarketTick
}

// aggregator folds raw ticks into minute bars and publishes closed bars.
type aggregator struct {
	producer shared.Producer
	log      shared.Logger
	m        bridgeMetrics
	grace    time.Duration
	open     map[string]*barState
}

func (a *aggregator) handle(rt rawTick) {
	a.m.ticksIn.Inc()
	minute := rt.TS.Truncate(time.Minute)
	st, ok := a.open[rt.Symbol]
	if !ok {
		a.open[rt.Symbol] = &barState{Minute: minute, Bar: shared.MarketTick{
			Time: minute, Ticker: rt.Symbol,
			Open: rt.Price, High: rt.Price, Low: rt.Price, Close: rt.Price,
			Volume: rt.Vol,
		}}
		a.m.openBars.Set(float64(len(a.open)))
		return
	}
	if st.Minute.Equal(minute) {
		if rt.Price > st.Bar.High {
			st.Bar.High = rt.Price
		}
		if rt.Price < st.Bar.Low {
			st.Bar.Low = rt.Price
		}
		st.Bar.Close = rt.Price
		st.Bar.Volume += rt.Vol
		return
	}
	closed := st.Bar
	a.open[rt.Symbol] = &barState{Minute: minute, Bar: shared.MarketTick{
		Time: minute, Ticker: rt.Symbol,
		Open: rt.Price, High: rt.Price, Low: rt.Price, Close: rt.Price,
		Volume: rt.Vol,
	}}
	a.publish([]shared.MarketTick{closed})
}

// flushDue publishes windows whose minute has passed the grace period,
// or everything when force is set.
func (a *aggregator) flushDue(force bool) {
	if len(a.open) == 0 {
		return
	}
	now := time.Now().UTC()
	var out []shared.MarketTick
	for sym, st := range a.open {
		if !force && now.Before(st.Minute.Add(time.Minute+a.grace)) {
			continue
		}
		out = append(out, st.Bar)
		delete(a.open, sym)
	}
	a.m.openBars.Set(float64(len(a.open)))
	a.publish(out)
}

func (a *aggregator) publish(bars []shared.MarketTick) {
	if len(bars) == 0 {
		return
	}
	records := make([]shared.Record, 0, len(bars))
	for _, b := range bars {
		raw, err := json.Marshal(b)
		if err != nil {
			continue
		}
		records = append(records, shared.Record{Key: []byte(b.Ticker), Value: raw, Time: time.Now().UTC()})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.producer.ProduceBatch(ctx, records); err != nil {
		a.log.Printf("[bridge] publish failed: %v", err)
		return
	}
	a.m.flushSize.Observe(float64(len(records)))
	a.m.barsOut.Add(float64(len(records)))
}

func main() {
	var cfg Config
	envconfig.MustProcess("", &cfg)
	logger := shared.NewLogger("bridge")
	m := newMetrics()
	shared.NewMetricsServer(cfg.Metrics.Port).Start()

	ctx, stopSig := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSig()

	producer, err := shared.NewProducer(cfg.Kafka, cfg.TickTopic)
	if err != nil {
		logger.Fatalf("producer init: %v", err)
	}
	defer producer.Close()

	var source TickSource
	if cfg.SimTicks {
		source = &SimSource{
			symbols:   strings.Split(cfg.SimSymbols, ","),
			basePrice: cfg.SimBasePrice,
			step:      time.Duration(cfg.SimStepMs) * time.Millisecond,
			volMin:    cfg.SimVolMin,
			volMax:    cfg.SimVolMax,
		}
		logger.Printf("using simulated tick source symbols=%s", cfg.SimSymbols)
	} else {
		tokenToSym, err := loadTokenMap(cfg.TokensCSV)
		if err != nil {
			logger.Fatalf("load token map: %v", err)
		}
		tokens := make([]uint32, 0, len(tokenToSym))
		for tok := range tokenToSym {
			tokens = append(tokens, tok)
		}
		source = &KiteWSSource{
			apiKey:      cfg.APIKey,
			accessToken: cfg.AccessToken,
			tokens:      tokens,
			tokenToSym:  tokenToSym,
			log:         logger,
			metrics:     m,
		}
		logger.Printf("using kite websocket source tokens=%d", len(tokens))
	}

	ticks := make(chan rawTick, 16000)
	if err := source.Start(ctx, ticks); err != nil {
		logger.Fatalf("source start: %v", err)
	}

	agg := &aggregator{
		producer: producer,
		log:      logger,
		m:        m,
		grace:    cfg.FlushGrace,
		open:     make(map[string]*barState),
	}

	flushTicker := time.NewTicker(time.Second)
	defer flushTicker.Stop()

	logger.Printf("publishing minute bars to %s", cfg.TickTopic)
	for {
		select {
		case rt, ok := <-ticks:
			if !ok {
				agg.flushDue(true)
				logger.Printf("bridge shutdown")
				return
			}
			agg.handle(rt)
		case <-flushTicker.C:
			agg.flushDue(false)
		case <-ctx.Done():
			agg.flushDue(true)
			logger.Printf("bridge shutdown")
			return
		}
	}
}
