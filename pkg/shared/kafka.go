package shared

import (
	"context"
	"errors"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// Message is the internal broker message shape used by services.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// Record is the producer payload shape for batched writes.
type Record struct {
	Key   []byte
	Value []byte
	Time  time.Time
}

// Producer abstracts Kafka production to a single topic.
type Producer interface {
	ProduceBatch(ctx context.Context, records []Record) error
	Close()
}

// Consumer abstracts Kafka consumption.
type Consumer interface {
	Poll(ctx context.Context) (*Message, error)
	Commit(msg *Message) error
	Close()
}

// KafkaProducer implements Producer using segmentio/kafka-go.
type KafkaProducer struct {
	w *kafka.Writer
}

func NewProducer(cfg KafkaConfig, topic string) (*KafkaProducer, error) {
	if topic == "" {
		return nil, errors.New("producer topic required")
	}
	linger := cfg.LingerMS
	if linger < 0 {
		linger = 0
	}
	batchBytes := cfg.BatchBytes
	if batchBytes < 1 {
		batchBytes = 1
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.BrokerList()...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: writerAcks(cfg.ProducerAcks),
		BatchTimeout: time.Duration(linger) * time.Millisecond,
		BatchBytes:   int64(batchBytes),
	}
	return &KafkaProducer{w: w}, nil
}

func (k *KafkaProducer) ProduceBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	msgs := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		msgTime := rec.Time
		if msgTime.IsZero() {
			msgTime = now
		}
		msgs = append(msgs, kafka.Message{
			Key:   rec.Key,
			Value: rec.Value,
			Time:  msgTime,
		})
	}
	return k.w.WriteMessages(ctx, msgs...)
}

func (k *KafkaProducer) Close() { _ = k.w.Close() }

// KafkaConsumer implements Consumer using segmentio/kafka-go.
type KafkaConsumer struct {
	r *kafka.Reader
}

func NewConsumer(cfg KafkaConfig, topics []string) (*KafkaConsumer, error) {
	if len(topics) == 0 {
		return nil, errors.New("at least one topic required")
	}
	readerCfg := kafka.ReaderConfig{
		Brokers:        cfg.BrokerList(),
		GroupID:        cfg.GroupID,
		StartOffset:    kafka.FirstOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	}
	if len(topics) == 1 {
		readerCfg.Topic = topics[0]
	} else {
		readerCfg.GroupTopics = topics
	}
	return &KafkaConsumer{r: kafka.NewReader(readerCfg)}, nil
}

func (k *KafkaConsumer) Poll(ctx context.Context) (*Message, error) {
	msg, err := k.r.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return &Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Time:      msg.Time,
	}, nil
}

func (k *KafkaConsumer) Commit(msg *Message) error {
	if msg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return k.r.CommitMessages(ctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
}

func (k *KafkaConsumer) Close() { _ = k.r.Close() }

func writerAcks(raw string) kafka.RequiredAcks {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "all", "-1":
		return kafka.RequireAll
	case "none", "0":
		return kafka.RequireNone
	default:
		return kafka.RequireOne
	}
}
