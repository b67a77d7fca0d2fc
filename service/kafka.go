package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// --- Kafka Consumer for track points ---

// OnBatch is called when a batch of TrackPoints is ready. A non-nil error leaves the
// batch uncommitted; it is retried on the next flush.
type OnBatch func(context.Context, []TrackPoint) error

// KafkaConsumerConfig holds configuration for the Kafka consumer
type KafkaConsumerConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	BatchSize    int
	BatchTimeout time.Duration
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads TrackPoints from Kafka and batches them. Offsets are committed
// only after the batch callback succeeds. Invalid messages are committed with the
// batch they arrived in, never ahead of it.
type KafkaConsumer struct {
	reader       messageReader
	cfg          KafkaConsumerConfig
	onBatch      OnBatch
	batchSize    int
	batchTimeout time.Duration
	mu           sync.Mutex
	batch        []TrackPoint
	pending      []kafka.Message
	failed       bool
	timer        *time.Timer
}

// NewKafkaConsumer creates a consumer for the given config
func NewKafkaConsumer(cfg KafkaConsumerConfig, onBatch OnBatch) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})
	return newKafkaConsumer(reader, cfg, onBatch)
}

func newKafkaConsumer(reader messageReader, cfg KafkaConsumerConfig, onBatch OnBatch) *KafkaConsumer {
	return &KafkaConsumer{
		reader:       reader,
		cfg:          cfg,
		onBatch:      onBatch,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		batch:        make([]TrackPoint, 0, cfg.BatchSize),
	}
}

// Run starts consuming messages until context is cancelled
func (c *KafkaConsumer) Run(ctx context.Context) {
	slog.Info("starting Kafka consumer",
		"brokers", c.cfg.Brokers,
		"topic", c.cfg.Topic,
		"group_id", c.cfg.GroupID,
	)
	c.timer = time.NewTimer(c.batchTimeout)
	defer c.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush(context.Background())
			return
		case <-c.timer.C:
			c.flush(ctx)
			c.timer.Reset(c.batchTimeout)
		default:
			readCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			msg, err := c.reader.FetchMessage(readCtx)
			cancel()

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				if ctx.Err() != nil {
					continue
				}
				slog.Error("fetch message failed", "error", err)
				continue
			}

			if c.add(msg) {
				c.flush(ctx)
				c.timer.Reset(c.batchTimeout)
			}
		}
	}
}

// add queues msg and reports whether the batch is full. After a failed callback the
// batch is only retried on the timer.
func (c *KafkaConsumer) add(msg kafka.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, msg)

	var tp TrackPoint
	if err := json.Unmarshal(msg.Value, &tp); err != nil {
		slog.Warn("invalid message", "error", err, "offset", msg.Offset)
		return false
	}
	if err := tp.Valid(); err != nil {
		slog.Warn("invalid track point", "error", err, "offset", msg.Offset)
		return false
	}
	c.batch = append(c.batch, tp)
	return !c.failed && len(c.batch) >= c.batchSize
}

func (c *KafkaConsumer) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	toFlush, toCommit := c.batch, c.pending
	c.batch = make([]TrackPoint, 0, c.batchSize)
	c.pending = nil
	c.mu.Unlock()

	if len(toFlush) > 0 {
		if err := c.onBatch(ctx, toFlush); err != nil {
			slog.Error("batch failed, offsets not committed", "error", err, "count", len(toFlush))
			c.mu.Lock()
			c.batch = append(toFlush, c.batch...)
			c.pending = append(toCommit, c.pending...)
			c.failed = true
			c.mu.Unlock()
			return
		}
	}

	c.mu.Lock()
	c.failed = false
	c.mu.Unlock()

	if err := c.reader.CommitMessages(ctx, toCommit...); err != nil {
		slog.Error("commit messages failed", "error", err, "count", len(toCommit))
	}
}

// Close closes the Kafka reader
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// --- Kafka Producers ---

// PointProducer writes TrackPoints to Kafka, keyed by asset so an asset's points stay
// on one partition.
type PointProducer struct {
	writer *kafka.Writer
}

func NewPointProducer(brokers []string, topic string) *PointProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &PointProducer{writer: w}
}

func (p *PointProducer) Write(ctx context.Context, points []TrackPoint) error {
	msgs := make([]kafka.Message, 0, len(points))
	for _, tp := range points {
		data, err := json.Marshal(tp)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(tp.AssetID), Value: data})
	}
	if len(msgs) == 0 {
		return nil
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *PointProducer) Close() error {
	return p.writer.Close()
}

// EventProducer publishes GeofenceEvents.
type EventProducer struct {
	writer *kafka.Writer
}

func NewEventProducer(brokers []string, topic string) *EventProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Async:                  true,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &EventProducer{writer: w}
}

func (p *EventProducer) Publish(ctx context.Context, evt GeofenceEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.AssetID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "geofence_id", Value: []byte(strconv.FormatInt(evt.GeofenceID, 10))},
			{Key: "event_type", Value: []byte(evt.EventType)},
		},
	})
}

func (p *EventProducer) Close() error {
	return p.writer.Close()
}
