package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const DefaultTopic = "liquidbook.events"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes events as JSON, keyed by symbol so a symbol's
// events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.SugaredLogger
}

// NewKafkaPublisher creates an async publisher. Write errors are logged, never returned.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.SugaredLogger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warnw("kafka_publish_failed", "count", len(msgs), "err", err)
			}
		},
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

func (p *KafkaPublisher) Notify(ctx context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warnw("kafka_encode_failed", "kind", ev.Kind, "err", err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(ev.Symbol),
		Value: value,
		Time:  ev.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warnw("kafka_publish_failed", "kind", ev.Kind, "symbol", ev.Symbol, "err", err)
	}
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
