package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig maps logical streams to topics.
type KafkaConfig struct {
	Brokers        []string
	ImmediateTopic string
	DeferredTopic  string
	WriteTimeout   time.Duration
}

// Kafka publishes to one topic per stream through a single writer.
type Kafka struct {
	w      *kafka.Writer
	topics map[string]string
	closed atomic.Bool
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.ImmediateTopic == "" {
		cfg.ImmediateTopic = "notifications.send_now"
	}
	if cfg.DeferredTopic == "" {
		cfg.DeferredTopic = "notifications.deferred"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	// Topic is left empty on the writer so each message can carry its own.
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return &Kafka{
		w: w,
		topics: map[string]string{
			StreamImmediate: cfg.ImmediateTopic,
			StreamDeferred:  cfg.DeferredTopic,
		},
	}, nil
}

func (k *Kafka) Publish(ctx context.Context, stream string, msgs ...Message) error {
	if k.closed.Load() {
		return ErrClosed
	}
	topic, ok := k.topics[stream]
	if !ok {
		return fmt.Errorf("kafka: unknown stream %q", stream)
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		km := kafka.Message{Topic: topic, Key: []byte(m.Key), Value: m.Payload, Time: m.At}
		for k, v := range m.Headers {
			km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		out = append(out, km)
	}
	if err := k.w.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	return k.w.Close()
}
