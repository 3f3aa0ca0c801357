// Package messaging publishes miner telemetry to Kafka.
// Shares and stats snapshots are encoded as protobuf Struct payloads.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/cnminer/pkg/circuit"
	"github.com/bardlex/cnminer/pkg/errors"
	"github.com/bardlex/cnminer/pkg/log"
	"github.com/bardlex/cnminer/pkg/retry"
)

// messageWriter is the subset of *kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes protobuf messages to Kafka topics, one writer per topic
type Producer struct {
	brokers     []string
	logger      *log.Logger
	breaker     *circuit.Breaker
	retryConfig *retry.Config
	newWriter   func(topic string) messageWriter

	mu      sync.Mutex
	writers map[string]messageWriter
	closed  bool
}

// NewProducer creates a producer. onStateChange, if set, observes the
// breaker guarding the brokers.
func NewProducer(brokers []string, logger *log.Logger, onStateChange func(name string, from, to circuit.State)) *Producer {
	cbConfig := circuit.DefaultConfig("kafka")
	cbConfig.SuccessRequired = 3
	cbConfig.Timeout = 15 * time.Second
	cbConfig.OnStateChange = onStateChange

	p := &Producer{
		brokers:     brokers,
		logger:      logger.WithComponent("kafka"),
		breaker:     circuit.New(cbConfig),
		retryConfig: retry.SinkConfig(),
		writers:     make(map[string]messageWriter),
	}
	p.newWriter = p.kafkaWriter
	return p
}

func (p *Producer) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
}

// writer returns the cached writer for topic, creating it on first use
func (p *Producer) writer(topic string) (messageWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New(errors.ErrorTypeInternal, "kafka_writer", "producer is closed")
	}
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}

	w := p.newWriter(topic)
	p.writers[topic] = w
	p.logger.Info("created Kafka producer", "topic", topic)
	return w, nil
}

// PublishProto marshals msg and writes it to topic under key
func (p *Producer) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	w, err := p.writer(topic)
	if err != nil {
		return err
	}

	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, p.retryConfig, func(ctx context.Context) error {
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := w.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			p.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// BreakerState reports the state of the broker circuit breaker
func (p *Producer) BreakerState() circuit.State {
	return p.breaker.State()
}

// Close flushes and closes every writer
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			p.logger.Error("failed to close Kafka producer", "topic", topic, "error", err)
			if firstErr == nil {
				firstErr = errors.Wrap(err, errors.ErrorTypeMessaging, "kafka_close",
					"failed to close writer").
					WithContext("topic", topic)
			}
		}
	}
	p.writers = nil
	return firstErr
}
