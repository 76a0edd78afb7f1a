package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/craftline/ordercore/internal/config"
)

// Message is one record consumed from the lifecycle topic.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
	Offset  int64
	Time    time.Time
}

// Handler processes an inbound message. A non-nil error leaves the offset
// uncommitted so the record is redelivered.
type Handler func(context.Context, Message) error

// Client is the pluggable bus used for order lifecycle events. Publishers
// key messages by order id, which keeps per-order ordering within a
// partition.
type Client interface {
	Publish(ctx context.Context, key []byte, value []byte) error
	Consume(ctx context.Context, handler Handler) error
	Topic() string
}

// Module wires the messaging client.
var Module = fx.Provide(NewClient)

// NewClient builds the configured messaging client. Disabled messaging
// yields a noop client so publish sites need no conditionals.
func NewClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (Client, error) {
	if !cfg.Messaging.Enabled || cfg.Messaging.Driver == "noop" {
		logger.Info("messaging disabled; using noop client")
		return noopClient{topic: cfg.Messaging.Kafka.Topic}, nil
	}

	if cfg.Messaging.Driver != "kafka" {
		return nil, fmt.Errorf("unsupported messaging driver: %s", cfg.Messaging.Driver)
	}
	return newKafkaClient(lc, cfg, logger)
}

type noopClient struct {
	topic string
}

func (n noopClient) Publish(context.Context, []byte, []byte) error { return nil }

func (n noopClient) Consume(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (n noopClient) Topic() string { return n.topic }

type kafkaClient struct {
	writer *kafka.Writer
	reader *kafka.Reader
	topic  string
	logger *zap.Logger
}

func newKafkaClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (Client, error) {
	kafkaCfg := cfg.Messaging.Kafka

	writer := &kafka.Writer{
		Addr:         kafka.TCP(kafkaCfg.Brokers...),
		Topic:        kafkaCfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		Logger:       kafkaLogger{logger: logger},
		ErrorLogger:  kafkaLogger{logger: logger},
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        kafkaCfg.Brokers,
		GroupID:        cfg.Messaging.ConsumerGroup,
		Topic:          kafkaCfg.Topic,
		MinBytes:       kafkaCfg.MinBytes,
		MaxBytes:       kafkaCfg.MaxBytes,
		CommitInterval: kafkaCfg.CommitInterval,
		Dialer: &kafka.Dialer{
			Timeout:  kafkaCfg.ConnectTimeout,
			ClientID: kafkaCfg.ClientID,
		},
	})

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			logger.Info("closing kafka client")
			if err := writer.Close(); err != nil {
				return err
			}
			return reader.Close()
		},
	})

	return &kafkaClient{writer: writer, reader: reader, topic: kafkaCfg.Topic, logger: logger}, nil
}

// Publish writes one record to the configured topic. The topic lives on the
// writer only; kafka-go rejects messages that set it again.
func (k *kafkaClient) Publish(ctx context.Context, key []byte, value []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
}

func (k *kafkaClient) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			k.logger.Error("kafka fetch failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		if err := handler(ctx, wrap(msg)); err != nil {
			// Skip the commit so the record is redelivered.
			k.logger.Error("message handler failed", zap.Error(err), zap.Int64("offset", msg.Offset))
			continue
		}

		if err := k.reader.CommitMessages(ctx, msg); err != nil {
			k.logger.Warn("commit failed", zap.Error(err))
		}
	}
}

func (k *kafkaClient) Topic() string { return k.topic }

func wrap(msg kafka.Message) Message {
	wrapped := Message{
		Topic:  msg.Topic,
		Key:    append([]byte(nil), msg.Key...),
		Value:  append([]byte(nil), msg.Value...),
		Offset: msg.Offset,
		Time:   msg.Time,
	}
	if len(msg.Headers) > 0 {
		wrapped.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			wrapped.Headers[h.Key] = string(h.Value)
		}
	}
	return wrapped
}

type kafkaLogger struct {
	logger *zap.Logger
}

func (k kafkaLogger) Printf(msg string, args ...interface{}) {
	k.logger.Sugar().Debugf(msg, args...)
}
