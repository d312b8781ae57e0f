// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. Events are published as JSON; consumers hand raw
// message bytes to a MessageHandler and commit once it succeeds.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/resilience"
)

// MessageHandler is a callback invoked for each Kafka message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// ErrSkip tells the consumer to commit a message without retrying it.
var ErrSkip = errors.New("kafka: skip message")

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler. A message whose handler keeps failing is committed after
// the retry budget so one bad record cannot stall the partition.
type Consumer struct {
	reader  messageReader
	handler MessageHandler
	retry   resilience.RetryConfig
	fetch   resilience.RetryConfig
	logger  *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithHandlerRetry sets the retry policy applied to failing handlers.
func WithHandlerRetry(cfg resilience.RetryConfig) ConsumerOption {
	return func(c *Consumer) { c.retry = cfg }
}

// WithFetchBackoff bounds the pause after a failed fetch. The pause grows
// per consecutive failure and resets on success.
func WithFetchBackoff(initial, limit time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.fetch.InitialDelay = initial
		c.fetch.MaxDelay = limit
	}
}

// NewConsumer creates a Consumer in the configured consumer group, so each
// message is handled by one member of the group.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	return NewGroupConsumer(cfg, topic, cfg.ConsumerGroup, handler, opts...)
}

// NewGroupConsumer creates a Consumer in the given group. Broadcast topics,
// where every process must see every message, use a group per process.
func NewGroupConsumer(cfg config.KafkaConfig, topic, group string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	log := slog.Default().With("component", "kafka-consumer", "topic", topic, "group", group)
	return newConsumer(r, handler, log, opts...)
}

func newConsumer(r messageReader, handler MessageHandler, log *slog.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		reader:  r,
		handler: handler,
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
		},
		fetch: resilience.RetryConfig{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
		logger: log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled. The reader is closed on return.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("closing kafka reader", "error", err)
		}
	}()

	failures := 0
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			failures++
			delay := c.fetch.Delay(failures)
			c.logger.Error("failed to fetch message", "error", err, "failures", failures, "backoff", delay)
			if resilience.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		failures = 0

		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)
		c.process(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	err := resilience.Retry(ctx, "kafka-handler", c.retry, func(ctx context.Context) error {
		err := c.handler(ctx, msg.Key, msg.Value)
		if errors.Is(err, ErrSkip) {
			return resilience.Permanent(err)
		}
		return err
	})
	switch {
	case errors.Is(err, ErrSkip):
		c.logger.Warn("message skipped", "partition", msg.Partition, "offset", msg.Offset)
	case err != nil:
		c.logger.Error("dropping message after failed processing",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	}
}

// Close closes the underlying Kafka reader. Start closes it on return, so
// Close is only needed when Start never ran.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
