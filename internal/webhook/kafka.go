package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaConsumer reads NormalizedEvent JSON from the provider-events topic.
type KafkaConsumer struct {
	ReaderFactory func() MessageReader
	Processor     Processor
	// DLQ receives events that still fail after retries. Optional.
	DLQ        MessageWriter
	NewBackOff func() backoff.BackOff
}

// NewKafkaReader builds the consumer-group reader for topic.
func NewKafkaReader(brokers []string, topic, groupID string) MessageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   topic,
	})
}

// NewKafkaWriter builds the dead-letter writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// Run consumes until ctx ends. A message is committed once processed,
// dropped or dead-lettered.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	if c.Processor == nil {
		return errors.New("kafka consumer: processor required")
	}
	reader := c.ReaderFactory()
	defer reader.Close()
	tracer := otel.Tracer("deliverytrack/webhook")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		var ev NormalizedEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			logger.Error("[Webhook] failed to decode provider event", "offset", msg.Offset, "error", err)
			if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				return fmt.Errorf("commit message: %w", err)
			}
			continue
		}

		spanCtx, span := tracer.Start(ctx, "webhook.kafka_event")
		span.SetAttributes(attribute.String("message.id", ev.MessageID), attribute.String("event.kind", ev.Kind))
		if err := backoff.Retry(func() error { return Apply(spanCtx, c.Processor, ev) },
			backoff.WithContext(c.backOff(), ctx)); err != nil {
			span.RecordError(err)
			if ctx.Err() != nil {
				span.End()
				return nil
			}
			if err := c.deadLetter(ctx, msg, err); err != nil {
				span.End()
				return err
			}
		}
		span.End()

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func (c *KafkaConsumer) backOff() backoff.BackOff {
	if c.NewBackOff != nil {
		return c.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return b
}

func (c *KafkaConsumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	logger.Error("[Webhook] provider event failed after retries", "offset", msg.Offset, "error", cause)
	if c.DLQ == nil {
		return nil
	}
	err := c.DLQ.WriteMessages(ctx, kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: "error", Value: []byte(cause.Error())},
		},
	})
	if err != nil {
		return fmt.Errorf("write dlq: %w", err)
	}
	return nil
}
