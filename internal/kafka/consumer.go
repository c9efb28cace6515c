package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ms-purchase/internal/logger"
	"ms-purchase/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type PaymentOutcomeHandler func(ctx context.Context, event models.PaymentOutcomeEvent) error

// Consumer reads payment outcomes and hands them to the purchase
// orchestrator. Offsets are committed only after the handler finished or
// gave up, so a crash replays the message; handlers must be idempotent.
type Consumer struct {
	Reader MessageReader
	Logger *logger.Logger
	// IsPermanent reports handler errors that retrying cannot fix.
	IsPermanent func(error) bool
	MaxRetries  uint64
	RetryDelay  time.Duration
}

// NewConsumer creates a group consumer for the given topic.
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	})
	return &Consumer{
		Reader:     reader,
		Logger:     log,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context, handle PaymentOutcomeHandler) error {
	c.Logger.Info("KAFKA", "Payment outcome consumer started")
	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Logger.Error("KAFKA", fmt.Sprintf("Error reading message: %v", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.RetryDelay):
			}
			continue
		}

		c.process(ctx, msg, handle)

		if err := c.Reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Logger.Error("KAFKA", fmt.Sprintf("Failed to commit offset %d: %v", msg.Offset, err))
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message, handle PaymentOutcomeHandler) {
	var event models.PaymentOutcomeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.Logger.Warn("KAFKA", fmt.Sprintf("Skipping malformed payment outcome at offset %d: %v", msg.Offset, err))
		return
	}
	if event.PurchaseID == "" {
		event.PurchaseID = string(msg.Key)
	}
	c.Logger.LogKafka("RECEIVED", msg.Topic, fmt.Sprintf("purchase=%s status=%s", event.PurchaseID, event.Status))

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.RetryDelay), c.MaxRetries), ctx)
	err := backoff.Retry(func() error {
		err := handle(ctx, event)
		if err != nil && c.IsPermanent != nil && c.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.Logger.Error("KAFKA", fmt.Sprintf("Dropping payment outcome for purchase %s: %v", event.PurchaseID, err))
	}
}

func (c *Consumer) Close() error {
	return c.Reader.Close()
}
