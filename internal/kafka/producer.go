package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-purchase/internal/logger"
	"ms-purchase/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	Writer MessageWriter
	Logger *logger.Logger
}

// NewProducer builds a producer that routes each message by its Topic
// field. Messages with the same key land on the same partition.
func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return &Producer{Writer: writer, Logger: log}
}

func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.Logger.LogKafka("PUBLISHED", topic, fmt.Sprintf("key=%s (%d bytes)", key, len(value)))
	return nil
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}

// PurchaseTopics maps each purchase event type to its topic.
type PurchaseTopics struct {
	Created   string
	Paid      string
	Cancelled string
}

// PurchasePublisher streams purchase state changes, keyed by purchase ID so
// a consumer sees each purchase's events in order.
type PurchasePublisher struct {
	Producer *Producer
	Topics   PurchaseTopics
}

func NewPurchasePublisher(producer *Producer, topics PurchaseTopics) *PurchasePublisher {
	return &PurchasePublisher{Producer: producer, Topics: topics}
}

func (p *PurchasePublisher) topicFor(t models.PurchaseEventType) (string, error) {
	switch t {
	case models.EventPurchaseCreated:
		return p.Topics.Created, nil
	case models.EventPurchasePaid:
		return p.Topics.Paid, nil
	case models.EventPurchaseCancelled:
		return p.Topics.Cancelled, nil
	}
	return "", fmt.Errorf("no topic for event type %q", t)
}

func (p *PurchasePublisher) PublishPurchaseEvent(ctx context.Context, event models.PurchaseEvent) error {
	topic, err := p.topicFor(event.Type)
	if err != nil {
		return err
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	return p.Producer.Publish(ctx, topic, event.PurchaseID, value)
}
