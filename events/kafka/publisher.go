// Package kafka publishes settlement events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/warp/settlement-engine/settlement"
	"go.uber.org/zap"
)

// Message is the JSON value written for every event. The key is the target
// reference so a target's events stay ordered within a partition.
type Message struct {
	Type           string `json:"type"`
	PaymentID      string `json:"payment_id"`
	TargetType     string `json:"target_type"`
	TargetID       string `json:"target_id"`
	Amount         string `json:"amount"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status,omitempty"`
	OccurredAt     string `json:"occurred_at"`
}

type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

var _ settlement.Publisher = (*Publisher)(nil)

// NewSyncConfig returns the producer config used by Dial.
func NewSyncConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Idempotent = true
	config.Producer.Retry.Max = 5
	config.Net.MaxOpenRequests = 1
	return config
}

// Dial connects to brokers, retrying while the cluster comes up.
func Dial(ctx context.Context, brokers []string, topic string, log *zap.Logger) (*Publisher, error) {
	config := NewSyncConfig()

	var lastErr error
	for attempt := 1; attempt <= 10; attempt++ {
		producer, err := sarama.NewSyncProducer(brokers, config)
		if err == nil {
			return New(producer, topic, log), nil
		}
		lastErr = err
		if log != nil {
			log.Warn("waiting for kafka", zap.Int("attempt", attempt), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("failed to start kafka producer: %w", lastErr)
}

func New(producer sarama.SyncProducer, topic string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{producer: producer, topic: topic, log: log.Named("events.kafka")}
}

func (p *Publisher) Publish(ctx context.Context, event settlement.Event) error {
	data, err := json.Marshal(toMessage(event))
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.Target.String()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send %s event: %w", event.Type, err)
	}

	p.log.Debug("published payment event",
		zap.String("event", string(event.Type)),
		zap.String("payment_id", string(event.PaymentID)),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}

func toMessage(e settlement.Event) Message {
	return Message{
		Type:           string(e.Type),
		PaymentID:      string(e.PaymentID),
		TargetType:     string(e.Target.Type),
		TargetID:       e.Target.ID,
		Amount:         e.Amount,
		Status:         string(e.Status),
		PreviousStatus: string(e.PreviousStatus),
		OccurredAt:     e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}
