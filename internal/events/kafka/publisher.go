package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models/events"
)

const DefaultTopic = "ledger_changes"

// Publisher writes row change events keyed by owning user, so one user's
// changes land on one partition in order.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:        kafka.TCP(brokers...),
			Topic:       topic,
			Balancer:    &kafka.Hash{},
			Compression: kafka.Lz4,
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, event events.ChangeEvent) error {
	msg, err := encode(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func encode(event events.ChangeEvent) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode change event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.UserID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "table", Value: []byte(event.Table)},
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}, nil
}
