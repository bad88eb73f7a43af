// Package events publishes operation lifecycle transitions.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
)

// Transition is one status change of an operation
type Transition struct {
	OperationID   string    `json:"operation_id"`
	Kind          string    `json:"kind"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to"`
	Attempts      int       `json:"attempts"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// Publisher delivers transitions to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, t Transition) error
	Close() error
}

// NopPublisher drops every transition
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Transition) error { return nil }
func (NopPublisher) Close() error                              { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes transitions to a Kafka topic, keyed by operation id so
// that the transitions of one operation stay ordered
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger logger.Logger
}

// NewKafkaPublisher creates a publisher for topic on brokers
func NewKafkaPublisher(brokers []string, topic string, log logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		topic:  topic,
		logger: log,
	}
}

// Publish implements Publisher
func (p *KafkaPublisher) Publish(ctx context.Context, t Transition) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %v", err)
	}
	msg := kafka.Message{Key: []byte(t.OperationID), Value: b, Time: t.At}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish transition of %s to %s: %v", t.OperationID, p.topic, err)
	}
	p.logger.Debug("Published %s -> %s for %s", t.From, t.To, t.OperationID)
	return nil
}

// Close flushes pending messages and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
