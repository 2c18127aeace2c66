package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/amurg-ai/relay/hub/internal/store"
)

// KafkaPublisher implements Publisher using segmentio/kafka-go.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaPublisher creates a publisher that writes audit events to topic.
// It returns nil when brokers or topic are empty. Writes are asynchronous so
// a slow broker never stalls a connection handshake; delivery errors are
// logged. Call Close when shutting down.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	log := logger.With("component", "audit.kafka")
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn("kafka audit write failed", "messages", len(messages), "error", err)
			}
		},
	}
	return &KafkaPublisher{writer: writer, topic: topic}
}

// Publish serializes the event as JSON and hands it to the writer.
func (p *KafkaPublisher) Publish(ctx context.Context, event *store.AuditEvent) error {
	if p == nil || p.writer == nil || event == nil {
		return nil
	}
	msg, err := encodeEvent(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, msg)
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// encodeEvent keys messages by org so one tenant's events stay ordered
// within a partition.
func encodeEvent(event *store.AuditEvent) (kafka.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(event.OrgID),
		Value: payload,
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(event.Action)},
		},
	}, nil
}
