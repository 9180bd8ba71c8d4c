// Package events publishes settlement notifications to Kafka so downstream
// consumers (billing exports, analytics) can follow request outcomes.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/settlehub/internal/metrics"
	"github.com/mbd888/settlehub/internal/settlement"
)

// SchemaVersion is stamped on every published message.
const SchemaVersion = 1

// Message is the JSON value written for each notification. Keyed by
// account so one account's outcomes stay ordered within a partition.
type Message struct {
	SchemaVersion int                     `json:"schemaVersion"`
	Type          string                  `json:"type"`
	Notification  settlement.Notification `json:"notification"`
	PublishedAt   time.Time               `json:"publishedAt"`
}

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter creates an async kafka writer for topic. brokers is a list of
// host:port addresses.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           50 * time.Millisecond,
		Async:                  true,
		Completion: func(msgs []kafka.Message, err error) {
			result := "ok"
			if err != nil {
				result = "error"
				logger.Error("kafka publish failed", "messages", len(msgs), "error", err)
			}
			metrics.EventsPublishedTotal.WithLabelValues("kafka", result).Add(float64(len(msgs)))
		},
	}
}

// Publisher implements settlement.Notifier on top of a kafka writer.
type Publisher struct {
	w      Writer
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher.
func NewPublisher(w Writer, logger *slog.Logger) *Publisher {
	return &Publisher{w: w, logger: logger, now: time.Now}
}

// Notify encodes n and hands it to the writer.
func (p *Publisher) Notify(ctx context.Context, n settlement.Notification) {
	value, err := json.Marshal(Message{
		SchemaVersion: SchemaVersion,
		Type:          "request." + strings.ToLower(string(n.Status)),
		Notification:  n,
		PublishedAt:   p.now().UTC(),
	})
	if err != nil {
		p.logger.Error("failed to encode notification", "request", n.RequestID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.AccountID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "request_id", Value: []byte(n.RequestID)},
			{Key: "service_id", Value: []byte(n.ServiceID)},
		},
		Time: n.OccurredAt,
	})
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("kafka", "error").Inc()
		p.logger.Error("failed to publish notification", "request", n.RequestID, "error", err)
	}
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	return p.w.Close()
}

var _ settlement.Notifier = (*Publisher)(nil)
