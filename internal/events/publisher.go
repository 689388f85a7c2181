// Package events ships consultation lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/teleconsult/internal/application"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the JSON document written for every event.
type Message struct {
	Type       string            `json:"type"`
	SessionID  string            `json:"session_id,omitempty"`
	DoctorID   string            `json:"doctor_id,omitempty"`
	PatientID  string            `json:"patient_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// KafkaPublisher is an application.EventPublisher backed by a Kafka topic.
// Messages are keyed by session id, or doctor id for doctor events, so each
// consultation's events stay ordered within one partition.
type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// WriterConfig configures NewKafkaWriter.
type WriterConfig struct {
	Brokers []string
	Topic   string
}

// NewKafkaWriter builds a synchronous writer that hashes keys to partitions.
func NewKafkaWriter(cfg WriterConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("events: brokers and topic are required")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}, nil
}

// NewKafkaPublisher wraps writer.
func NewKafkaPublisher(writer MessageWriter, now func() time.Time, logger *slog.Logger) *KafkaPublisher {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		writer:  writer,
		timeout: 5 * time.Second,
		now:     now,
		logger:  logger.With("component", "events"),
	}
}

// Publish writes one event and waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, event application.Event) error {
	if p == nil || p.writer == nil {
		return nil
	}
	msg, err := p.encode(event)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("events: write %s: %w", event.Type, err)
	}
	p.logger.DebugContext(ctx, "event published", "event_type", string(event.Type), "key", string(msg.Key))
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func (p *KafkaPublisher) encode(event application.Event) (kafka.Message, error) {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = p.now()
	}
	value, err := json.Marshal(Message{
		Type:       string(event.Type),
		SessionID:  event.SessionID,
		DoctorID:   event.DoctorID,
		PatientID:  event.PatientID,
		OccurredAt: occurred.UTC(),
		Attributes: event.Attributes,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("events: encode %s: %w", event.Type, err)
	}
	key := event.SessionID
	if key == "" {
		key = event.DoctorID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  occurred,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}, nil
}

// LogPublisher writes events to the structured log. It is used when no
// brokers are configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a publisher that logs at info level.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, event application.Event) error {
	p.logger.InfoContext(ctx, "event",
		"event_type", string(event.Type),
		"session_id", event.SessionID,
		"doctor_id", event.DoctorID,
		"patient_id", event.PatientID,
	)
	return nil
}

// Fanout delivers each event to every publisher and joins their errors.
type Fanout []application.EventPublisher

func (f Fanout) Publish(ctx context.Context, event application.Event) error {
	var errs []error
	for _, publisher := range f {
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
