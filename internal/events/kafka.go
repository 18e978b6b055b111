package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/m3rciful/apptbot/core/logger"
)

const writeTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// envelope is the JSON value written to the topic.
type envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Key        string    `json:"key,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// KafkaPublisher writes events to a single topic, keyed by Event.Key.
type KafkaPublisher struct {
	topic  string
	writer messageWriter
}

// NewKafkaPublisher builds an async writer for topic on brokers. Publish only
// enqueues; delivery failures are logged when the batch completes.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	p := &KafkaPublisher{topic: topic}
	p.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           writeTimeout,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion:             p.completed,
	}
	return p
}

// Publish encodes ev with W3C trace headers and hands it to the writer.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) {
	msg, err := p.message(ctx, ev)
	if err == nil {
		err = p.writer.WriteMessages(ctx, msg)
	}
	if err != nil {
		attrs := []slog.Attr{
			slog.String("status", "fail"),
			slog.String("topic", p.topic),
			slog.String("event_type", ev.Type),
		}
		logger.Error(ctx, logger.CompEvents, "publish", append(attrs, logger.Err(err)...)...)
		return
	}
	logger.Debug(ctx, logger.CompEvents, "publish",
		slog.String("status", "ok"),
		slog.String("topic", p.topic),
		slog.String("event_type", ev.Type),
	)
}

// completed runs on the writer's goroutine after each async batch.
func (p *KafkaPublisher) completed(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, m := range msgs {
		attrs := []slog.Attr{
			slog.String("status", "fail"),
			slog.String("topic", p.topic),
			slog.String("event_type", headerValue(m.Headers, "event_type")),
			slog.String("event_id", headerValue(m.Headers, "event_id")),
		}
		logger.Error(context.Background(), logger.CompEvents, "deliver", append(attrs, logger.Err(err)...)...)
	}
}

func headerValue(headers []kafka.Header, key string) string {
	return (&headerCarrier{headers: headers}).Get(key)
}

func (p *KafkaPublisher) message(ctx context.Context, ev Event) (kafka.Message, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	id := uuid.NewString()
	value, err := json.Marshal(envelope{
		ID:         id,
		Type:       ev.Type,
		Key:        ev.Key,
		OccurredAt: ev.OccurredAt.UTC(),
		Payload:    ev.Payload,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("events: encode %s: %w", ev.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(id)},
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	msg.Headers = injectTraceHeaders(ctx, msg.Headers)
	return msg, nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func injectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := &headerCarrier{headers: headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.headers
}

type headerCarrier struct {
	headers []kafka.Header
}

func (c *headerCarrier) Get(key string) string {
	for _, h := range c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func (c *headerCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)
