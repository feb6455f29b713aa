// Package ingest feeds externally produced domain events into the broadcast
// engine. It mirrors the HTTP control endpoint for deployments where the REST
// layer emits through Kafka instead of calling the relay directly.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/hoanle0126/TimeManagement-sub000/internal/relay"
)

// Publisher is the slice of the hub the ingress needs.
type Publisher interface {
	Publish(event *relay.Event) int
}

// envelope matches the control endpoint's emit body.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Room    string          `json:"room"`
	UserID  string          `json:"user_id"`
}

type KafkaSource struct {
	reader *kafka.Reader
	hub    Publisher
}

func NewKafkaSource(brokers []string, topic, groupID string, hub Publisher) *KafkaSource {
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
		}),
		hub: hub,
	}
}

// Run consumes event envelopes until the context is cancelled. Undecodable
// or unknown events are logged and skipped; the relay never retries them.
func (s *KafkaSource) Run(ctx context.Context) {
	slog.Info("Kafka ingress started", "topic", s.reader.Config().Topic)
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			slog.Error("Kafka read failed", "error", err)
			return
		}

		var env envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			slog.Warn("Skipping undecodable event", "offset", msg.Offset, "error", err)
			continue
		}
		eventType := relay.FrameType(env.Event)
		if !eventType.IsDomainEvent() {
			slog.Warn("Skipping unknown event type", "event", env.Event, "offset", msg.Offset)
			continue
		}

		delivered := s.hub.Publish(relay.NewEvent(eventType, env.Room, env.UserID, env.Payload))
		slog.Debug("Ingested event", "event", env.Event, "delivered", delivered)
	}
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
