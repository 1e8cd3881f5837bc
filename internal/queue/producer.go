package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"astralcore.app/crisis/internal/model"
	"github.com/redis/go-redis/v9"
)

// EscalationMessage is one escalation handed to the human-response stream.
type EscalationMessage struct {
	Payload model.EscalationPayload
	TraceID string
	Attempt int
}

type Producer interface {
	Publish(ctx context.Context, msg EscalationMessage) (string, error)
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// Publish appends msg to the stream and returns the stream entry id. Redis
// failures are transient; a payload that cannot be encoded is permanent.
func (p *redisProducer) Publish(ctx context.Context, msg EscalationMessage) (string, error) {
	attempt := msg.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return "", model.Permanent(model.DeliveryChannelEscalation, fmt.Errorf("encode escalation payload: %w", err))
	}

	fields := map[string]any{
		"crisis_event_id": msg.Payload.CrisisEventID,
		"version":         msg.Payload.Version,
		"payload":         string(body),
		"attempt":         attempt,
	}
	if msg.TraceID != "" {
		fields["trace_id"] = msg.TraceID
	}

	streamID, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}).Result()
	if err != nil {
		return "", model.Transient(model.DeliveryChannelEscalation, fmt.Errorf("publish escalation: %w", err))
	}

	p.logger.InfoContext(ctx, "published escalation",
		"crisis_event_id", msg.Payload.CrisisEventID,
		"version", msg.Payload.Version,
		"severity", msg.Payload.Severity,
		"stream_id", streamID,
		"attempt", attempt)
	return streamID, nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
