package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"astralcore.app/crisis/common/logger"
	"astralcore.app/crisis/internal/model"
	"github.com/redis/go-redis/v9"
)

type ConsumerConfig struct {
	Stream       string        // Redis stream name
	Group        string        // Redis consumer group name
	Consumer     string        // Redis consumer name
	DLQStream    string        // Dead letter queue stream for failed messages
	BatchSize    int64         // Number of messages to process per batch
	Block        time.Duration // How long to block/poll for new messages
	MaxAttempts  int           // Maximum retry attempts before moving to DLQ
	RequeueDelay time.Duration // Delay before retrying failed messages
}

type Message struct {
	ID            string
	CrisisEventID int64
	Version       int64
	Payload       model.EscalationPayload
	Attempt       int
	TraceID       string
	LastError     string
	Raw           redis.XMessage
}

// MessageProcessor processes a queue message.
type MessageProcessor func(ctx context.Context, msg Message) error

type RedisConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig
}

func NewRedisConsumer(ctx context.Context, client *redis.Client, cfg ConsumerConfig) (*RedisConsumer, error) {
	consumer := &RedisConsumer{
		client: client,
		cfg:    cfg,
	}

	if err := consumer.ensureGroup(ctx); err != nil {
		return nil, err
	}

	return consumer, nil
}

func (c *RedisConsumer) Config() ConsumerConfig {
	return c.cfg
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	// Start from "0" so escalations published before the group existed are still delivered.
	if err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err(); err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (c *RedisConsumer) Read(ctx context.Context) ([]Message, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "crisis.queue.consumer",
	})

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		// ">" reads only never-delivered entries; stale pending ones belong to the reclaimer.
		Streams: []string{c.cfg.Stream, ">"},
		Count:   c.cfg.BatchSize,
		Block:   c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			parsed, parseErr := ParseMessage(msg)
			if parseErr != nil {
				// unparseable entries cannot be retried; park them for an operator
				slog.ErrorContext(ctx, "failed to parse message",
					"error", parseErr,
					"raw_message_id", msg.ID,
					"stream", c.cfg.Stream)
				if dlqErr := c.SendDLQ(ctx, Message{ID: msg.ID, Raw: msg}, parseErr.Error()); dlqErr != nil {
					slog.ErrorContext(ctx, "failed to park unparseable message", "error", dlqErr)
				}
				continue
			}
			messages = append(messages, parsed)
		}
	}

	if len(messages) > 0 {
		slog.DebugContext(ctx, "read messages from stream",
			"count", len(messages),
			"stream", c.cfg.Stream,
			"consumer", c.cfg.Consumer)
	}

	return messages, nil
}

func (c *RedisConsumer) Ack(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", c.cfg.Stream, err)
	}

	slog.DebugContext(ctx, "message acknowledged", "stream", c.cfg.Stream)
	return nil
}

func (c *RedisConsumer) Requeue(ctx context.Context, msg Message, errMsg string) error {
	return c.RequeueWithAttempt(ctx, msg, msg.Attempt+1, errMsg)
}

// RequeueWithAttempt re-adds msg before acknowledging the original, so a crash
// in between yields a duplicate rather than a lost escalation.
func (c *RedisConsumer) RequeueWithAttempt(ctx context.Context, msg Message, attempt int, errMsg string) error {
	if attempt <= 0 {
		attempt = max(msg.Attempt, 1)
	}

	values := messageValues(msg, attempt)
	if errMsg != "" {
		values["last_error"] = errMsg
	}

	if c.cfg.RequeueDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RequeueDelay):
		}
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.Stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd requeue: %w", err)
	}

	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed message after requeue: %w", err)
	}

	slog.InfoContext(ctx, "message requeued for retry",
		"next_attempt", attempt,
		"reason", errMsg)
	return nil
}

func (c *RedisConsumer) SendDLQ(ctx context.Context, msg Message, errMsg string) error {
	values := messageValues(msg, msg.Attempt)
	values["error"] = errMsg

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQStream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}

	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed message after dlq: %w", err)
	}

	slog.ErrorContext(ctx, "message sent to DLQ",
		"final_error", errMsg,
		"dlq_stream", c.cfg.DLQStream)
	return nil
}

func ParseMessage(msg redis.XMessage) (Message, error) {
	raw, err := parseString(msg.Values, "payload")
	if err != nil {
		return Message{}, err
	}
	var payload model.EscalationPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Message{}, fmt.Errorf("decoding payload: %w", err)
	}

	eventID, err := parseInt64(msg.Values, "crisis_event_id")
	if err != nil {
		return Message{}, err
	}
	if payload.CrisisEventID != eventID {
		return Message{}, fmt.Errorf("payload crisis event %d does not match field %d", payload.CrisisEventID, eventID)
	}
	version, err := parseInt64(msg.Values, "version")
	if err != nil {
		return Message{}, err
	}

	attempt, err := parseOptionalInt(msg.Values, "attempt")
	if err != nil {
		return Message{}, err
	}
	if attempt == 0 {
		attempt = 1
	}
	traceID, err := parseOptionalString(msg.Values, "trace_id")
	if err != nil {
		return Message{}, err
	}
	lastError, err := parseOptionalString(msg.Values, "last_error")
	if err != nil {
		return Message{}, err
	}

	return Message{
		ID:            msg.ID,
		CrisisEventID: eventID,
		Version:       version,
		Payload:       payload,
		Attempt:       attempt,
		TraceID:       traceID,
		LastError:     lastError,
		Raw:           msg,
	}, nil
}

func parseInt64(values map[string]any, key string) (int64, error) {
	raw, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	str := fmt.Sprint(raw)
	num, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	return fmt.Sprint(raw), nil
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	str := fmt.Sprint(raw)
	num, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseOptionalString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", nil
	}
	return fmt.Sprint(raw), nil
}

// messageValues rebuilds stream fields for a requeue or DLQ entry. Messages
// that never parsed keep their original fields.
func messageValues(msg Message, attempt int) map[string]any {
	if msg.CrisisEventID == 0 {
		values := make(map[string]any, len(msg.Raw.Values)+1)
		for k, v := range msg.Raw.Values {
			values[k] = v
		}
		values["attempt"] = attempt
		return values
	}

	values := map[string]any{
		"crisis_event_id": msg.CrisisEventID,
		"version":         msg.Version,
		"attempt":         attempt,
	}
	if raw, ok := msg.Raw.Values["payload"]; ok {
		values["payload"] = raw
	} else if body, err := json.Marshal(msg.Payload); err == nil {
		values["payload"] = string(body)
	}
	if msg.TraceID != "" {
		values["trace_id"] = msg.TraceID
	}
	return values
}
