// Package bus is the contract-validated event bus over Redis Streams.
//
// Invariants:
//   - Every message is validated against its JSON Schema contract before
//     XAdd; invalid messages never reach Redis.
//   - Consumer groups give at-least-once delivery; handlers must be
//     idempotent. A handler error leaves the message unacked for redelivery.
//   - Streams are bounded with approximate MAXLEN trimming.
//   - Invalid inbound messages are acked and dropped (redelivery cannot fix
//     a contract violation); the drop is reported through the OnInvalid hook
//     so it lands in the audit trail.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orion-homelab/orion/internal/validator"
)

// DefaultMaxLen bounds stream length via approximate trimming.
const DefaultMaxLen = 10000

// ErrContractViolation wraps schema validation failures at publish time.
var ErrContractViolation = errors.New("contract violation")

// EventBus publishes and subscribes schema-validated messages on Redis Streams.
type EventBus struct {
	client       *redis.Client
	validator    *validator.ContractValidator
	streamPrefix string
	maxLen       int64

	// OnInvalid is called when an inbound message fails validation and is
	// dropped. Optional; wired to the audit store by the core process.
	OnInvalid func(contractType string, message map[string]any, err error)
}

// New creates an EventBus. maxLen <= 0 selects DefaultMaxLen.
func New(client *redis.Client, v *validator.ContractValidator, streamPrefix string, maxLen int64) *EventBus {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &EventBus{
		client:       client,
		validator:    v,
		streamPrefix: streamPrefix,
		maxLen:       maxLen,
	}
}

// StreamName returns the stream for a contract type, e.g. "event" -> "orion:events".
func (b *EventBus) StreamName(contractType string) string {
	return fmt.Sprintf("%s:%ss", b.streamPrefix, contractType)
}

// Publish validates message against contractType and appends it to the
// type's stream. Returns the Redis message id. Validation failure returns
// ErrContractViolation and nothing is written.
func (b *EventBus) Publish(ctx context.Context, message any, contractType string) (string, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", contractType, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("unmarshal %s: %w", contractType, err)
	}

	if err := b.validator.Validate(m, contractType); err != nil {
		contractViolationsTotal.WithLabelValues(contractType, "publish").Inc()
		slog.Error("[Bus] Contract validation failed", "type", contractType, "error", err)
		return "", fmt.Errorf("%w: %v", ErrContractViolation, err)
	}

	stream := b.StreamName(contractType)
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": string(raw)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}

	publishedTotal.WithLabelValues(contractType).Inc()
	slog.Debug("[Bus] Published", "type", contractType, "stream", stream, "id", id)
	return id, nil
}

// Handler processes one validated message.
type Handler func(message map[string]any) error

// Subscribe consumes contractType messages through a consumer group,
// blocking until ctx is cancelled. The group is created if absent. A
// handler error leaves the message unacked; a validation error acks and
// drops it.
func (b *EventBus) Subscribe(ctx context.Context, contractType, group, consumer string, handler Handler) error {
	stream := b.StreamName(contractType)

	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}

	slog.Info("[Bus] Subscription started", "stream", stream, "group", group, "consumer", consumer)

	for {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()

		if ctx.Err() != nil {
			slog.Info("[Bus] Subscription stopped", "stream", stream, "group", group)
			return nil
		}
		if err != nil {
			if err == redis.Nil {
				continue // block timeout, nothing to read
			}
			return fmt.Errorf("read from %s: %w", stream, err)
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				b.processMessage(ctx, stream, contractType, group, msg, handler)
			}
		}
	}
}

func (b *EventBus) processMessage(ctx context.Context, stream, contractType, group string, msg redis.XMessage, handler Handler) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		slog.Warn("[Bus] Message missing data field", "stream", stream, "id", msg.ID)
		b.ack(ctx, stream, group, msg.ID, contractType)
		return
	}

	var message map[string]any
	if err := json.Unmarshal([]byte(raw), &message); err != nil {
		slog.Error("[Bus] Undecodable message dropped", "stream", stream, "id", msg.ID, "error", err)
		b.ack(ctx, stream, group, msg.ID, contractType)
		return
	}

	if err := b.validator.Validate(message, contractType); err != nil {
		// Redelivering an invalid message cannot help: ack, drop, audit.
		contractViolationsTotal.WithLabelValues(contractType, "subscribe").Inc()
		slog.Error("[Bus] Invalid inbound message dropped", "stream", stream, "id", msg.ID, "error", err)
		if b.OnInvalid != nil {
			b.OnInvalid(contractType, message, err)
		}
		b.ack(ctx, stream, group, msg.ID, contractType)
		return
	}

	if err := handler(message); err != nil {
		handlerErrorsTotal.WithLabelValues(contractType).Inc()
		slog.Error("[Bus] Handler failed, message will be redelivered",
			"stream", stream, "id", msg.ID, "error", err)
		return
	}

	b.ack(ctx, stream, group, msg.ID, contractType)
}

func (b *EventBus) ack(ctx context.Context, stream, group, id, contractType string) {
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		slog.Error("[Bus] Ack failed", "stream", stream, "id", id, "error", err)
		return
	}
	ackedTotal.WithLabelValues(contractType).Inc()
}

// PendingCount returns the consumer-group pending count, the canonical lag
// metric for a stream.
func (b *EventBus) PendingCount(ctx context.Context, contractType, group string) (int64, error) {
	pending, err := b.client.XPending(ctx, b.StreamName(contractType), group).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return pending.Count, nil
}
