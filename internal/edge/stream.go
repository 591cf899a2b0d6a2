package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// CommandStream is the Redis side of the edge transport: the per-device
// command stream inbound and the shared telemetry stream outbound.
type CommandStream struct {
	client       *redis.Client
	streamPrefix string
	deviceID     string
}

// NewCommandStream creates the Redis transport for a device.
func NewCommandStream(addr, password, streamPrefix, deviceID string) *CommandStream {
	return &CommandStream{
		client: redis.NewClient(&redis.Options{
			Addr:            addr,
			Password:        password,
			PoolSize:        10,
			MinIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		}),
		streamPrefix: streamPrefix,
		deviceID:     deviceID,
	}
}

// Connect verifies the Redis connection.
func (s *CommandStream) Connect(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	return nil
}

// Ping probes the connection for health reporting.
func (s *CommandStream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *CommandStream) Close() error {
	return s.client.Close()
}

func (s *CommandStream) commandStream() string {
	return fmt.Sprintf("%s:edge:commands:%s", s.streamPrefix, s.deviceID)
}

// PublishTelemetry mirrors one telemetry message onto the shared stream so
// the core sees edge measurements as ordinary bus traffic.
func (s *CommandStream) PublishTelemetry(ctx context.Context, telemetry any) error {
	raw, err := json.Marshal(telemetry)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	stream := fmt.Sprintf("%s:edge:telemetry", s.streamPrefix)
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]any{"data": string(raw)},
	}).Err(); err != nil {
		return fmt.Errorf("publish telemetry to %s: %w", stream, err)
	}
	return nil
}

// SubscribeCommands consumes the device's command stream through its own
// consumer group, blocking until ctx is cancelled. Commands are always
// acked: a command that cannot be handled now will not become handleable
// by redelivery, and stale movement commands are dangerous.
func (s *CommandStream) SubscribeCommands(ctx context.Context, handler func(payload []byte)) error {
	stream := s.commandStream()
	group := fmt.Sprintf("edge-%s-group", s.deviceID)
	consumer := fmt.Sprintf("edge-%s", s.deviceID)

	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}
	slog.Info("[Edge] Subscribed to command stream", "stream", stream, "group", group)

	for {
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()

		if ctx.Err() != nil {
			slog.Info("[Edge] Command subscription stopped", "stream", stream)
			return nil
		}
		if err != nil {
			if err == redis.Nil {
				continue
			}
			slog.Warn("[Edge] Command read failed", "stream", stream, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, st := range streams {
			for _, msg := range st.Messages {
				if raw, ok := msg.Values["data"].(string); ok {
					handler([]byte(raw))
				} else {
					slog.Warn("[Edge] Command missing data field", "id", msg.ID)
				}
				if err := s.client.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
					slog.Error("[Edge] Command ack failed", "id", msg.ID, "error", err)
				}
			}
		}
	}
}
