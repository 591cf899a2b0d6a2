// Package inference is the distributed inference layer: a health registry
// shared between workers and the router, a model-sticky dispatcher, and
// the Ollama-backed worker agent.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orion-homelab/orion/internal/contracts"
)

// Registry timing defaults. The hash is the fast read path; the per-node
// TTL key is the staleness backstop when a worker dies without cleanup.
const (
	DefaultHealthHashKey  = "orion:inference:health"
	DefaultHealthTTL      = 30 * time.Second
	DefaultStaleThreshold = 15 * time.Second
	DefaultHealthInterval = 5 * time.Second
)

// HealthRegistry is a worker's write handle on the shared health map.
type HealthRegistry struct {
	client  *redis.Client
	nodeID  string
	hashKey string
	ttl     time.Duration
	stale   time.Duration
	clock   func() time.Time
}

// RegistryOption adjusts a HealthRegistry.
type RegistryOption func(*HealthRegistry)

// WithHashKey overrides the shared hash key.
func WithHashKey(key string) RegistryOption {
	return func(r *HealthRegistry) { r.hashKey = key }
}

// WithStaleThreshold overrides the staleness cutoff.
func WithStaleThreshold(d time.Duration) RegistryOption {
	return func(r *HealthRegistry) { r.stale = d }
}

// WithRegistryClock injects a clock for tests.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *HealthRegistry) { r.clock = clock }
}

// NewHealthRegistry creates the registry handle for one node.
func NewHealthRegistry(client *redis.Client, nodeID string, opts ...RegistryOption) *HealthRegistry {
	r := &HealthRegistry{
		client:  client,
		nodeID:  nodeID,
		hashKey: DefaultHealthHashKey,
		ttl:     DefaultHealthTTL,
		stale:   DefaultStaleThreshold,
		clock:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *HealthRegistry) nodeKey(nodeID string) string {
	return fmt.Sprintf("%s:%s", r.hashKey, nodeID)
}

// PublishHealth writes the node's record into the hash and refreshes the
// per-node TTL key in one pipeline.
func (r *HealthRegistry) PublishHealth(ctx context.Context, health contracts.NodeHealth) error {
	raw, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("marshal node health: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.hashKey, r.nodeID, string(raw))
	pipe.SetEx(ctx, r.nodeKey(r.nodeID), string(raw), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish health for %s: %w", r.nodeID, err)
	}
	slog.Debug("[Inference] Health published", "node_id", r.nodeID)
	return nil
}

// RemoveNode deletes the node's entries. Called on graceful shutdown so
// routing never sees a ghost.
func (r *HealthRegistry) RemoveNode(ctx context.Context) error {
	pipe := r.client.Pipeline()
	pipe.HDel(ctx, r.hashKey, r.nodeID)
	pipe.Del(ctx, r.nodeKey(r.nodeID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove node %s from registry: %w", r.nodeID, err)
	}
	slog.Info("[Inference] Node removed from health registry", "node_id", r.nodeID)
	return nil
}

// All returns every fresh record in the hash and opportunistically purges
// stale ones. The purge re-reads each candidate and deletes only if it is
// still stale, so it cannot race a concurrent publish from a live worker.
func (r *HealthRegistry) All(ctx context.Context) ([]contracts.NodeHealth, error) {
	entries, err := r.client.HGetAll(ctx, r.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read health hash: %w", err)
	}

	now := r.clock()
	nodes := make([]contracts.NodeHealth, 0, len(entries))
	var staleIDs []string

	for nodeID, raw := range entries {
		var health contracts.NodeHealth
		if err := json.Unmarshal([]byte(raw), &health); err != nil {
			slog.Warn("[Inference] Malformed health entry skipped", "node_id", nodeID, "error", err)
			continue
		}
		if now.Sub(health.LastSeen) > r.stale {
			staleIDs = append(staleIDs, nodeID)
			continue
		}
		nodes = append(nodes, health)
	}

	if len(staleIDs) > 0 {
		r.purge(ctx, staleIDs)
	}
	return nodes, nil
}

// purge removes stale entries with a read-delete-only-if-still-stale check.
func (r *HealthRegistry) purge(ctx context.Context, nodeIDs []string) {
	now := r.clock()
	for _, nodeID := range nodeIDs {
		raw, err := r.client.HGet(ctx, r.hashKey, nodeID).Result()
		if err != nil {
			continue // gone or unreadable, nothing to purge
		}
		var health contracts.NodeHealth
		if err := json.Unmarshal([]byte(raw), &health); err == nil {
			if now.Sub(health.LastSeen) <= r.stale {
				continue // the worker republished since we looked
			}
		}
		if err := r.client.HDel(ctx, r.hashKey, nodeID).Err(); err != nil {
			slog.Warn("[Inference] Stale entry purge failed", "node_id", nodeID, "error", err)
			continue
		}
		slog.Info("[Inference] Stale health entry purged", "node_id", nodeID)
	}
}
