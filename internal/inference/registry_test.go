package inference

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orion-homelab/orion/internal/contracts"
)

var registryBase = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func nodeHealth(nodeID string, lastSeen time.Time) contracts.NodeHealth {
	return contracts.NodeHealth{
		NodeID:      nodeID,
		CPUPercent:  20,
		RAMPercent:  40,
		RAMUsedMB:   3200,
		RAMTotalMB:  8000,
		TempCelsius: 55,
		Models:      []string{"qwen2.5:3b"},
		Available:   true,
		LastSeen:    lastSeen,
	}
}

func TestPublishHealth_WritesHashAndTTLKey(t *testing.T) {
	client, mr := newTestClient(t)
	r := NewHealthRegistry(client, "pi-01")

	require.NoError(t, r.PublishHealth(context.Background(), nodeHealth("pi-01", registryBase)))

	raw := mr.HGet(DefaultHealthHashKey, "pi-01")
	require.NotEmpty(t, raw)
	var got contracts.NodeHealth
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "pi-01", got.NodeID)
	assert.True(t, got.HasModel("qwen2.5:3b"))

	// The per-node key is the staleness backstop and must carry a TTL.
	key := DefaultHealthHashKey + ":pi-01"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, DefaultHealthTTL, mr.TTL(key))
}

func TestAll_ReturnsFreshNodes(t *testing.T) {
	client, _ := newTestClient(t)
	now := registryBase
	clock := func() time.Time { return now }

	r1 := NewHealthRegistry(client, "pi-01", WithRegistryClock(clock))
	r2 := NewHealthRegistry(client, "pi-02", WithRegistryClock(clock))
	require.NoError(t, r1.PublishHealth(context.Background(), nodeHealth("pi-01", now)))
	require.NoError(t, r2.PublishHealth(context.Background(), nodeHealth("pi-02", now.Add(-5*time.Second))))

	nodes, err := r1.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestAll_FiltersAndPurgesStaleNodes(t *testing.T) {
	client, mr := newTestClient(t)
	now := registryBase
	clock := func() time.Time { return now }

	fresh := NewHealthRegistry(client, "pi-01", WithRegistryClock(clock))
	dead := NewHealthRegistry(client, "pi-02", WithRegistryClock(clock))
	require.NoError(t, fresh.PublishHealth(context.Background(), nodeHealth("pi-01", now)))
	require.NoError(t, dead.PublishHealth(context.Background(), nodeHealth("pi-02", now.Add(-time.Minute))))

	nodes, err := fresh.All(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "pi-01", nodes[0].NodeID)

	// The stale entry was purged from the hash, not just filtered.
	assert.Empty(t, mr.HGet(DefaultHealthHashKey, "pi-02"))
	assert.NotEmpty(t, mr.HGet(DefaultHealthHashKey, "pi-01"))
}

func TestPurge_SkipsRepublishedNode(t *testing.T) {
	client, mr := newTestClient(t)
	reader := NewHealthRegistry(client, "router",
		WithRegistryClock(func() time.Time { return registryBase }))

	// The worker republished between the stale read and the purge re-check.
	raw, _ := json.Marshal(nodeHealth("pi-02", registryBase))
	mr.HSet(DefaultHealthHashKey, "pi-02", string(raw))

	reader.purge(context.Background(), []string{"pi-02"})
	assert.NotEmpty(t, mr.HGet(DefaultHealthHashKey, "pi-02"), "a republished node survives the purge")
}

func TestAll_SkipsMalformedEntries(t *testing.T) {
	client, mr := newTestClient(t)
	r := NewHealthRegistry(client, "pi-01",
		WithRegistryClock(func() time.Time { return registryBase }))

	mr.HSet(DefaultHealthHashKey, "pi-junk", "{not json")
	require.NoError(t, r.PublishHealth(context.Background(), nodeHealth("pi-01", registryBase)))

	nodes, err := r.All(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "pi-01", nodes[0].NodeID)
}

func TestRemoveNode(t *testing.T) {
	client, mr := newTestClient(t)
	r := NewHealthRegistry(client, "pi-01")

	require.NoError(t, r.PublishHealth(context.Background(), nodeHealth("pi-01", registryBase)))
	require.NoError(t, r.RemoveNode(context.Background()))

	assert.Empty(t, mr.HGet(DefaultHealthHashKey, "pi-01"))
	assert.False(t, mr.Exists(DefaultHealthHashKey+":pi-01"))
}

func TestWithHashKey(t *testing.T) {
	client, mr := newTestClient(t)
	r := NewHealthRegistry(client, "pi-01", WithHashKey("custom:health"))

	require.NoError(t, r.PublishHealth(context.Background(), nodeHealth("pi-01", registryBase)))
	assert.NotEmpty(t, mr.HGet("custom:health", "pi-01"))
	assert.False(t, mr.Exists(DefaultHealthHashKey))
}
