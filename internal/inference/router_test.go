package inference

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orion-homelab/orion/internal/contracts"
)

// seedNodes writes one health record per node directly into the hash and
// returns a reader pinned to the shared base time.
func seedNodes(t *testing.T, nodes ...contracts.NodeHealth) *HealthReader {
	t.Helper()
	client, mr := newTestClient(t)
	for _, n := range nodes {
		raw, err := json.Marshal(n)
		require.NoError(t, err)
		mr.HSet(DefaultHealthHashKey, n.NodeID, string(raw))
	}
	registry := NewHealthRegistry(client, "router",
		WithRegistryClock(func() time.Time { return registryBase }))
	return NewHealthReader(registry, DefaultThresholds())
}

func routableNode(nodeID string, ramPercent float64, models ...string) contracts.NodeHealth {
	return contracts.NodeHealth{
		NodeID:      nodeID,
		CPUPercent:  25,
		RAMPercent:  ramPercent,
		TempCelsius: 50,
		Models:      models,
		Available:   true,
		LastSeen:    registryBase,
	}
}

func TestAvailableNodes_SortedByRAMAscending(t *testing.T) {
	h := seedNodes(t,
		routableNode("pi-03", 70),
		routableNode("pi-01", 30),
		routableNode("pi-02", 50),
	)

	nodes, err := h.AvailableNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "pi-01", nodes[0].NodeID)
	assert.Equal(t, "pi-02", nodes[1].NodeID)
	assert.Equal(t, "pi-03", nodes[2].NodeID)
}

func TestAvailableNodes_ExcludesOverThreshold(t *testing.T) {
	hot := routableNode("pi-hot", 30)
	hot.TempCelsius = 80

	full := routableNode("pi-full", 95)

	down := routableNode("pi-down", 20)
	down.Available = false

	h := seedNodes(t, routableNode("pi-ok", 40), hot, full, down)

	nodes, err := h.AvailableNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "pi-ok", nodes[0].NodeID)
}

func TestAvailableNodes_ExcludesStale(t *testing.T) {
	stale := routableNode("pi-stale", 10)
	stale.LastSeen = registryBase.Add(-time.Minute)

	h := seedNodes(t, routableNode("pi-ok", 40), stale)

	nodes, err := h.AvailableNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "pi-ok", nodes[0].NodeID)
}

func TestSelectNode_PrefersResidentModel(t *testing.T) {
	h := seedNodes(t,
		routableNode("pi-idle", 20),
		routableNode("pi-busy", 60, "qwen2.5:3b"),
	)
	s := NewStickyRouter(h)

	// The busier node wins because it already has the model loaded;
	// a cold load costs far more than the RAM difference.
	nodeID, sticky, err := s.SelectNode(context.Background(), "qwen2.5:3b")
	require.NoError(t, err)
	assert.Equal(t, "pi-busy", nodeID)
	assert.True(t, sticky)
}

func TestSelectNode_FallsBackToLeastLoaded(t *testing.T) {
	h := seedNodes(t,
		routableNode("pi-02", 50, "llama3:8b"),
		routableNode("pi-01", 30, "llama3:8b"),
	)
	s := NewStickyRouter(h)

	nodeID, sticky, err := s.SelectNode(context.Background(), "qwen2.5:3b")
	require.NoError(t, err)
	assert.Equal(t, "pi-01", nodeID, "no resident copy anywhere, least loaded wins")
	assert.False(t, sticky)
}

func TestSelectNode_NoNodes(t *testing.T) {
	h := seedNodes(t)
	s := NewStickyRouter(h)

	_, _, err := s.SelectNode(context.Background(), "qwen2.5:3b")
	assert.ErrorIs(t, err, ErrNoAvailableNodes)
}

func inferenceRequest(model string) contracts.InferenceRequest {
	return contracts.InferenceRequest{
		Version:   contracts.Version,
		RequestID: uuid.New().String(),
		Timestamp: registryBase,
		Source:    "orion-core",
		Model:     model,
		Messages:  []contracts.ChatMessage{{Role: "user", Content: "status summary"}},
	}
}

func TestRoute_DispatchesToWorkerStream(t *testing.T) {
	client, mr := newTestClient(t)
	raw, _ := json.Marshal(routableNode("pi-01", 30, "qwen2.5:3b"))
	mr.HSet(DefaultHealthHashKey, "pi-01", string(raw))

	registry := NewHealthRegistry(client, "router",
		WithRegistryClock(func() time.Time { return registryBase }))
	sticky := NewStickyRouter(NewHealthReader(registry, DefaultThresholds()))
	d := NewDispatcher(client, sticky, "")

	req := inferenceRequest("qwen2.5:3b")
	require.NoError(t, d.Route(context.Background(), req))

	entries, err := mr.Stream(d.WorkerStream("pi-01"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var got contracts.InferenceRequest
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values[1]), &got))
	assert.Equal(t, req.RequestID, got.RequestID)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.TotalRouted)
	assert.Equal(t, int64(1), stats.StickyHits)
	assert.Zero(t, stats.Fallbacks)
}

func TestRoute_NoNodesLeavesError(t *testing.T) {
	client, _ := newTestClient(t)
	registry := NewHealthRegistry(client, "router",
		WithRegistryClock(func() time.Time { return registryBase }))
	sticky := NewStickyRouter(NewHealthReader(registry, DefaultThresholds()))
	d := NewDispatcher(client, sticky, "")

	err := d.Route(context.Background(), inferenceRequest("qwen2.5:3b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoAvailableNodes)
	assert.Equal(t, int64(1), d.Stats().Errors)
}

func TestStreamNames(t *testing.T) {
	client, _ := newTestClient(t)
	d := NewDispatcher(client, nil, "")
	assert.Equal(t, "orion:inference:requests", d.RequestStream())
	assert.Equal(t, "orion:inference:requests:pi-01", d.WorkerStream("pi-01"))
}
