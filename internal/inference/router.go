package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orion-homelab/orion/internal/contracts"
)

// Router defaults.
const (
	DefaultRequestStreamPrefix = "orion:inference"
	DefaultRouterGroup         = "orion-router-group"
	DefaultWorkerStreamMaxLen  = 1000
)

// ErrNoAvailableNodes means no worker passes the health and staleness
// checks; the request stays un-acked for later redelivery.
var ErrNoAvailableNodes = errors.New("no available inference nodes")

// Thresholds are the routing availability limits, consulted on every read.
type Thresholds struct {
	MaxTempCelsius float64
	MaxRAMPercent  float64
}

// DefaultThresholds suit passively cooled homelab nodes.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxTempCelsius: 75, MaxRAMPercent: 90}
}

// HealthReader is the router's read-only view of the registry: fresh,
// available nodes within thresholds, sorted ascending by RAM usage.
type HealthReader struct {
	registry   *HealthRegistry
	thresholds Thresholds
}

// NewHealthReader wraps a registry with routing thresholds.
func NewHealthReader(registry *HealthRegistry, thresholds Thresholds) *HealthReader {
	return &HealthReader{registry: registry, thresholds: thresholds}
}

// AvailableNodes returns routable nodes sorted by ram_percent ascending.
func (h *HealthReader) AvailableNodes(ctx context.Context) ([]contracts.NodeHealth, error) {
	all, err := h.registry.All(ctx)
	if err != nil {
		return nil, err
	}
	nodes := make([]contracts.NodeHealth, 0, len(all))
	for _, n := range all {
		if h.routable(n) {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].RAMPercent < nodes[j].RAMPercent
	})
	return nodes, nil
}

// routable applies the availability rule. Freshness is already enforced by
// the registry read.
func (h *HealthReader) routable(n contracts.NodeHealth) bool {
	return n.Available &&
		n.TempCelsius <= h.thresholds.MaxTempCelsius &&
		n.RAMPercent <= h.thresholds.MaxRAMPercent
}

// StickyRouter selects workers with a model-residency preference.
type StickyRouter struct {
	health *HealthReader
}

// NewStickyRouter creates the selection policy over a health reader.
func NewStickyRouter(health *HealthReader) *StickyRouter {
	return &StickyRouter{health: health}
}

// SelectNode picks the worker for a model: among available nodes sorted by
// RAM ascending, the first with the model resident (sticky hit), otherwise
// the least loaded. The second return reports whether it was a sticky hit.
func (s *StickyRouter) SelectNode(ctx context.Context, model string) (string, bool, error) {
	nodes, err := s.health.AvailableNodes(ctx)
	if err != nil {
		return "", false, err
	}
	if len(nodes) == 0 {
		return "", false, ErrNoAvailableNodes
	}
	for _, n := range nodes {
		if n.HasModel(model) {
			return n.NodeID, true, nil
		}
	}
	return nodes[0].NodeID, false, nil
}

// RoutingStats is the counter snapshot served on /stats.
type RoutingStats struct {
	TotalRouted int64 `json:"total_routed"`
	StickyHits  int64 `json:"sticky_hits"`
	Fallbacks   int64 `json:"fallbacks"`
	Errors      int64 `json:"errors"`
}

// Dispatcher consumes the shared request stream and fans requests out to
// per-worker streams.
type Dispatcher struct {
	client       *redis.Client
	sticky       *StickyRouter
	streamPrefix string
	consumer     string

	totalRouted atomic.Int64
	stickyHits  atomic.Int64
	fallbacks   atomic.Int64
	errors      atomic.Int64
}

// NewDispatcher creates a Dispatcher. streamPrefix defaults to
// "orion:inference".
func NewDispatcher(client *redis.Client, sticky *StickyRouter, streamPrefix string) *Dispatcher {
	if streamPrefix == "" {
		streamPrefix = DefaultRequestStreamPrefix
	}
	return &Dispatcher{
		client:       client,
		sticky:       sticky,
		streamPrefix: streamPrefix,
		consumer:     fmt.Sprintf("router-%d", time.Now().UnixNano()),
	}
}

// RequestStream returns the shared inbound stream name.
func (d *Dispatcher) RequestStream() string {
	return d.streamPrefix + ":requests"
}

// WorkerStream returns the per-worker stream name.
func (d *Dispatcher) WorkerStream(nodeID string) string {
	return fmt.Sprintf("%s:requests:%s", d.streamPrefix, nodeID)
}

// Route selects a worker for the request and appends it to that worker's
// stream. ErrNoAvailableNodes propagates so the caller can leave the
// message un-acked.
func (d *Dispatcher) Route(ctx context.Context, req contracts.InferenceRequest) error {
	nodeID, sticky, err := d.sticky.SelectNode(ctx, req.Model)
	if err != nil {
		d.errors.Add(1)
		routerErrorsTotal.Inc()
		return fmt.Errorf("select node for model %s: %w", req.Model, err)
	}

	raw, err := json.Marshal(req)
	if err != nil {
		d.errors.Add(1)
		routerErrorsTotal.Inc()
		return fmt.Errorf("marshal request %s: %w", req.RequestID, err)
	}

	stream := d.WorkerStream(nodeID)
	if err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: DefaultWorkerStreamMaxLen,
		Approx: true,
		Values: map[string]any{"data": string(raw)},
	}).Err(); err != nil {
		d.errors.Add(1)
		routerErrorsTotal.Inc()
		return fmt.Errorf("dispatch to %s: %w", stream, err)
	}

	d.totalRouted.Add(1)
	if sticky {
		d.stickyHits.Add(1)
		routedTotal.WithLabelValues("sticky").Inc()
	} else {
		d.fallbacks.Add(1)
		routedTotal.WithLabelValues("fallback").Inc()
	}
	slog.Info("[Router] Request dispatched",
		"request_id", req.RequestID, "model", req.Model, "node_id", nodeID, "sticky", sticky)
	return nil
}

// Run consumes the shared request stream until ctx is cancelled. Routing
// failures leave the message un-acked; redelivery retries it once workers
// come back.
func (d *Dispatcher) Run(ctx context.Context) error {
	stream := d.RequestStream()

	err := d.client.XGroupCreateMkStream(ctx, stream, DefaultRouterGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create router group: %w", err)
	}
	slog.Info("[Router] Consuming requests", "stream", stream, "group", DefaultRouterGroup)

	for {
		streams, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    DefaultRouterGroup,
			Consumer: d.consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()

		if ctx.Err() != nil {
			slog.Info("[Router] Request consumer stopped")
			return nil
		}
		if err != nil {
			if err == redis.Nil {
				continue
			}
			slog.Warn("[Router] Read failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				d.processMessage(ctx, stream, msg)
			}
		}
	}
}

func (d *Dispatcher) processMessage(ctx context.Context, stream string, msg redis.XMessage) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		slog.Error("[Router] Message missing data field", "id", msg.ID)
		d.ack(ctx, stream, msg.ID)
		return
	}

	var req contracts.InferenceRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		slog.Error("[Router] Undecodable request dropped", "id", msg.ID, "error", err)
		d.ack(ctx, stream, msg.ID)
		return
	}

	if err := d.Route(ctx, req); err != nil {
		// Un-acked on purpose: the group redelivers once capacity returns.
		slog.Error("[Router] Routing failed, request left pending",
			"request_id", req.RequestID, "error", err)
		return
	}
	d.ack(ctx, stream, msg.ID)
}

func (d *Dispatcher) ack(ctx context.Context, stream, id string) {
	if err := d.client.XAck(ctx, stream, DefaultRouterGroup, id).Err(); err != nil {
		slog.Warn("[Router] Ack failed", "id", id, "error", err)
	}
}

// Stats returns a snapshot of the routing counters.
func (d *Dispatcher) Stats() RoutingStats {
	return RoutingStats{
		TotalRouted: d.totalRouted.Load(),
		StickyHits:  d.stickyHits.Load(),
		Fallbacks:   d.fallbacks.Load(),
		Errors:      d.errors.Load(),
	}
}
