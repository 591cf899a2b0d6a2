package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/redis/go-redis/v9"

	"github.com/orion-homelab/orion/internal/contracts"
)

// DefaultWorkerGroup is the consumer group on per-worker streams.
const DefaultWorkerGroup = "orion-worker-group"

// WorkerAgent consumes its per-node request stream, runs inference through
// the local Ollama runtime and publishes the response on the request's
// callback stream. Failures produce a response with the error populated;
// the worker never retries.
type WorkerAgent struct {
	nodeID       string
	streamPrefix string
	consumer     string

	client    *redis.Client
	ollama    *api.Client
	collector *HealthCollector
	registry  *HealthRegistry
}

// NewWorkerAgent creates the agent for one node.
func NewWorkerAgent(nodeID, ollamaHost string, client *redis.Client, streamPrefix string, thresholds Thresholds) (*WorkerAgent, error) {
	u, err := url.Parse(ollamaHost)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host: %w", err)
	}
	collector, err := NewHealthCollector(nodeID, ollamaHost, thresholds)
	if err != nil {
		return nil, fmt.Errorf("create health collector: %w", err)
	}
	if streamPrefix == "" {
		streamPrefix = DefaultRequestStreamPrefix
	}
	return &WorkerAgent{
		nodeID:       nodeID,
		streamPrefix: streamPrefix,
		consumer:     fmt.Sprintf("worker-%s-%d", nodeID, time.Now().UnixNano()),
		client:       client,
		ollama:       api.NewClient(u, http.DefaultClient),
		collector:    collector,
		registry:     NewHealthRegistry(client, nodeID),
	}, nil
}

// StreamName returns the worker's request stream.
func (w *WorkerAgent) StreamName() string {
	return fmt.Sprintf("%s:requests:%s", w.streamPrefix, w.nodeID)
}

// Run drives the health publisher and the request consumer until ctx is
// cancelled, then removes the node's health entry.
func (w *WorkerAgent) Run(ctx context.Context) error {
	slog.Info("[Worker] Starting", "node_id", w.nodeID, "stream", w.StreamName())

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.healthLoop(ctx)
	}()

	err := w.consumeRequests(ctx)
	<-done

	// Deregister so routing never sees a ghost of this worker.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rmErr := w.registry.RemoveNode(cleanupCtx); rmErr != nil {
		slog.Error("[Worker] Deregistration failed", "node_id", w.nodeID, "error", rmErr)
	}
	return err
}

func (w *WorkerAgent) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(DefaultHealthInterval)
	defer ticker.Stop()

	w.publishHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("[Worker] Health publisher stopped", "node_id", w.nodeID)
			return
		case <-ticker.C:
			w.publishHealth(ctx)
		}
	}
}

func (w *WorkerAgent) publishHealth(ctx context.Context) {
	health := w.collector.Collect(ctx)
	if err := w.registry.PublishHealth(ctx, health); err != nil {
		slog.Warn("[Worker] Health publish failed", "node_id", w.nodeID, "error", err)
	}
}

func (w *WorkerAgent) consumeRequests(ctx context.Context) error {
	stream := w.StreamName()

	err := w.client.XGroupCreateMkStream(ctx, stream, DefaultWorkerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create worker group: %w", err)
	}

	for {
		streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    DefaultWorkerGroup,
			Consumer: w.consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    time.Second,
		}).Result()

		if ctx.Err() != nil {
			slog.Info("[Worker] Request consumer stopped", "node_id", w.nodeID)
			return nil
		}
		if err != nil {
			if err == redis.Nil {
				continue
			}
			slog.Warn("[Worker] Read failed", "stream", stream, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				w.processMessage(ctx, stream, msg)
			}
		}
	}
}

func (w *WorkerAgent) processMessage(ctx context.Context, stream string, msg redis.XMessage) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		slog.Error("[Worker] Message missing data field", "id", msg.ID)
		w.ack(ctx, stream, msg.ID)
		return
	}

	var req contracts.InferenceRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		slog.Error("[Worker] Undecodable request dropped", "id", msg.ID, "error", err)
		w.ack(ctx, stream, msg.ID)
		return
	}

	slog.Info("[Worker] Processing request", "request_id", req.RequestID, "model", req.Model)
	resp := w.infer(ctx, req)

	if req.Callback != "" {
		if err := w.publishResponse(ctx, req.Callback, resp); err != nil {
			slog.Error("[Worker] Response publish failed",
				"request_id", req.RequestID, "callback", req.Callback, "error", err)
		}
	}
	w.ack(ctx, stream, msg.ID)
}

// infer runs one chat completion, honoring the request's keep_alive.
func (w *WorkerAgent) infer(ctx context.Context, req contracts.InferenceRequest) contracts.InferenceResponse {
	started := time.Now()
	resp := contracts.InferenceResponse{
		Version:   contracts.Version,
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Source:    "orion-worker-" + w.nodeID,
		Model:     req.Model,
	}

	messages := make([]api.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = api.Message{Role: m.Role, Content: m.Content}
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:     req.Model,
		Messages:  messages,
		KeepAlive: &api.Duration{Duration: req.KeepAliveDuration()},
		Stream:    &stream,
	}

	var text strings.Builder
	err := w.ollama.Chat(ctx, chatReq, func(cr api.ChatResponse) error {
		text.WriteString(cr.Message.Content)
		resp.LoadDurationMs = int64(cr.LoadDuration / time.Millisecond)
		resp.PromptTokens = cr.PromptEvalCount
		resp.CompletionTokens = cr.EvalCount
		return nil
	})
	if err != nil {
		slog.Error("[Worker] Inference failed", "request_id", req.RequestID, "error", err)
		resp.Error = fmt.Sprintf("inference failed: %v", err)
		return resp
	}

	resp.Response = text.String()
	resp.TotalDurationMs = time.Since(started).Milliseconds()
	slog.Info("[Worker] Request completed",
		"request_id", req.RequestID, "total_ms", resp.TotalDurationMs,
		"load_ms", resp.LoadDurationMs, "tokens", resp.CompletionTokens)
	return resp
}

func (w *WorkerAgent) publishResponse(ctx context.Context, callback string, resp contracts.InferenceResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if err := w.client.XAdd(ctx, &redis.XAddArgs{
		Stream: callback,
		MaxLen: DefaultWorkerStreamMaxLen,
		Approx: true,
		Values: map[string]any{"data": string(raw)},
	}).Err(); err != nil {
		return fmt.Errorf("publish response to %s: %w", callback, err)
	}
	return nil
}

func (w *WorkerAgent) ack(ctx context.Context, stream, id string) {
	if err := w.client.XAck(ctx, stream, DefaultWorkerGroup, id).Err(); err != nil {
		slog.Warn("[Worker] Ack failed", "id", id, "error", err)
	}
}
