// Package watcher observes the host system and emits events. Watchers are
// pure observers: no thresholds, no heuristics, no decisions. Fewer events
// beat noisy ones; downstream stages decide what matters.
package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/orion-homelab/orion/internal/contracts"
)

// MinPollInterval bounds how often the watcher may sample.
const MinPollInterval = 30 * time.Second

// Publisher is the slice of the event bus the watcher needs.
type Publisher interface {
	Publish(ctx context.Context, message any, contractType string) (string, error)
}

// SystemResourceWatcher polls CPU, memory and disk and publishes one
// observation event per poll.
type SystemResourceWatcher struct {
	bus      Publisher
	source   string
	interval time.Duration
}

// New creates a watcher. Intervals below MinPollInterval are clamped up.
func New(bus Publisher, source string, interval time.Duration) *SystemResourceWatcher {
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	return &SystemResourceWatcher{bus: bus, source: source, interval: interval}
}

// Run polls until ctx is cancelled, emitting one event per cycle.
func (w *SystemResourceWatcher) Run(ctx context.Context) {
	slog.Info("[Watcher] System resource watcher started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[Watcher] System resource watcher stopped")
			return
		case <-ticker.C:
			w.observe(ctx)
		}
	}
}

func (w *SystemResourceWatcher) observe(ctx context.Context) {
	event := contracts.NewEvent(w.source, "observation", contracts.SeverityInfo, w.sample(ctx))
	if _, err := w.bus.Publish(ctx, event, contracts.TypeEvent); err != nil {
		slog.Error("[Watcher] Observation publish failed", "error", err)
		return
	}
	slog.Debug("[Watcher] Observation published", "event_id", event.EventID)
}

// sample collects the current readings. Individual probe failures degrade
// to missing fields rather than a failed poll.
func (w *SystemResourceWatcher) sample(ctx context.Context) map[string]any {
	data := map[string]any{"resource_type": "system"}

	if cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false); err != nil {
		slog.Warn("[Watcher] CPU sample failed", "error", err)
	} else if len(cpuPercent) > 0 {
		data["cpu_percent"] = cpuPercent[0]
	}

	if vmem, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		slog.Warn("[Watcher] Memory sample failed", "error", err)
	} else {
		data["memory_percent"] = vmem.UsedPercent
		data["memory_used_mb"] = int64(vmem.Used / 1024 / 1024)
		data["memory_total_mb"] = int64(vmem.Total / 1024 / 1024)
	}

	if usage, err := disk.UsageWithContext(ctx, "/"); err != nil {
		slog.Warn("[Watcher] Disk sample failed", "error", err)
	} else {
		data["disk_percent"] = usage.UsedPercent
		data["disk_free_gb"] = int64(usage.Free / 1024 / 1024 / 1024)
	}

	return data
}
