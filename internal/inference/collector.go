package inference

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/orion-homelab/orion/internal/contracts"
)

// HealthCollector samples the local system and the Ollama runtime to build
// the node's health record. Everything degrades gracefully: a missing
// temperature sensor reads 0 and an unreachable runtime yields an empty
// model list.
type HealthCollector struct {
	nodeID     string
	thresholds Thresholds
	ollama     *api.Client
	clock      func() time.Time
}

// NewHealthCollector creates a collector for one node. ollamaHost is the
// runtime base URL, e.g. "http://localhost:11434".
func NewHealthCollector(nodeID, ollamaHost string, thresholds Thresholds) (*HealthCollector, error) {
	u, err := url.Parse(ollamaHost)
	if err != nil {
		return nil, err
	}
	return &HealthCollector{
		nodeID:     nodeID,
		thresholds: thresholds,
		ollama:     api.NewClient(u, http.DefaultClient),
		clock:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Collect samples CPU, memory, temperature and resident models. The
// availability flag applies the same thresholds the router uses, so an
// overheated node takes itself out of rotation at the source too.
func (c *HealthCollector) Collect(ctx context.Context) contracts.NodeHealth {
	health := contracts.NodeHealth{
		NodeID:   c.nodeID,
		Models:   []string{},
		LastSeen: c.clock(),
	}

	if cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false); err != nil {
		slog.Warn("[Inference] CPU sample failed", "error", err)
	} else if len(cpuPercent) > 0 {
		health.CPUPercent = cpuPercent[0]
	}

	if vmem, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		slog.Warn("[Inference] Memory sample failed", "error", err)
	} else {
		health.RAMPercent = vmem.UsedPercent
		health.RAMUsedMB = int64(vmem.Used / 1024 / 1024)
		health.RAMTotalMB = int64(vmem.Total / 1024 / 1024)
	}

	health.TempCelsius = c.cpuTemperature(ctx)
	health.Models = c.residentModels(ctx)
	health.Available = health.TempCelsius <= c.thresholds.MaxTempCelsius &&
		health.RAMPercent <= c.thresholds.MaxRAMPercent

	return health
}

// cpuTemperature reads the CPU temperature, trying gopsutil sensors first
// and the Raspberry Pi thermal zone as a fallback. 0 means unavailable.
func (c *HealthCollector) cpuTemperature(ctx context.Context) float64 {
	if temps, err := sensors.TemperaturesWithContext(ctx); err == nil {
		for _, t := range temps {
			key := strings.ToLower(t.SensorKey)
			if key == "cpu_thermal" || key == "cpu-thermal" ||
				strings.Contains(key, "coretemp") || strings.Contains(key, "k10temp") {
				return t.Temperature
			}
		}
	}

	if data, err := os.ReadFile("/sys/class/thermal/thermal_zone0/temp"); err == nil {
		if milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); err == nil {
			return milli / 1000.0
		}
	}
	return 0
}

// residentModels asks the runtime which models are loaded. Failure is
// non-fatal; routing just loses stickiness for this node.
func (c *HealthCollector) residentModels(ctx context.Context) []string {
	resp, err := c.ollama.ListRunning(ctx)
	if err != nil {
		slog.Debug("[Inference] Could not list running models", "error", err)
		return []string{}
	}
	models := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, m.Name)
	}
	return models
}
