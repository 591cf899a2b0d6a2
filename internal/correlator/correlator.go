// Package correlator turns raw events into incidents.
//
// Events are deduplicated by a stable 16-hex-char fingerprint and grouped
// into incidents within a bounded time window. Replays of an identical
// event inside the window are absorbed into the same open incident.
package correlator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orion-homelab/orion/internal/contracts"
)

const (
	// DefaultWindow bounds how long an incident stays open for absorption.
	DefaultWindow = 60 * time.Second

	// bufferCap bounds the raw event buffer (FIFO eviction).
	bufferCap = 100
)

// Publisher is the slice of the event bus the correlator needs.
type Publisher interface {
	Publish(ctx context.Context, message any, contractType string) (string, error)
}

type openIncident struct {
	incidentID  string
	fingerprint string
	incidentType string
	severity    string
	eventIDs    []string
	seen        map[string]bool // event ids already absorbed
	labels      map[string]string
	start       time.Time
	lastSeen    time.Time
}

// Correlator owns the open-incident map and the event buffer. All state is
// in-memory; a restart loses open windows (single-instance deployment).
type Correlator struct {
	mu     sync.Mutex
	bus    Publisher
	source string
	window time.Duration
	clock  func() time.Time

	buffer []contracts.Event
	open   map[string]*openIncident
	closed []*openIncident // expired, awaiting publish by the next sweep
}

// Option adjusts a Correlator.
type Option func(*Correlator)

// WithWindow overrides the correlation window.
func WithWindow(d time.Duration) Option {
	return func(c *Correlator) { c.window = d }
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Correlator) { c.clock = clock }
}

// New creates a Correlator publishing incidents through bus.
func New(bus Publisher, source string, opts ...Option) *Correlator {
	c := &Correlator{
		bus:    bus,
		source: source,
		window: DefaultWindow,
		clock:  func() time.Time { return time.Now().UTC() },
		open:   make(map[string]*openIncident),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fingerprint computes the stable dedup hash for an event: sha256 over
// event type, severity and the identity-bearing data fields, truncated to
// 16 hex chars.
func Fingerprint(e contracts.Event) string {
	parts := []string{
		"event_type=" + e.EventType,
		"severity=" + e.Severity,
	}
	for _, key := range identityKeys {
		if v, ok := e.Data[key]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		}
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(fmt.Sprint(parts)))
	return hex.EncodeToString(sum[:])[:16]
}

// HandleEvent absorbs one event into an open incident or opens a new one.
func (c *Correlator) HandleEvent(ctx context.Context, e contracts.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer = append(c.buffer, e)
	if len(c.buffer) > bufferCap {
		c.buffer = c.buffer[len(c.buffer)-bufferCap:]
	}

	now := c.clock()
	fp := Fingerprint(e)

	if inc, ok := c.open[fp]; ok {
		if now.Before(inc.start.Add(c.window)) {
			if !inc.seen[e.EventID] {
				inc.seen[e.EventID] = true
				inc.eventIDs = append(inc.eventIDs, e.EventID)
			}
			// lastSeen moves within the window; the window end never extends
			// past start+window.
			inc.lastSeen = now
			if severityRank(e.Severity) > severityRank(inc.severity) {
				inc.severity = e.Severity
			}
			slog.Debug("[Correlator] Event absorbed", "fingerprint", fp, "incident_id", inc.incidentID, "events", len(inc.eventIDs))
			return
		}
		// The window expired before the sweep ran. Queue the old incident
		// for publishing; replacing it in place would lose it.
		c.closed = append(c.closed, inc)
		delete(c.open, fp)
		slog.Info("[Correlator] Incident closed by same-fingerprint reopen",
			"fingerprint", fp, "incident_id", inc.incidentID, "events", len(inc.eventIDs))
	}

	inc := &openIncident{
		incidentID:   uuid.New().String(),
		fingerprint:  fp,
		incidentType: incidentTypeFor(e.EventType),
		severity:     e.Severity,
		eventIDs:     []string{e.EventID},
		seen:         map[string]bool{e.EventID: true},
		labels:       identityLabels(e),
		start:        now,
		lastSeen:     now,
	}
	c.open[fp] = inc
	slog.Info("[Correlator] Incident opened", "fingerprint", fp, "incident_id", inc.incidentID, "type", inc.incidentType)
}

// Sweep closes and publishes incidents whose window has expired. Publish
// failures keep the incident queued for the next sweep. It is called
// periodically by Run and directly by tests.
func (c *Correlator) Sweep(ctx context.Context) {
	now := c.clock()

	c.mu.Lock()
	pending := c.closed
	c.closed = nil
	for fp, inc := range c.open {
		if !now.Before(inc.start.Add(c.window)) {
			pending = append(pending, inc)
			delete(c.open, fp)
		}
	}
	c.mu.Unlock()

	var retry []*openIncident
	for _, inc := range pending {
		incident := c.buildIncident(inc)
		if _, err := c.bus.Publish(ctx, incident, contracts.TypeIncident); err != nil {
			slog.Error("[Correlator] Failed to publish incident, will retry",
				"incident_id", inc.incidentID, "error", err)
			retry = append(retry, inc)
			continue
		}
		slog.Info("[Correlator] Incident published",
			"incident_id", inc.incidentID, "type", inc.incidentType,
			"severity", inc.severity, "events", len(inc.eventIDs))
	}

	if len(retry) > 0 {
		c.mu.Lock()
		c.closed = append(retry, c.closed...)
		c.mu.Unlock()
	}
}

// Run subscribes the sweep loop to the clock; the event intake is wired
// separately through the bus subscription. Blocks until ctx is cancelled.
func (c *Correlator) Run(ctx context.Context) {
	granularity := c.window / 4
	if granularity < time.Second {
		granularity = time.Second
	}
	ticker := time.NewTicker(granularity)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[Correlator] Sweep loop stopped")
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// OpenCount returns the number of open incidents (for tests and /health).
func (c *Correlator) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

func (c *Correlator) buildIncident(inc *openIncident) contracts.Incident {
	end := inc.start.Add(c.window)
	return contracts.Incident{
		Version:      contracts.Version,
		IncidentID:   inc.incidentID,
		Timestamp:    end,
		Source:       c.source,
		IncidentType: inc.incidentType,
		Severity:     inc.severity,
		EventIDs:     inc.eventIDs,
		CorrelationWindow: contracts.Window{
			Start: inc.start,
			End:   end,
		},
		Fingerprint: inc.fingerprint,
		Description: describe(inc),
		Labels:      inc.labels,
	}
}

func describe(inc *openIncident) string {
	desc := fmt.Sprintf("Correlated %d event(s): %s", len(inc.eventIDs), inc.incidentType)
	var parts []string
	for _, key := range identityKeys {
		if v, ok := inc.labels[key]; ok {
			parts = append(parts, key+"="+v)
		}
	}
	if len(parts) > 0 {
		desc += " (" + strings.Join(parts, ", ") + ")"
	}
	return desc
}

// identityKeys are the data fields that identify "the same" situation; they
// feed the fingerprint and travel on the incident as labels.
var identityKeys = []string{"service", "service_name", "resource_type", "device_id"}

func identityLabels(e contracts.Event) map[string]string {
	labels := make(map[string]string)
	for _, key := range identityKeys {
		if v, ok := e.Data[key].(string); ok && v != "" {
			labels[key] = v
		}
	}
	return labels
}

func incidentTypeFor(eventType string) string {
	switch eventType {
	case "service_down":
		return "service_outage"
	case "service_up":
		return "service_recovery"
	case "metric_threshold_exceeded", "resource_anomaly":
		return "resource_anomaly"
	case "edge_device_offline", "heartbeat_missed":
		return "edge_device_failure"
	default:
		return "correlation_detected"
	}
}

func severityRank(s string) int {
	switch s {
	case contracts.SeverityCritical:
		return 3
	case contracts.SeverityError:
		return 2
	case contracts.SeverityWarning:
		return 1
	default:
		return 0
	}
}
