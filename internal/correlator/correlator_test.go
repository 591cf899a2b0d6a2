package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orion-homelab/orion/internal/contracts"
)

type fakeBus struct {
	mu        sync.Mutex
	published []publishedMsg
	err       error
}

type publishedMsg struct {
	message      any
	contractType string
}

func (b *fakeBus) Publish(_ context.Context, message any, contractType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.published = append(b.published, publishedMsg{message, contractType})
	return "1-0", nil
}

func (b *fakeBus) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *fakeBus) incidents() []contracts.Incident {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []contracts.Incident
	for _, p := range b.published {
		if p.contractType == contracts.TypeIncident {
			out = append(out, p.message.(contracts.Incident))
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func serviceDownEvent(service string) contracts.Event {
	return contracts.NewEvent("test-watcher", "service_down", contracts.SeverityError,
		map[string]any{"service": service})
}

func TestFingerprint_StableAndIdentitySensitive(t *testing.T) {
	a := serviceDownEvent("jellyfin")
	b := serviceDownEvent("jellyfin")
	c := serviceDownEvent("sonarr")

	assert.Equal(t, Fingerprint(a), Fingerprint(b),
		"same type, severity and identity fields must share a fingerprint")
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
	assert.Len(t, Fingerprint(a), 16)

	d := a
	d.Severity = contracts.SeverityCritical
	assert.NotEqual(t, Fingerprint(a), Fingerprint(d), "severity is part of the identity")
}

func TestHandleEvent_DeduplicatesWithinWindow(t *testing.T) {
	bus := &fakeBus{}
	clock := newTestClock()
	c := New(bus, "orion-core", WithClock(clock.Now))

	c.HandleEvent(context.Background(), serviceDownEvent("jellyfin"))
	clock.Advance(10 * time.Second)
	c.HandleEvent(context.Background(), serviceDownEvent("jellyfin"))
	clock.Advance(10 * time.Second)
	c.HandleEvent(context.Background(), serviceDownEvent("jellyfin"))

	require.Equal(t, 1, c.OpenCount(), "replays inside the window join the open incident")

	clock.Advance(DefaultWindow)
	c.Sweep(context.Background())

	incidents := bus.incidents()
	require.Len(t, incidents, 1)
	inc := incidents[0]
	assert.Equal(t, "service_outage", inc.IncidentType)
	assert.Len(t, inc.EventIDs, 3)
	assert.Equal(t, "jellyfin", inc.Labels["service"])
	assert.Contains(t, inc.Description, "jellyfin")
}

func TestHandleEvent_SameEventIDAbsorbedOnce(t *testing.T) {
	bus := &fakeBus{}
	clock := newTestClock()
	c := New(bus, "orion-core", WithClock(clock.Now))

	e := serviceDownEvent("jellyfin")
	c.HandleEvent(context.Background(), e)
	c.HandleEvent(context.Background(), e)

	clock.Advance(DefaultWindow)
	c.Sweep(context.Background())

	incidents := bus.incidents()
	require.Len(t, incidents, 1)
	assert.Len(t, incidents[0].EventIDs, 1, "at-least-once delivery must not duplicate event ids")
}

func TestHandleEvent_DistinctServicesOpenDistinctIncidents(t *testing.T) {
	bus := &fakeBus{}
	clock := newTestClock()
	c := New(bus, "orion-core", WithClock(clock.Now))

	c.HandleEvent(context.Background(), serviceDownEvent("jellyfin"))
	c.HandleEvent(context.Background(), serviceDownEvent("sonarr"))

	assert.Equal(t, 2, c.OpenCount())
}

func TestIncident_ResourceAnomalyCarriesResourceLabel(t *testing.T) {
	bus := &fakeBus{}
	clock := newTestClock()
	c := New(bus, "orion-core", WithClock(clock.Now))

	e := contracts.NewEvent("test-watcher", "resource_anomaly", contracts.SeverityWarning,
		map[string]any{"resource_type": "memory"})
	c.HandleEvent(context.Background(), e)

	clock.Advance(DefaultWindow)
	c.Sweep(context.Background())

	incidents := bus.incidents()
	require.Len(t, incidents, 1)
	assert.Equal(t, contracts.SeverityWarning, incidents[0].Severity)
	assert.Equal(t, "resource_anomaly", incidents[0].IncidentType)
	assert.Equal(t, "memory", incidents[0].Labels["resource_type"])
}

func TestSweep_WindowNeverExtendsPastStart(t *testing.T) {
	bus := &fakeBus{}
	clock := newTestClock()
	c := New(bus, "orion-core", WithClock(clock.Now), WithWindow(30*time.Second))

	start := clock.Now()
	c.HandleEvent(context.Background(), serviceDownEvent("jellyfin"))

	// Keep feeding the incident right up to the boundary.
	clock.Advance(29 * time.Second)
	c.HandleEvent(context.Background(), serviceDownEvent("jellyfin"))

	clock.Advance(2 * time.Second)
	c.Sweep(context.Background())

	incidents := bus.incidents()
	require.Len(t, incidents, 1)
	assert.Equal(t, start, incidents[0].CorrelationWindow.Start)
	assert.Equal(t, start.Add(30*time.Second), incidents[0].CorrelationWindow.End,
		"absorbed events move lastSeen but never stretch the window")
}

func TestSweep_EventAfterWindowOpensNewIncident(t *testing.T) {
	bus := &fakeBus{}
	clock := newTestClock()
	c := New(bus, "orion-core", WithClock(clock.Now), WithWindow(30*time.Second))

	c.HandleEvent(context.Background(), serviceDownEvent("jellyfin"))
	clock.Advance(31 * time.Second)
	c.HandleEvent(context.Background(), serviceDownEvent("jellyfin"))

	c.Sweep(context.Background())
	require.Len(t, bus.incidents(), 1, "only the expired incident is published")
	assert.Equal(t, 1, c.OpenCount(), "the late replay opened a fresh incident")
}

func TestHandleEvent_ExpiredIncidentSurvivesReopen(t *testing.T) {
	bus := &fakeBus{}
	clock := newTestClock()
	c := New(bus, "orion-core", WithClock(clock.Now))

	e1 := serviceDownEvent("jellyfin")
	c.HandleEvent(context.Background(), e1)

	// The window expires and a same-fingerprint event lands before the
	// next sweep. The first incident must still reach the bus.
	clock.Advance(DefaultWindow + time.Second)
	e2 := serviceDownEvent("jellyfin")
	c.HandleEvent(context.Background(), e2)

	c.Sweep(context.Background())
	incidents := bus.incidents()
	require.Len(t, incidents, 1)
	assert.Equal(t, []string{e1.EventID}, incidents[0].EventIDs,
		"the first window's incident is published, not replaced")

	clock.Advance(DefaultWindow + time.Second)
	c.Sweep(context.Background())
	incidents = bus.incidents()
	require.Len(t, incidents, 2)
	assert.Equal(t, []string{e2.EventID}, incidents[1].EventIDs)
	assert.NotEqual(t, incidents[0].IncidentID, incidents[1].IncidentID)
}

func TestSweep_RetriesPublishAfterBusFailure(t *testing.T) {
	bus := &fakeBus{}
	clock := newTestClock()
	c := New(bus, "orion-core", WithClock(clock.Now))

	c.HandleEvent(context.Background(), serviceDownEvent("jellyfin"))
	clock.Advance(DefaultWindow + time.Second)

	bus.setErr(assert.AnError)
	c.Sweep(context.Background())
	assert.Empty(t, bus.incidents())

	bus.setErr(nil)
	c.Sweep(context.Background())
	incidents := bus.incidents()
	require.Len(t, incidents, 1, "a transient bus failure must not lose the incident")
	assert.Len(t, incidents[0].EventIDs, 1)
}

func TestIncidentTypeMapping(t *testing.T) {
	cases := map[string]string{
		"service_down":              "service_outage",
		"service_up":                "service_recovery",
		"metric_threshold_exceeded": "resource_anomaly",
		"resource_anomaly":          "resource_anomaly",
		"edge_device_offline":       "edge_device_failure",
		"heartbeat_missed":          "edge_device_failure",
		"something_never_seen":      "correlation_detected",
	}
	for eventType, want := range cases {
		assert.Equal(t, want, incidentTypeFor(eventType), eventType)
	}
}
