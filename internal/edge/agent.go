package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orion-homelab/orion/internal/contracts"
	"github.com/orion-homelab/orion/internal/safety"
)

// Actuator is the kinematics surface. The real robot body plugs in here;
// the default implementation only logs, which keeps the safety semantics
// fully testable without hardware.
type Actuator interface {
	Move(params map[string]any) error
	Stop(reason string) error
	Calibrate(params map[string]any) error
	SitAndFreeze()
	Resume()
}

// LogActuator is the hardware stub.
type LogActuator struct{}

// Move implements Actuator.
func (LogActuator) Move(params map[string]any) error {
	slog.Info("[Edge] MOVE executed", "direction", params["direction"], "speed", params["speed"])
	return nil
}

// Stop implements Actuator.
func (LogActuator) Stop(reason string) error {
	slog.Info("[Edge] STOP executed", "reason", reason)
	return nil
}

// Calibrate implements Actuator.
func (LogActuator) Calibrate(params map[string]any) error {
	slog.Info("[Edge] CALIBRATE executed", "calibration_type", params["calibration_type"])
	return nil
}

// SitAndFreeze implements Actuator.
func (LogActuator) SitAndFreeze() {
	slog.Warn("[Edge] Sit & Freeze: legs folded, body lowered")
}

// Resume implements Actuator.
func (LogActuator) Resume() {
	slog.Info("[Edge] Resuming normal posture")
}

// CommandValidator checks an inbound command against its contract.
type CommandValidator interface {
	Validate(message map[string]any, contractType string) error
}

// Agent is the edge control loop: it filters commands through the safety
// kernel and reports health with the safety sub-object.
type Agent struct {
	deviceID  string
	watchdog  *safety.DeadManSwitch
	safeState *safety.SafeStateManager
	actuator  Actuator
	validator CommandValidator
	clock     func() time.Time
	started   time.Time
}

// NewAgent wires the safety kernel to the actuator. The watchdog trigger
// enters safe mode through the manager, never directly.
func NewAgent(deviceID string, watchdogTimeout time.Duration, actuator Actuator, validator CommandValidator) *Agent {
	a := &Agent{
		deviceID:  deviceID,
		actuator:  actuator,
		validator: validator,
		clock:     func() time.Time { return time.Now().UTC() },
	}
	a.started = a.clock()
	a.safeState = safety.NewSafeStateManager(actuator.SitAndFreeze, actuator.Resume)
	a.watchdog = safety.NewDeadManSwitch(watchdogTimeout, a.safeState.EnterSafeMode)
	return a
}

// Watchdog exposes the switch for transport wiring (reset on connect).
func (a *Agent) Watchdog() *safety.DeadManSwitch { return a.watchdog }

// SafeState exposes the manager for health reporting.
func (a *Agent) SafeState() *safety.SafeStateManager { return a.safeState }

// Stop cancels the watchdog on shutdown.
func (a *Agent) Stop() { a.watchdog.Stop() }

// HandleCommand processes one raw command payload from either transport.
// Every valid command feeds the watchdog; the safe-mode filter then decides
// whether it may act.
func (a *Agent) HandleCommand(payload []byte) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		slog.Error("[Edge] Undecodable command dropped", "error", err)
		return
	}
	if a.validator != nil {
		if err := a.validator.Validate(m, "edge_command"); err != nil {
			slog.Error("[Edge] Invalid command dropped", "error", err)
			return
		}
	}

	var cmd contracts.EdgeCommand
	raw, _ := json.Marshal(m)
	if err := json.Unmarshal(raw, &cmd); err != nil {
		slog.Error("[Edge] Command decode failed", "error", err)
		return
	}
	if cmd.DeviceID != a.deviceID {
		slog.Warn("[Edge] Command for another device dropped", "device_id", cmd.DeviceID)
		return
	}

	// Any valid command is proof of life from the core.
	a.watchdog.Reset()

	if cmd.ExpiresAt != nil && !a.clock().Before(*cmd.ExpiresAt) {
		slog.Warn("[Edge] Expired command dropped",
			"command_id", cmd.CommandID, "command_type", cmd.CommandType)
		return
	}

	if err := a.dispatch(cmd); err != nil {
		slog.Warn("[Edge] Command rejected",
			"command_id", cmd.CommandID, "command_type", cmd.CommandType, "error", err)
	}
}

// dispatch applies the safe-mode filter and runs the command. MOVE and
// CALIBRATE are rejected in safe mode; STOP, STATUS and RESUME are always
// accepted.
func (a *Agent) dispatch(cmd contracts.EdgeCommand) error {
	inSafe := a.safeState.InSafeMode()

	switch cmd.CommandType {
	case contracts.CommandMove:
		if inSafe {
			return fmt.Errorf("MOVE rejected in safe mode, RESUME required first")
		}
		return a.actuator.Move(cmd.Parameters)

	case contracts.CommandCalibrate:
		if inSafe {
			return fmt.Errorf("CALIBRATE rejected in safe mode, RESUME required first")
		}
		return a.actuator.Calibrate(cmd.Parameters)

	case contracts.CommandStop:
		reason, _ := cmd.Parameters["reason"].(string)
		return a.actuator.Stop(reason)

	case contracts.CommandStatus:
		slog.Info("[Edge] STATUS requested, next heartbeat reports", "command_id", cmd.CommandID)
		return nil

	case contracts.CommandResume:
		if !inSafe {
			slog.Info("[Edge] RESUME ignored, not in safe mode", "command_id", cmd.CommandID)
			return nil
		}
		// Order matters: clear the sticky watchdog first so the exit is not
		// immediately re-triggered.
		a.watchdog.ClearTriggered()
		if err := a.safeState.ExitSafeMode(); err != nil {
			return fmt.Errorf("exit safe mode: %w", err)
		}
		slog.Info("[Edge] Safe mode exited via RESUME", "command_id", cmd.CommandID)
		return nil

	default:
		return fmt.Errorf("unknown command type %q", cmd.CommandType)
	}
}

// BuildHealth assembles the heartbeat with the safety sub-object.
func (a *Agent) BuildHealth(mqttConnected, redisConnected bool) contracts.EdgeHealth {
	state := contracts.EdgeStateRunning
	conn := "connected"
	switch {
	case a.safeState.InSafeMode():
		state = contracts.EdgeStateSafeMode
	case !mqttConnected || !redisConnected:
		state = contracts.EdgeStateError
	}
	switch {
	case !mqttConnected && !redisConnected:
		conn = "disconnected"
	case !mqttConnected || !redisConnected:
		conn = "degraded"
	}

	return contracts.EdgeHealth{
		Version:          contracts.Version,
		HealthID:         uuid.New().String(),
		Timestamp:        a.clock(),
		Source:           "orion-edge-" + a.deviceID,
		DeviceID:         a.deviceID,
		State:            state,
		ConnectionStatus: conn,
		Safety: contracts.EdgeSafety{
			DeadManSwitchActive: a.watchdog.IsTriggered(),
			WatchdogRemainingMs: int(a.watchdog.RemainingMs()),
			InSafePosition:      a.safeState.InSafeMode(),
		},
	}
}

// RunHeartbeat publishes health over MQTT and battery telemetry over both
// transports until ctx is cancelled.
func (a *Agent) RunHeartbeat(ctx context.Context, interval time.Duration, mqtt *MQTTClient, stream *CommandStream) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[Edge] Heartbeat stopped")
			return
		case <-ticker.C:
			redisUp := stream.Ping(ctx) == nil
			health := a.BuildHealth(mqtt.IsConnected(), redisUp)
			if err := mqtt.PublishHealth(ctx, health); err != nil {
				slog.Warn("[Edge] Health publish failed", "error", err)
			}
			if redisUp {
				// Redis reachability is proof of life on the second channel.
				a.watchdog.Reset()
			}
		}
	}
}

// PublishTelemetry sends one measurement over both channels.
func (a *Agent) PublishTelemetry(ctx context.Context, telemetryType string, value map[string]any, mqtt *MQTTClient, stream *CommandStream) {
	t := contracts.EdgeTelemetry{
		Version:       contracts.Version,
		TelemetryID:   uuid.New().String(),
		Timestamp:     a.clock(),
		Source:        "orion-edge-" + a.deviceID,
		DeviceID:      a.deviceID,
		TelemetryType: telemetryType,
		Value:         value,
	}
	if err := mqtt.PublishTelemetry(ctx, t); err != nil {
		slog.Warn("[Edge] MQTT telemetry publish failed", "error", err)
	}
	if err := stream.PublishTelemetry(ctx, t); err != nil {
		slog.Warn("[Edge] Stream telemetry publish failed", "error", err)
	}
}

// Uptime reports seconds since agent start for the /health endpoint.
func (a *Agent) Uptime() int64 {
	return int64(a.clock().Sub(a.started).Seconds())
}
