package contracts

import "time"

// Edge command types.
const (
	CommandMove      = "MOVE"
	CommandStop      = "STOP"
	CommandCalibrate = "CALIBRATE"
	CommandStatus    = "STATUS"
	CommandResume    = "RESUME"
)

// Edge device states reported in health heartbeats.
const (
	EdgeStateRunning  = "RUNNING"
	EdgeStateIdle     = "IDLE"
	EdgeStateSafeMode = "SAFE_MODE"
	EdgeStateError    = "ERROR"
	EdgeStateOffline  = "OFFLINE"
)

// EdgeCommand is a command sent from the core to an edge device.
type EdgeCommand struct {
	Version     string         `json:"version"`
	CommandID   string         `json:"command_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Source      string         `json:"source"`
	DeviceID    string         `json:"device_id"`
	CommandType string         `json:"command_type"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Priority    int            `json:"priority"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

// Telemetry value kinds.
const (
	TelemetryPosition    = "POSITION"
	TelemetryBattery     = "BATTERY"
	TelemetryTemperature = "TEMPERATURE"
	TelemetryServoStatus = "SERVO_STATUS"
	TelemetryNetwork     = "NETWORK"
)

// EdgeTelemetry is a typed measurement published by an edge device.
type EdgeTelemetry struct {
	Version       string         `json:"version"`
	TelemetryID   string         `json:"telemetry_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	DeviceID      string         `json:"device_id"`
	TelemetryType string         `json:"telemetry_type"`
	Value         map[string]any `json:"value"`
}

// EdgeSafety is the safety sub-object of an edge health heartbeat.
type EdgeSafety struct {
	DeadManSwitchActive bool `json:"dead_man_switch_active"`
	WatchdogRemainingMs int  `json:"watchdog_remaining_ms"`
	InSafePosition      bool `json:"in_safe_position"`
}

// EdgeHealth is the heartbeat published by an edge device.
type EdgeHealth struct {
	Version          string     `json:"version"`
	HealthID         string     `json:"health_id"`
	Timestamp        time.Time  `json:"timestamp"`
	Source           string     `json:"source"`
	DeviceID         string     `json:"device_id"`
	State            string     `json:"state"`
	ConnectionStatus string     `json:"connection_status"`
	Safety           EdgeSafety `json:"safety"`
}
