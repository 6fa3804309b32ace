package types

import "time"

// SessionState is the lifecycle state of a camera's transcoding pipeline.
type SessionState int

const (
	// StateStarting means the subprocess has been spawned but no output
	// has been observed yet.
	StateStarting SessionState = iota
	// StateStreaming means the pipeline is producing segments.
	StateStreaming
	// StateError means the subprocess crashed or went stale.
	StateError
	// StateRestarting means a restart is pending after backoff.
	StateRestarting
	// StateStopped is terminal, reached only via explicit stop.
	StateStopped
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RecordingMode is the per-camera recording state.
type RecordingMode int

const (
	// ModeIdle means no clip is being captured.
	ModeIdle RecordingMode = iota
	// ModeManual means a clip was started by an operator.
	ModeManual
	// ModeMotion means a clip was started by the motion detector.
	ModeMotion
)

// String returns a human-readable mode name.
func (m RecordingMode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeManual:
		return "manual"
	case ModeMotion:
		return "motion"
	default:
		return "unknown"
	}
}

// FailureCategory classifies a pipeline failure for telemetry and status.
type FailureCategory int

const (
	// FailureNone means no failure has been observed.
	FailureNone FailureCategory = iota
	// FailureNetwork indicates a transient network failure (camera
	// unreachable, timeout). Retried with backoff.
	FailureNetwork
	// FailureAuth indicates rejected credentials.
	FailureAuth
	// FailureCodec indicates a stream format or decode problem.
	FailureCodec
	// FailureConfig indicates repeated immediate failures, most likely a
	// bad address or credentials. Still retried at the capped interval.
	FailureConfig
	// FailureUnknown is an unclassified failure.
	FailureUnknown
)

// String returns a human-readable category name.
func (c FailureCategory) String() string {
	switch c {
	case FailureNone:
		return "none"
	case FailureNetwork:
		return "network"
	case FailureAuth:
		return "auth"
	case FailureCodec:
		return "codec"
	case FailureConfig:
		return "config"
	case FailureUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// SessionStatus is a point-in-time snapshot of one camera's pipeline,
// exposed to the HTTP layer and the control plane.
type SessionStatus struct {
	CameraID      string    `json:"camera_id"`
	State         string    `json:"state"`
	Recording     bool      `json:"recording"`
	RecordingMode string    `json:"recording_mode"`
	Failures      int       `json:"failures"`
	LastError     string    `json:"last_error,omitempty"`
	LastCategory  string    `json:"last_category,omitempty"`
	LastOutputAt  time.Time `json:"last_output_at"`
	StartedAt     time.Time `json:"started_at"`
	Restarts      uint64    `json:"restarts"`
}

// Clip describes a finished or in-progress recording file.
type Clip struct {
	CameraID   string    `json:"camera_id"`
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
	Mode       string    `json:"mode,omitempty"`
}

// ClipMeta is the JSON sidecar written next to each finalized clip.
type ClipMeta struct {
	ClipID     string `json:"clip_id"`
	CameraID   string `json:"camera_id"`
	Mode       string `json:"mode"`
	DurationMS int64  `json:"duration_ms"`
	SizeBytes  int64  `json:"size_bytes"`
}

// EventType identifies an orchestration event on the bus.
type EventType string

const (
	EventSessionState   EventType = "session_state"
	EventMotion         EventType = "motion"
	EventRecordingStart EventType = "recording_start"
	EventRecordingStop  EventType = "recording_stop"
	EventSnapshot       EventType = "snapshot"
	EventSweep          EventType = "sweep"
)

// Event is an orchestration event published on the internal bus and
// forwarded to MQTT and websocket subscribers.
type Event struct {
	Type      EventType      `json:"type"`
	CameraID  string         `json:"camera_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	TraceID   string         `json:"trace_id"`
	Fields    map[string]any `json:"fields,omitempty"`
}
