// Package protocol defines the WebSocket message types exchanged with
// landmark producers and dashboard clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Producer → Server messages
	TypeLandmarks MessageType = "landmarks" // Pose estimation result for one frame

	// Client → Server messages
	TypeControl MessageType = "control" // Session control command

	// Server → Client messages
	TypeStatus      MessageType = "status"      // Classification output
	TypeProgress    MessageType = "progress"    // Calibration countdown
	TypeCalibration MessageType = "calibration" // Calibration finished
	TypeSession     MessageType = "session"     // Session state changed
	TypeError       MessageType = "error"       // Request failed

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// Time returns the message timestamp, or the zero time if unset.
func (m *Message) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Producer → Server Message Types
// =============================================================================

// Keypoint is one landmark in normalized image coordinates.
type Keypoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z,omitempty"`
	Score float64 `json:"score"` // Visibility or confidence (0-1)
}

// Person is one detected body.
type Person struct {
	Score     float64    `json:"score"`
	Keypoints []Keypoint `json:"keypoints"`
}

// LandmarksData contains the pose estimation result for one frame.
// An empty People list means nobody is in view.
type LandmarksData struct {
	Layout  string   `json:"layout"` // "movenet", "blazepose"
	FrameID uint64   `json:"frame_id,omitempty"`
	People  []Person `json:"people"`
}

// =============================================================================
// Client → Server Message Types
// =============================================================================

// Control commands.
const (
	CommandStart               = "start"
	CommandPause               = "pause"
	CommandResume              = "resume"
	CommandRecalibrate         = "recalibrate"
	CommandToggleVisualization = "toggle_visualization"
	CommandGetStatus           = "get_status"
)

// ControlCommand asks the server to change the session.
type ControlCommand struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// =============================================================================
// Server → Client Message Types
// =============================================================================

// StatusData is one classification output.
type StatusData struct {
	SessionID   string  `json:"session_id,omitempty"`
	State       string  `json:"state"` // good, slouching_pending, slouching_confirmed, indeterminate, no_subject
	Color       string  `json:"color"` // green, yellow, red, gray
	ShouldAlert bool    `json:"should_alert"`
	Visible     bool    `json:"visible"`
	Metric      float64 `json:"metric"`
	Reference   float64 `json:"reference"`
	Decrease    float64 `json:"decrease"`
	BadFrames   int     `json:"bad_frames"`
	At          int64   `json:"at"` // Unix milliseconds of the tick
}

// ProgressData is the calibration countdown.
type ProgressData struct {
	SessionID        string `json:"session_id,omitempty"`
	SecondsRemaining int    `json:"seconds_remaining"`
	Samples          int    `json:"samples"`
}

// CalibrationData reports a finished calibration window.
type CalibrationData struct {
	SessionID  string  `json:"session_id,omitempty"`
	Baseline   float64 `json:"baseline"`
	Samples    int     `json:"samples"`
	DurationMs int64   `json:"duration_ms"`
	Failed     bool    `json:"failed"`
	Error      string  `json:"error,omitempty"`
}

// SessionData reports the session lifecycle state.
type SessionData struct {
	SessionID         string  `json:"session_id"`
	State             string  `json:"state"` // idle, calibrating, monitoring, paused
	Mode              string  `json:"mode"`  // calibrated, rolling
	Started           bool    `json:"started"`
	Baseline          float64 `json:"baseline"`
	HasBaseline       bool    `json:"has_baseline"`
	CalibrationFailed bool    `json:"calibration_failed"`
	Visualization     bool    `json:"visualization"`
}

// ErrorData describes a failed request.
type ErrorData struct {
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
