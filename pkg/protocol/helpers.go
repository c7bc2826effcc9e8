package protocol

import (
	"time"

	"github.com/teslashibe/go-posture/pkg/posture"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewLandmarksMessage creates a landmarks message
func NewLandmarksMessage(layout string, frameID uint64, people []Person) (*Message, error) {
	return NewMessage(TypeLandmarks, LandmarksData{
		Layout:  layout,
		FrameID: frameID,
		People:  people,
	})
}

// NewControlMessage creates a control command message
func NewControlMessage(command string, params map[string]any) (*Message, error) {
	return NewMessage(TypeControl, ControlCommand{Command: command, Params: params})
}

// StatusFromOutput converts an engine output to its wire form.
func StatusFromOutput(out posture.Output) StatusData {
	return StatusData{
		SessionID:   out.SessionID,
		State:       out.State.String(),
		Color:       string(out.Color),
		ShouldAlert: out.ShouldAlert,
		Visible:     out.Visible,
		Metric:      out.Metric,
		Reference:   out.Reference,
		Decrease:    out.Decrease,
		BadFrames:   out.BadFrames,
		At:          out.Timestamp.UnixMilli(),
	}
}

// NewStatusMessage creates a status message from an engine output
func NewStatusMessage(out posture.Output) (*Message, error) {
	return NewMessage(TypeStatus, StatusFromOutput(out))
}

// NewProgressMessage creates a calibration progress message
func NewProgressMessage(p posture.Progress) (*Message, error) {
	return NewMessage(TypeProgress, ProgressData{
		SessionID:        p.SessionID,
		SecondsRemaining: p.SecondsRemaining,
		Samples:          p.Samples,
	})
}

// CalibrationFromResult converts a calibration result to its wire form.
func CalibrationFromResult(r posture.CalibrationResult) CalibrationData {
	data := CalibrationData{
		SessionID:  r.SessionID,
		Baseline:   r.Baseline,
		Samples:    r.Samples,
		DurationMs: r.Duration.Milliseconds(),
		Failed:     r.Failed,
	}
	if r.Err != nil {
		data.Error = r.Err.Error()
	}
	return data
}

// NewCalibrationMessage creates a calibration result message
func NewCalibrationMessage(r posture.CalibrationResult) (*Message, error) {
	return NewMessage(TypeCalibration, CalibrationFromResult(r))
}

// SessionFromStatus converts a session status to its wire form.
func SessionFromStatus(s posture.Status) SessionData {
	return SessionData{
		SessionID:         s.SessionID,
		State:             s.State.String(),
		Mode:              s.Mode.String(),
		Started:           s.Started,
		Baseline:          s.Baseline,
		HasBaseline:       s.HasBaseline,
		CalibrationFailed: s.CalibrationFailed,
		Visualization:     s.Visualization,
	}
}

// NewSessionMessage creates a session state message
func NewSessionMessage(s posture.Status) (*Message, error) {
	return NewMessage(TypeSession, SessionFromStatus(s))
}

// NewErrorMessage creates an error message
func NewErrorMessage(command string, err error) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Command: command, Message: err.Error()})
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{ID: id, Timestamp: time.Now().UnixMilli()})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetLandmarksData extracts landmarks from a message
func (m *Message) GetLandmarksData() (*LandmarksData, error) {
	var data LandmarksData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetControlCommand extracts a control command from a message
func (m *Message) GetControlCommand() (*ControlCommand, error) {
	var data ControlCommand
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetStatusData extracts status data from a message
func (m *Message) GetStatusData() (*StatusData, error) {
	var data StatusData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
