package posture

import (
	"fmt"
	"strings"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateCalibrating
	StateMonitoring
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalibrating:
		return "calibrating"
	case StateMonitoring:
		return "monitoring"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Mode selects which reference new samples are compared against.
type Mode int

const (
	// ModeCalibrated compares against the baseline from a calibration window.
	ModeCalibrated Mode = iota
	// ModeRolling compares against the recent history average.
	ModeRolling
)

func (m Mode) String() string {
	if m == ModeRolling {
		return "rolling"
	}
	return "calibrated"
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode parses "calibrated" or "rolling". The empty string is
// calibrated.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "calibrated", "baseline":
		return ModeCalibrated, nil
	case "rolling":
		return ModeRolling, nil
	default:
		return ModeCalibrated, fmt.Errorf("posture: unknown mode %q", s)
	}
}
