package posture

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// CalibrationState is the state of a Calibrator.
type CalibrationState int

const (
	// CalibrationIdle means no window has been opened yet.
	CalibrationIdle CalibrationState = iota
	// CalibrationCollecting means samples are being accumulated.
	CalibrationCollecting
	// CalibrationComplete means the last window has been closed.
	CalibrationComplete
)

func (s CalibrationState) String() string {
	switch s {
	case CalibrationCollecting:
		return "collecting"
	case CalibrationComplete:
		return "complete"
	default:
		return "idle"
	}
}

// CalibrationResult is reported when a calibration window closes.
type CalibrationResult struct {
	SessionID string        `json:"session_id,omitempty"`
	Baseline  float64       `json:"baseline"`
	Samples   int           `json:"samples"`
	Duration  time.Duration `json:"duration"`
	Failed    bool          `json:"failed"`
	Err       error         `json:"-"`
}

// Calibrator accumulates metric samples over a fixed window and turns them
// into a baseline. The baseline survives failed windows and is overwritten
// by every successful one.
type Calibrator struct {
	state    CalibrationState
	started  time.Time
	deadline time.Time
	samples  []float64

	baseline    float64
	hasBaseline bool
	failed      bool
}

// NewCalibrator creates an idle calibrator with no baseline.
func NewCalibrator() *Calibrator {
	return &Calibrator{}
}

// Begin opens a fresh window ending at now+duration. Any window already in
// progress is discarded.
func (c *Calibrator) Begin(now time.Time, duration time.Duration) {
	c.state = CalibrationCollecting
	c.started = now
	c.deadline = now.Add(duration)
	c.samples = nil
}

// Add appends a metric to the open window. It is ignored when no window is
// open.
func (c *Calibrator) Add(metric float64) bool {
	if c.state != CalibrationCollecting {
		return false
	}
	c.samples = append(c.samples, metric)
	return true
}

// Due reports whether the open window has reached its deadline.
func (c *Calibrator) Due(now time.Time) bool {
	return c.state == CalibrationCollecting && !now.Before(c.deadline)
}

// Remaining returns the time left in the open window.
func (c *Calibrator) Remaining(now time.Time) time.Duration {
	if c.state != CalibrationCollecting {
		return 0
	}
	if d := c.deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Finish closes the window. With at least one sample the baseline becomes
// their mean; otherwise the previous baseline is kept and the result carries
// ErrCalibrationEmpty.
func (c *Calibrator) Finish(now time.Time) CalibrationResult {
	res := CalibrationResult{
		Samples:  len(c.samples),
		Duration: now.Sub(c.started),
	}
	c.state = CalibrationComplete

	if len(c.samples) == 0 {
		c.failed = true
		res.Failed = true
		res.Err = ErrCalibrationEmpty
		res.Baseline = c.baseline
		return res
	}

	c.baseline = stat.Mean(c.samples, nil)
	c.hasBaseline = true
	c.failed = false
	c.samples = nil
	res.Baseline = c.baseline
	return res
}

// State returns the calibrator state.
func (c *Calibrator) State() CalibrationState {
	return c.state
}

// Baseline returns the current baseline and whether one has ever been set.
func (c *Calibrator) Baseline() (float64, bool) {
	return c.baseline, c.hasBaseline
}

// Failed reports whether the most recent window closed empty.
func (c *Calibrator) Failed() bool {
	return c.failed
}

// Collected returns the number of samples in the open window.
func (c *Calibrator) Collected() int {
	return len(c.samples)
}
