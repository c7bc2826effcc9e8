package posture

import "errors"

var (
	// ErrNotStarted is returned by controls used before Start.
	ErrNotStarted = errors.New("posture: session not started")

	// ErrInvalidTransition is returned when a control does not apply to the
	// current session state (for example pausing during calibration).
	ErrInvalidTransition = errors.New("posture: invalid state transition")

	// ErrCalibrationEmpty is reported when a calibration window elapsed
	// without a single usable sample.
	ErrCalibrationEmpty = errors.New("posture: calibration collected no samples")

	// ErrNilSource is returned by NewSession without a sample source.
	ErrNilSource = errors.New("posture: source required")

	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("posture: invalid config")
)
