package posture

import (
	"fmt"
	"time"
)

// Config holds the tunable parameters of a Session.
type Config struct {
	Mode Mode

	// Timing
	CalibrationDuration time.Duration // Length of the calibration window
	CalibrationInterval time.Duration // Sampling cadence during calibration
	MonitorInterval     time.Duration // Classification cadence while monitoring
	SourceTimeout       time.Duration // Upper bound on one source call

	// Classification
	Retention         time.Duration // History retention and rolling lookback
	SlouchThreshold   float64       // Relative decrease that counts as slouching
	PersistenceFrames int           // Consecutive bad frames before confirming

	// Alerts
	AlertCooldown time.Duration // Minimum gap between alerts
}

// DefaultConfig returns a responsive configuration for interactive use.
func DefaultConfig() Config {
	return Config{
		Mode: ModeCalibrated,

		CalibrationDuration: 5 * time.Second,
		CalibrationInterval: 1 * time.Second,
		MonitorInterval:     200 * time.Millisecond, // 5 classifications per second
		SourceTimeout:       2 * time.Second,

		Retention:         DefaultRetention,
		SlouchThreshold:   DefaultSlouchThreshold,
		PersistenceFrames: DefaultPersistenceFrames,

		AlertCooldown: DefaultAlertCooldown,
	}
}

// RelaxedConfig classifies every 3 seconds, which suits slow estimators.
// Ten frames at this cadence take thirty seconds to confirm a slouch.
func RelaxedConfig() Config {
	cfg := DefaultConfig()
	cfg.MonitorInterval = 3 * time.Second
	cfg.SourceTimeout = 2500 * time.Millisecond
	return cfg
}

// RollingConfig compares against recent history instead of a baseline.
func RollingConfig() Config {
	cfg := DefaultConfig()
	cfg.Mode = ModeRolling
	cfg.MonitorInterval = 500 * time.Millisecond
	return cfg
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Mode != ModeCalibrated && c.Mode != ModeRolling:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidConfig, c.Mode)
	case c.Mode == ModeCalibrated && c.CalibrationDuration <= 0:
		return fmt.Errorf("%w: calibration duration must be positive", ErrInvalidConfig)
	case c.Mode == ModeCalibrated && c.CalibrationInterval <= 0:
		return fmt.Errorf("%w: calibration interval must be positive", ErrInvalidConfig)
	case c.MonitorInterval <= 0:
		return fmt.Errorf("%w: monitor interval must be positive", ErrInvalidConfig)
	case c.Retention <= 0:
		return fmt.Errorf("%w: retention must be positive", ErrInvalidConfig)
	case c.SlouchThreshold <= 0 || c.SlouchThreshold >= 1:
		return fmt.Errorf("%w: slouch threshold must be in (0,1)", ErrInvalidConfig)
	case c.PersistenceFrames < 1:
		return fmt.Errorf("%w: persistence frames must be at least 1", ErrInvalidConfig)
	case c.AlertCooldown < 0:
		return fmt.Errorf("%w: alert cooldown must not be negative", ErrInvalidConfig)
	case c.SourceTimeout < 0:
		return fmt.Errorf("%w: source timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}
