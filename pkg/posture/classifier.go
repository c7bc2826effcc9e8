package posture

import "time"

// Classification defaults.
const (
	DefaultSlouchThreshold   = 0.10 // 10% drop in ear-shoulder separation
	DefaultPersistenceFrames = 10
)

// Verdict is the instantaneous, per-frame classification.
type Verdict int

const (
	VerdictGood Verdict = iota
	VerdictSlouching
)

func (v Verdict) String() string {
	if v == VerdictSlouching {
		return "slouching"
	}
	return "good"
}

// Posture is the reported (debounced) classification.
type Posture int

const (
	PostureGood Posture = iota
	PostureSlouchPending
	PostureSlouchConfirmed
	PostureIndeterminate
	PostureNoSubject
)

func (p Posture) String() string {
	switch p {
	case PostureGood:
		return "good"
	case PostureSlouchPending:
		return "slouching_pending"
	case PostureSlouchConfirmed:
		return "slouching_confirmed"
	case PostureIndeterminate:
		return "indeterminate"
	case PostureNoSubject:
		return "no_subject"
	default:
		return "unknown"
	}
}

// MarshalText encodes the posture by name.
func (p Posture) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Color is the rendering hint that accompanies a reported posture.
type Color string

const (
	ColorGreen  Color = "green"
	ColorYellow Color = "yellow"
	ColorRed    Color = "red"
	ColorGray   Color = "gray"
)

// Color returns the overlay color for the posture.
func (p Posture) Color() Color {
	switch p {
	case PostureGood:
		return ColorGreen
	case PostureSlouchPending:
		return ColorYellow
	case PostureSlouchConfirmed:
		return ColorRed
	default:
		return ColorGray
	}
}

// Reference supplies the metric a new sample is compared against.
type Reference interface {
	// Value returns the reference metric at time now, or false if none is
	// available yet.
	Value(now time.Time) (float64, bool)
}

// BaselineReference compares against a calibrated baseline.
type BaselineReference float64

// Value implements Reference.
func (b BaselineReference) Value(time.Time) (float64, bool) {
	return float64(b), true
}

// RollingReference compares against the average of the history entries that
// are at least Window old.
type RollingReference struct {
	History *History
	Window  time.Duration
}

// Value implements Reference.
func (r RollingReference) Value(now time.Time) (float64, bool) {
	if r.History == nil {
		return 0, false
	}
	window := r.Window
	if window <= 0 {
		window = r.History.Retention()
	}
	return r.History.AverageBefore(now.Add(-window))
}

// RelativeDecrease returns (reference-current)/reference. It returns false
// when reference is not positive, since no meaningful ratio exists.
func RelativeDecrease(current, reference float64) (float64, bool) {
	if reference <= 0 {
		return 0, false
	}
	return (reference - current) / reference, true
}

// Classify returns VerdictSlouching when current is more than threshold
// below reference. A non-positive reference is always good.
func Classify(current, reference, threshold float64) Verdict {
	decrease, ok := RelativeDecrease(current, reference)
	if !ok {
		return VerdictGood
	}
	if decrease > threshold {
		return VerdictSlouching
	}
	return VerdictGood
}

// Debouncer turns per-frame verdicts into a reported posture. A slouch is
// only confirmed after persistence consecutive bad frames.
type Debouncer struct {
	persistence int
	bad         int
}

// NewDebouncer creates a debouncer requiring persistence consecutive bad
// frames.
func NewDebouncer(persistence int) *Debouncer {
	if persistence < 1 {
		persistence = 1
	}
	return &Debouncer{persistence: persistence}
}

// Observe feeds one verdict and returns the reported posture.
func (d *Debouncer) Observe(v Verdict) Posture {
	if v == VerdictSlouching {
		d.bad++
	} else {
		d.bad = 0
	}
	return d.Posture()
}

// Posture returns the current reported posture.
func (d *Debouncer) Posture() Posture {
	switch {
	case d.bad == 0:
		return PostureGood
	case d.bad < d.persistence:
		return PostureSlouchPending
	default:
		return PostureSlouchConfirmed
	}
}

// Reset clears the bad-frame streak.
func (d *Debouncer) Reset() {
	d.bad = 0
}

// Count returns the current streak of consecutive bad frames.
func (d *Debouncer) Count() int {
	return d.bad
}

// DefaultAlertCooldown is the minimum gap between two alerts.
const DefaultAlertCooldown = 3000 * time.Millisecond

// AlertGuard rate-limits alerts: once fired it stays armed until the
// cooldown has elapsed.
type AlertGuard struct {
	cooldown time.Duration
	cooling  bool
	until    time.Time
}

// NewAlertGuard creates a guard with the given cooldown.
func NewAlertGuard(cooldown time.Duration) *AlertGuard {
	return &AlertGuard{cooldown: cooldown}
}

// Fire returns true and starts the cooldown unless one is already running.
func (g *AlertGuard) Fire(now time.Time) bool {
	if g.Active(now) {
		return false
	}
	g.cooling = true
	g.until = now.Add(g.cooldown)
	return true
}

// Active reports whether alerts are currently suppressed.
func (g *AlertGuard) Active(now time.Time) bool {
	if g.cooling && !now.Before(g.until) {
		g.cooling = false
	}
	return g.cooling
}

// Reset cancels any running cooldown.
func (g *AlertGuard) Reset() {
	g.cooling = false
	g.until = time.Time{}
}
