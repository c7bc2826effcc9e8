// Package posture implements the posture classification engine.
//
// A Session calibrates a personal baseline of "good posture" from the
// vertical ear-to-shoulder separation, then compares every new sample against
// that baseline (or against the user's own recent history in rolling mode).
// Bad frames are debounced before a slouch is confirmed, and confirmed
// slouches raise a rate-limited alert.
//
// Example usage:
//
//	session, _ := posture.NewSession(source, posture.DefaultConfig())
//	session.AddListener(dashboard)
//	_ = session.Start(ctx)
//	defer session.Stop()
package posture

import "time"

// Point is a normalized 2-D landmark position. Y grows downwards.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sample is one snapshot of the four landmarks the engine uses.
// A nil point means the estimator did not report that landmark.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	LeftEar       *Point    `json:"left_ear,omitempty"`
	RightEar      *Point    `json:"right_ear,omitempty"`
	LeftShoulder  *Point    `json:"left_shoulder,omitempty"`
	RightShoulder *Point    `json:"right_shoulder,omitempty"`
}

// Complete reports whether all four landmarks are present.
func (s Sample) Complete() bool {
	return s.LeftEar != nil && s.RightEar != nil &&
		s.LeftShoulder != nil && s.RightShoulder != nil
}

// Observation is what a Source yields for one tick: either no subject in
// frame, or a sample of the primary subject (which may be incomplete).
type Observation struct {
	Present bool
	Sample  Sample

	// Repeated marks a sample the source has already delivered. It is not
	// counted again.
	Repeated bool
}

// Observe wraps a sample of a present subject.
func Observe(s Sample) Observation {
	return Observation{Present: true, Sample: s}
}

// NoSubject returns an observation with nobody in frame.
func NoSubject(ts time.Time) Observation {
	return Observation{Sample: Sample{Timestamp: ts}}
}
