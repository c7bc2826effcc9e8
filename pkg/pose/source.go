package pose

import (
	"context"
	"fmt"
	"time"

	"github.com/teslashibe/go-posture/pkg/posture"
)

// FrameSource supplies JPEG frames.
type FrameSource interface {
	Frame(ctx context.Context) ([]byte, error)
}

// FrameFunc adapts a function to FrameSource.
type FrameFunc func(ctx context.Context) ([]byte, error)

// Frame implements FrameSource.
func (f FrameFunc) Frame(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// Source grabs a frame, runs the estimator and yields the primary subject.
// It implements posture.Source.
type Source struct {
	Frames    FrameSource
	Estimator Estimator
	Layout    Layout
	MinScore  float64

	// OnDetection, if set, is called with the primary detection of every
	// frame (nil when nobody is in view). Useful for overlays.
	OnDetection func(frame []byte, det *Detection)

	now func() time.Time
}

// NewSource creates a source with the default keypoint threshold.
func NewSource(frames FrameSource, est Estimator, layout Layout) *Source {
	return &Source{
		Frames:    frames,
		Estimator: est,
		Layout:    layout,
		MinScore:  DefaultMinScore,
		now:       time.Now,
	}
}

// Observe implements posture.Source.
func (s *Source) Observe(ctx context.Context) (posture.Observation, error) {
	frame, err := s.Frames.Frame(ctx)
	if err != nil {
		return posture.Observation{}, fmt.Errorf("grab frame: %w", err)
	}

	dets, err := s.Estimator.Estimate(ctx, frame)
	if err != nil {
		return posture.Observation{}, fmt.Errorf("estimate pose: %w", err)
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	ts := now()

	primary := SelectPrimary(dets)
	if s.OnDetection != nil {
		s.OnDetection(frame, primary)
	}
	if primary == nil {
		return posture.NoSubject(ts), nil
	}
	return posture.Observe(ToSample(*primary, s.Layout, ts, s.MinScore)), nil
}

var _ posture.Source = (*Source)(nil)
