// Package pose adapts body-landmark estimators to the posture engine.
//
// An Estimator turns a JPEG frame into zero or more Detections. The Source
// adapter picks the primary detection, maps the four landmarks the engine
// needs through a Layout, and yields posture observations.
package pose

import (
	"context"
	"time"

	"github.com/teslashibe/go-posture/pkg/posture"
)

// Keypoint is one landmark in normalized image coordinates.
type Keypoint struct {
	X     float64 `json:"x" msgpack:"x"`
	Y     float64 `json:"y" msgpack:"y"`
	Z     float64 `json:"z,omitempty" msgpack:"z"`
	Score float64 `json:"score" msgpack:"score"` // Visibility or confidence (0-1)
}

// Detection is one person found in a frame.
type Detection struct {
	Keypoints []Keypoint `json:"keypoints" msgpack:"keypoints"`
	Score     float64    `json:"score" msgpack:"score"`
}

// Estimator is the interface for pose estimation backends.
type Estimator interface {
	// Estimate finds people in the JPEG image.
	Estimate(ctx context.Context, jpeg []byte) ([]Detection, error)

	// Close releases resources.
	Close() error
}

// Layout maps the landmarks the engine uses to keypoint indices.
type Layout struct {
	Name          string
	Size          int
	LeftEar       int
	RightEar      int
	LeftShoulder  int
	RightShoulder int
}

// Known keypoint layouts.
var (
	// MoveNet uses the 17 COCO keypoints.
	MoveNet = Layout{Name: "movenet", Size: 17, LeftEar: 3, RightEar: 4, LeftShoulder: 5, RightShoulder: 6}

	// BlazePose is the 33 landmark MediaPipe topology.
	BlazePose = Layout{Name: "blazepose", Size: 33, LeftEar: 7, RightEar: 8, LeftShoulder: 11, RightShoulder: 12}
)

// LayoutByName returns a known layout, or false.
func LayoutByName(name string) (Layout, bool) {
	switch name {
	case MoveNet.Name, "coco", "coco17":
		return MoveNet, true
	case BlazePose.Name, "mediapipe":
		return BlazePose, true
	default:
		return Layout{}, false
	}
}

// DefaultMinScore is the keypoint confidence below which a landmark counts
// as missing.
const DefaultMinScore = 0.3

// SelectPrimary picks the highest scoring detection. It returns nil when
// dets is empty.
func SelectPrimary(dets []Detection) *Detection {
	var best *Detection
	for i := range dets {
		if best == nil || dets[i].Score > best.Score {
			best = &dets[i]
		}
	}
	return best
}

// ToSample maps a detection to a posture sample. Keypoints that are out of
// range or scored below minScore are left nil.
func ToSample(det Detection, layout Layout, ts time.Time, minScore float64) posture.Sample {
	point := func(idx int) *posture.Point {
		if idx < 0 || idx >= len(det.Keypoints) {
			return nil
		}
		kp := det.Keypoints[idx]
		if kp.Score < minScore {
			return nil
		}
		return &posture.Point{X: kp.X, Y: kp.Y}
	}

	return posture.Sample{
		Timestamp:     ts,
		LeftEar:       point(layout.LeftEar),
		RightEar:      point(layout.RightEar),
		LeftShoulder:  point(layout.LeftShoulder),
		RightShoulder: point(layout.RightShoulder),
	}
}
