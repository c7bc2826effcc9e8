package posture

import "math"

// Extract reduces a sample to the posture metric: the vertical ear-to-shoulder
// separation averaged over both sides. Larger values mean a more upright
// posture. Returns false for incomplete samples.
func Extract(s Sample) (float64, bool) {
	if !s.Complete() {
		return 0, false
	}
	left := math.Abs(s.LeftEar.Y - s.LeftShoulder.Y)
	right := math.Abs(s.RightEar.Y - s.RightShoulder.Y)
	return (left + right) / 2, true
}
