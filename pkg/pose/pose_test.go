package pose

import (
	"testing"
	"time"
)

// detection builds a full layout with every keypoint at score and the
// four posture landmarks at the given heights.
func detection(layout Layout, score, earY, shoulderY float64) Detection {
	kps := make([]Keypoint, layout.Size)
	for i := range kps {
		kps[i] = Keypoint{X: 0.5, Y: 0.5, Score: score}
	}
	kps[layout.LeftEar].Y = earY
	kps[layout.RightEar].Y = earY
	kps[layout.LeftShoulder].Y = shoulderY
	kps[layout.RightShoulder].Y = shoulderY
	return Detection{Keypoints: kps, Score: score}
}

func TestSelectPrimary(t *testing.T) {
	if SelectPrimary(nil) != nil {
		t.Error("expected nil for no detections")
	}

	dets := []Detection{{Score: 0.4}, {Score: 0.9}, {Score: 0.7}}
	best := SelectPrimary(dets)
	if best == nil || best.Score != 0.9 {
		t.Errorf("SelectPrimary = %+v, want score 0.9", best)
	}
}

func TestToSample(t *testing.T) {
	ts := time.Unix(100, 0)
	truncated := detection(BlazePose, 0.9, 0.3, 0.5)
	truncated.Keypoints = truncated.Keypoints[:10]

	tests := []struct {
		name     string
		layout   Layout
		det      Detection
		complete bool
	}{
		{"movenet", MoveNet, detection(MoveNet, 0.9, 0.3, 0.5), true},
		{"blazepose", BlazePose, detection(BlazePose, 0.9, 0.3, 0.5), true},
		{"low scores are missing", MoveNet, detection(MoveNet, 0.1, 0.3, 0.5), false},
		{"too few keypoints", BlazePose, truncated, false},
		{"no keypoints", MoveNet, Detection{}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := ToSample(tc.det, tc.layout, ts, DefaultMinScore)
			if s.Complete() != tc.complete {
				t.Fatalf("Complete() = %v, want %v", s.Complete(), tc.complete)
			}
			if !s.Timestamp.Equal(ts) {
				t.Errorf("Timestamp = %v", s.Timestamp)
			}
			if tc.complete && (s.LeftEar.Y != 0.3 || s.RightShoulder.Y != 0.5) {
				t.Errorf("wrong landmarks mapped: ear %v shoulder %v", s.LeftEar.Y, s.RightShoulder.Y)
			}
		})
	}
}

func TestToSample_SingleLowScoreKeypoint(t *testing.T) {
	det := detection(MoveNet, 0.9, 0.3, 0.5)
	det.Keypoints[MoveNet.RightEar].Score = 0.05

	s := ToSample(det, MoveNet, time.Now(), DefaultMinScore)
	if s.RightEar != nil {
		t.Error("low score right ear should be missing")
	}
	if s.LeftEar == nil || s.LeftShoulder == nil || s.RightShoulder == nil {
		t.Error("other landmarks should be present")
	}
}

func TestLayoutByName(t *testing.T) {
	tests := []struct {
		name string
		want Layout
		ok   bool
	}{
		{"movenet", MoveNet, true},
		{"coco17", MoveNet, true},
		{"blazepose", BlazePose, true},
		{"mediapipe", BlazePose, true},
		{"openpose", Layout{}, false},
	}
	for _, tc := range tests {
		got, ok := LayoutByName(tc.name)
		if ok != tc.ok || got != tc.want {
			t.Errorf("LayoutByName(%q) = (%+v, %v)", tc.name, got, ok)
		}
	}
}

func TestParseMoveNet_SinglePose(t *testing.T) {
	data := make([]float32, singlePoseValues)
	for k := 0; k < moveNetKeypoints; k++ {
		data[k*3] = 0.25  // y
		data[k*3+1] = 0.5 // x
		data[k*3+2] = 0.5 // score
	}

	dets := parseMoveNet(data, 0.2)
	if len(dets) != 1 {
		t.Fatalf("detections = %d, want 1", len(dets))
	}
	kp := dets[0].Keypoints[MoveNet.LeftEar]
	if kp.Y != 0.25 || kp.X != 0.5 || kp.Score != 0.5 {
		t.Errorf("keypoint = %+v", kp)
	}
	if dets[0].Score != 0.5 {
		t.Errorf("score = %v, want mean keypoint score 0.5", dets[0].Score)
	}
}

func TestParseMoveNet_MultiPose(t *testing.T) {
	data := make([]float32, multiPoseStride*multiPoseMaxPeople)
	data[multiPoseStride-1] = 0.75                   // person 0
	data[2*multiPoseStride-1] = 0.1                  // person 1, below threshold
	data[2*multiPoseStride+singlePoseValues] = 0.125 // person 2 box, ignored
	data[3*multiPoseStride-1] = 0.5                  // person 2

	dets := parseMoveNet(data, 0.2)
	if len(dets) != 2 {
		t.Fatalf("detections = %d, want 2", len(dets))
	}
	if best := SelectPrimary(dets); best.Score != 0.75 {
		t.Errorf("primary score = %v", best.Score)
	}
}

func TestParseMoveNet_UnknownShape(t *testing.T) {
	if dets := parseMoveNet(make([]float32, 10), 0.2); dets != nil {
		t.Errorf("unexpected detections %+v", dets)
	}
}
