package pose

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// MoveNet output shapes.
const (
	moveNetKeypoints   = 17
	singlePoseValues   = moveNetKeypoints * 3 // [1,1,17,3] of (y, x, score)
	multiPoseStride    = 56                   // 17*3 keypoints + box(4) + score
	multiPoseMaxPeople = 6
)

// MoveNetConfig holds MoveNet estimator configuration.
type MoveNetConfig struct {
	ModelPath      string  // Path to an NCHW float32 ONNX export
	InputWidth     int     // Model input width
	InputHeight    int     // Model input height
	MinPersonScore float64 // Multipose only: drop people below this score
}

// DefaultMoveNetConfig returns defaults for MoveNet SinglePose Lightning.
func DefaultMoveNetConfig() MoveNetConfig {
	return MoveNetConfig{
		ModelPath:      "models/movenet_singlepose_lightning.onnx",
		InputWidth:     192,
		InputHeight:    192,
		MinPersonScore: 0.2,
	}
}

// MoveNetEstimator runs MoveNet through OpenCV's DNN module.
type MoveNetEstimator struct {
	net       gocv.Net
	config    MoveNetConfig
	mu        sync.Mutex // Protects inference
	inputSize image.Point
}

// NewMoveNet loads a MoveNet ONNX model.
func NewMoveNet(cfg MoveNetConfig) (*MoveNetEstimator, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load MoveNet model from %s", cfg.ModelPath)
	}

	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &MoveNetEstimator{
		net:       net,
		config:    cfg,
		inputSize: image.Pt(cfg.InputWidth, cfg.InputHeight),
	}, nil
}

// Estimate implements Estimator.
func (m *MoveNetEstimator) Estimate(ctx context.Context, jpeg []byte) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	img, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()

	if img.Empty() {
		return nil, errors.New("empty image")
	}

	blob := gocv.BlobFromImage(img, 1.0, m.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	m.net.SetInput(blob, "")
	output := m.net.Forward("")
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return parseMoveNet(data, m.config.MinPersonScore), nil
}

// Close releases the estimator resources.
func (m *MoveNetEstimator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.net.Close()
}

// parseMoveNet decodes either the singlepose or the multipose tensor.
// Coordinates are already normalized to the input frame.
func parseMoveNet(data []float32, minPersonScore float64) []Detection {
	switch {
	case len(data) == singlePoseValues:
		det := Detection{Keypoints: readKeypoints(data)}
		for _, kp := range det.Keypoints {
			det.Score += kp.Score
		}
		det.Score /= moveNetKeypoints
		return []Detection{det}

	case len(data) > 0 && len(data)%multiPoseStride == 0:
		var dets []Detection
		for i := 0; i+multiPoseStride <= len(data) && i/multiPoseStride < multiPoseMaxPeople; i += multiPoseStride {
			row := data[i : i+multiPoseStride]
			score := float64(row[multiPoseStride-1])
			if score < minPersonScore {
				continue
			}
			dets = append(dets, Detection{Keypoints: readKeypoints(row[:singlePoseValues]), Score: score})
		}
		return dets
	}
	return nil
}

func readKeypoints(v []float32) []Keypoint {
	kps := make([]Keypoint, moveNetKeypoints)
	for k := range kps {
		kps[k] = Keypoint{
			Y:     float64(v[k*3]),
			X:     float64(v[k*3+1]),
			Score: float64(v[k*3+2]),
		}
	}
	return kps
}

var _ Estimator = (*MoveNetEstimator)(nil)
