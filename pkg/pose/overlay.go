package pose

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

var (
	earColor      = color.RGBA{R: 66, G: 165, B: 245, A: 255}
	shoulderColor = color.RGBA{R: 255, G: 193, B: 7, A: 255}
	boneColor     = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Overlay draws the ear and shoulder landmarks of det onto a JPEG frame and
// returns the re-encoded JPEG. Keypoints scored below minScore are skipped.
// A nil det returns the frame unchanged.
func Overlay(frame []byte, det *Detection, layout Layout, minScore float64) ([]byte, error) {
	if det == nil {
		return frame, nil
	}

	img, err := gocv.IMDecode(frame, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, errors.New("empty image")
	}

	w, h := img.Cols(), img.Rows()
	point := func(idx int) (image.Point, bool) {
		if idx < 0 || idx >= len(det.Keypoints) || det.Keypoints[idx].Score < minScore {
			return image.Point{}, false
		}
		kp := det.Keypoints[idx]
		return image.Pt(int(kp.X*float64(w)), int(kp.Y*float64(h))), true
	}

	radius := max(3, w/120)
	pairs := [][2]int{
		{layout.LeftEar, layout.LeftShoulder},
		{layout.RightEar, layout.RightShoulder},
		{layout.LeftShoulder, layout.RightShoulder},
	}
	for _, p := range pairs {
		a, okA := point(p[0])
		b, okB := point(p[1])
		if okA && okB {
			gocv.Line(&img, a, b, boneColor, 2)
		}
	}
	for _, idx := range []int{layout.LeftEar, layout.RightEar} {
		if pt, ok := point(idx); ok {
			gocv.Circle(&img, pt, radius, earColor, -1)
		}
	}
	for _, idx := range []int{layout.LeftShoulder, layout.RightShoulder} {
		if pt, ok := point(idx); ok {
			gocv.Circle(&img, pt, radius, shoulderColor, -1)
		}
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
