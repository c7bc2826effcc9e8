package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-posture/internal/log"
)

// DefaultStaleAfter bounds the age of the frame Frame returns.
const DefaultStaleAfter = 2 * time.Second

var (
	// ErrNoFrame is returned when no frame has been captured yet.
	ErrNoFrame = errors.New("camera: no frame available")
	// ErrStaleFrame is returned when capture has stopped producing frames.
	ErrStaleFrame = errors.New("camera: frame is stale")
)

// device is the part of gocv.VideoCapture the webcam uses.
type device interface {
	Read(m *gocv.Mat) bool
	Set(prop gocv.VideoCaptureProperties, param float64)
	Close() error
}

func openVideoDevice(index int) (device, error) {
	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, err
	}
	return vc, nil
}

// Webcam captures frames from a local video device on a background
// goroutine. Only the most recent JPEG is kept; slow readers skip frames.
type Webcam struct {
	logger *slog.Logger

	// StaleAfter is how old the latest frame may be before Frame fails.
	StaleAfter time.Duration

	openDevice func(index int) (device, error)
	now        func() time.Time

	mu      sync.Mutex
	cfg     Config
	capture device
	latest  []byte
	seq     uint64
	stamp   time.Time
	ready   chan struct{}
	readyOK sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenWebcam opens the device named in cfg and starts capturing.
func OpenWebcam(ctx context.Context, cfg Config) (*Webcam, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid camera config: %v", errs)
	}

	w := newWebcam(cfg)
	w.mu.Lock()
	err := w.openLocked(cfg)
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
	return w, nil
}

func newWebcam(cfg Config) *Webcam {
	return &Webcam{
		logger:     log.With("component", "camera", "device", cfg.Device),
		StaleAfter: DefaultStaleAfter,
		openDevice: openVideoDevice,
		now:        time.Now,
		cfg:        cfg,
		ready:      make(chan struct{}),
	}
}

func (w *Webcam) openLocked(cfg Config) error {
	capture, err := w.openDevice(cfg.Device)
	if err != nil {
		return fmt.Errorf("open video device %d: %w", cfg.Device, err)
	}
	capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	capture.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))

	w.capture = capture
	w.cfg = cfg
	w.logger.Info("camera opened", "width", cfg.Width, "height", cfg.Height, "fps", cfg.Framerate)
	return nil
}

// Reconfigure reopens the device with new settings. It can be used as a
// Manager.OnConfigChange callback. The old capture is closed before the
// device is reopened. If the new settings fail, the previous ones are
// restored.
func (w *Webcam) Reconfigure(cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev := w.cfg
	if w.capture != nil {
		if err := w.capture.Close(); err != nil {
			w.logger.Warn("close video device", "error", err)
		}
		w.capture = nil
	}

	err := w.openLocked(cfg)
	if err == nil {
		return nil
	}
	if rerr := w.openLocked(prev); rerr != nil {
		w.logger.Error("restore camera settings", "error", rerr)
	}
	return err
}

func (w *Webcam) run(ctx context.Context) {
	defer w.wg.Done()

	img := gocv.NewMat()
	defer img.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.Lock()
		capture, cfg := w.capture, w.cfg
		ok := capture != nil && capture.Read(&img)
		w.mu.Unlock()

		if !ok || img.Empty() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if cfg.Mirror {
			gocv.Flip(img, &img, 1)
		}

		buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, cfg.Quality})
		if err != nil {
			w.logger.Warn("jpeg encode failed", "error", err)
			continue
		}
		jpeg := append([]byte(nil), buf.GetBytes()...)
		buf.Close()

		w.mu.Lock()
		w.latest = jpeg
		w.seq++
		w.stamp = w.now()
		w.mu.Unlock()
		w.readyOK.Do(func() { close(w.ready) })
	}
}

// Frame returns the latest JPEG, waiting for the first capture if needed.
// It fails with ErrStaleFrame once capture has produced nothing for
// StaleAfter. It implements pose.FrameSource.
func (w *Webcam) Frame(ctx context.Context) ([]byte, error) {
	select {
	case <-w.ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, ctx.Err())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if age := w.now().Sub(w.stamp); w.StaleAfter > 0 && age > w.StaleAfter {
		return nil, fmt.Errorf("%w: last frame %s ago", ErrStaleFrame, age.Round(time.Millisecond))
	}
	return w.latest, nil
}

// Stats returns the number of captured frames and the last capture time.
func (w *Webcam) Stats() (frames uint64, last time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq, w.stamp
}

// Close stops capturing and releases the device.
func (w *Webcam) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.capture != nil {
		err := w.capture.Close()
		w.capture = nil
		return err
	}
	return nil
}
