package camera

import (
	"context"
	"errors"
	"testing"
	"time"

	"gocv.io/x/gocv"
)

type fakeDevice struct {
	index  int
	closed bool
	props  map[gocv.VideoCaptureProperties]float64
}

func (d *fakeDevice) Read(*gocv.Mat) bool { return false }

func (d *fakeDevice) Set(prop gocv.VideoCaptureProperties, v float64) {
	d.props[prop] = v
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

// fakeDevices opens fake devices that refuse a second open handle.
type fakeDevices struct {
	opened []*fakeDevice
	fail   map[int]bool
}

func (f *fakeDevices) open(index int) (device, error) {
	if f.fail[index] {
		return nil, errors.New("no such device")
	}
	for _, d := range f.opened {
		if d.index == index && !d.closed {
			return nil, errors.New("device busy")
		}
	}
	d := &fakeDevice{index: index, props: make(map[gocv.VideoCaptureProperties]float64)}
	f.opened = append(f.opened, d)
	return d, nil
}

func newTestWebcam(t *testing.T, cfg Config) (*Webcam, *fakeDevices) {
	t.Helper()
	devs := &fakeDevices{fail: make(map[int]bool)}
	w := newWebcam(cfg)
	w.openDevice = devs.open
	w.mu.Lock()
	err := w.openLocked(cfg)
	w.mu.Unlock()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return w, devs
}

func TestReconfigureReopensSameDevice(t *testing.T) {
	w, devs := newTestWebcam(t, DefaultConfig())

	hd := HD720Config()
	hd.Device = DefaultConfig().Device
	if err := w.Reconfigure(hd); err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}

	if len(devs.opened) != 2 {
		t.Fatalf("opened %d devices, want 2", len(devs.opened))
	}
	if !devs.opened[0].closed || devs.opened[1].closed {
		t.Errorf("closed = %v, %v; want old closed, new open", devs.opened[0].closed, devs.opened[1].closed)
	}
	if got := devs.opened[1].props[gocv.VideoCaptureFrameWidth]; got != float64(hd.Width) {
		t.Errorf("width = %v, want %d", got, hd.Width)
	}
	if w.cfg != hd {
		t.Errorf("cfg = %+v, want %+v", w.cfg, hd)
	}
}

func TestReconfigureFailureRestoresPrevious(t *testing.T) {
	cfg := DefaultConfig()
	w, devs := newTestWebcam(t, cfg)

	bad := cfg
	bad.Device = cfg.Device + 1
	devs.fail[bad.Device] = true

	if err := w.Reconfigure(bad); err == nil {
		t.Fatal("Reconfigure() to a missing device should fail")
	}
	if w.cfg != cfg {
		t.Errorf("cfg = %+v, want previous %+v", w.cfg, cfg)
	}
	if w.capture == nil || w.capture.(*fakeDevice).closed {
		t.Error("previous device should be reopened")
	}
}

func TestFrameStale(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	w := newWebcam(DefaultConfig())
	w.now = func() time.Time { return now }
	w.latest = []byte{0xff, 0xd8}
	w.stamp = now
	close(w.ready)

	tests := []struct {
		name    string
		age     time.Duration
		wantErr bool
	}{
		{"fresh", 0, false},
		{"at bound", DefaultStaleAfter, false},
		{"past bound", DefaultStaleAfter + time.Millisecond, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w.now = func() time.Time { return now.Add(tt.age) }
			frame, err := w.Frame(context.Background())
			if tt.wantErr {
				if !errors.Is(err, ErrStaleFrame) {
					t.Errorf("Frame() error = %v, want ErrStaleFrame", err)
				}
				return
			}
			if err != nil || len(frame) != 2 {
				t.Errorf("Frame() = %v, %v", frame, err)
			}
		})
	}
}

func TestFrameWaitsForFirstCapture(t *testing.T) {
	w := newWebcam(DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := w.Frame(ctx); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Frame() error = %v, want ErrNoFrame", err)
	}
}
