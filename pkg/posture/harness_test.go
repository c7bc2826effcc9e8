package posture

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// manualScheduler fires tasks only when advance is called.
type manualScheduler struct {
	mu    sync.Mutex
	clock *fakeClock
	tasks []*manualTask
}

type manualTask struct {
	sched   *manualScheduler
	every   time.Duration
	next    time.Time
	fn      func()
	stopped bool
}

func (m *manualScheduler) Every(d time.Duration, fn func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTask{sched: m, every: d, next: m.clock.Now().Add(d), fn: fn}
	m.tasks = append(m.tasks, t)
	return t
}

func (t *manualTask) Stop() {
	t.sched.mu.Lock()
	t.stopped = true
	t.sched.mu.Unlock()
}

func (m *manualScheduler) live() []*manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*manualTask
	for _, t := range m.tasks {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

func (m *manualScheduler) last() *manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tasks) == 0 {
		return nil
	}
	return m.tasks[len(m.tasks)-1]
}

// advance moves the clock forward by d, firing due tasks in time order.
func (m *manualScheduler) advance(d time.Duration) {
	end := m.clock.Now().Add(d)
	for {
		m.mu.Lock()
		var due *manualTask
		for _, t := range m.tasks {
			if t.stopped || t.next.After(end) {
				continue
			}
			if due == nil || t.next.Before(due.next) {
				due = t
			}
		}
		if due == nil {
			m.mu.Unlock()
			break
		}
		m.clock.set(due.next)
		due.next = due.next.Add(due.every)
		m.mu.Unlock()
		due.fn()
	}
	m.clock.set(end)
}

type stubSource struct {
	mu    sync.Mutex
	obs   Observation
	err   error
	calls int
	hook  func(ctx context.Context)
}

func (s *stubSource) Observe(ctx context.Context) (Observation, error) {
	s.mu.Lock()
	s.calls++
	obs, err, hook := s.obs, s.err, s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	return obs, err
}

func (s *stubSource) set(obs Observation, err error) {
	s.mu.Lock()
	s.obs, s.err = obs, err
	s.mu.Unlock()
}

type recorder struct {
	mu           sync.Mutex
	outputs      []Output
	progress     []Progress
	calibrations []CalibrationResult
	statuses     []Status
}

func (r *recorder) OnOutput(o Output) {
	r.mu.Lock()
	r.outputs = append(r.outputs, o)
	r.mu.Unlock()
}

func (r *recorder) OnProgress(p Progress) {
	r.mu.Lock()
	r.progress = append(r.progress, p)
	r.mu.Unlock()
}

func (r *recorder) OnCalibration(c CalibrationResult) {
	r.mu.Lock()
	r.calibrations = append(r.calibrations, c)
	r.mu.Unlock()
}

func (r *recorder) OnStatus(s Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recorder) outputCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outputs)
}

func (r *recorder) lastOutput() Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outputs) == 0 {
		return Output{}
	}
	return r.outputs[len(r.outputs)-1]
}

func (r *recorder) alerts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.outputs {
		if o.ShouldAlert {
			n++
		}
	}
	return n
}

type harness struct {
	t       *testing.T
	clock   *fakeClock
	sched   *manualScheduler
	src     *stubSource
	rec     *recorder
	session *Session
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock := &fakeClock{now: epoch}
	h := &harness{
		t:     t,
		clock: clock,
		sched: &manualScheduler{clock: clock},
		src:   &stubSource{},
		rec:   &recorder{},
	}
	s, err := NewSession(h.src, cfg,
		WithScheduler(h.sched),
		WithClock(clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithID("test"),
		WithListener(h.rec),
	)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	h.session = s
	t.Cleanup(s.Stop)
	return h
}

// metricObs returns a complete observation whose metric is exactly m.
func metricObs(m float64) Observation {
	return Observe(Sample{
		LeftEar:       &Point{X: 0.45, Y: 0},
		RightEar:      &Point{X: 0.55, Y: 0},
		LeftShoulder:  &Point{X: 0.35, Y: m},
		RightShoulder: &Point{X: 0.65, Y: m},
	})
}

// calibrate starts the session and runs a full calibration window at m.
func (h *harness) calibrate(m float64) {
	h.t.Helper()
	h.src.set(metricObs(m), nil)
	if err := h.session.Start(context.Background()); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
	h.sched.advance(h.session.Config().CalibrationDuration)
	if got := h.session.State(); got != StateMonitoring {
		h.t.Fatalf("state after calibration = %v, want monitoring", got)
	}
}

// step feeds one observation and runs one monitoring tick.
func (h *harness) step(obs Observation) Output {
	h.t.Helper()
	h.src.set(obs, nil)
	before := h.rec.outputCount()
	h.sched.advance(h.session.Config().MonitorInterval)
	if h.rec.outputCount() != before+1 {
		h.t.Fatalf("expected one output per tick, got %d", h.rec.outputCount()-before)
	}
	return h.rec.lastOutput()
}
