package posture

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-posture/internal/log"
)

// Source yields one observation per tick. It is the only blocking call a
// session makes.
type Source interface {
	Observe(ctx context.Context) (Observation, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Observation, error)

// Observe implements Source.
func (f SourceFunc) Observe(ctx context.Context) (Observation, error) {
	return f(ctx)
}

// Output is emitted on every monitoring tick.
type Output struct {
	SessionID   string    `json:"session_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	State       Posture   `json:"state"`
	Color       Color     `json:"color"`
	ShouldAlert bool      `json:"should_alert"`
	Visible     bool      `json:"visible"`
	Metric      float64   `json:"metric"`
	Reference   float64   `json:"reference"`
	Decrease    float64   `json:"decrease"`
	BadFrames   int       `json:"bad_frames"`
}

// Progress is emitted on every calibration tick.
type Progress struct {
	SessionID        string    `json:"session_id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	SecondsRemaining int       `json:"seconds_remaining"`
	Samples          int       `json:"samples"`
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID         string  `json:"session_id"`
	State             State   `json:"state"`
	Mode              Mode    `json:"mode"`
	Started           bool    `json:"started"`
	Baseline          float64 `json:"baseline"`
	HasBaseline       bool    `json:"has_baseline"`
	CalibrationFailed bool    `json:"calibration_failed"`
	Visualization     bool    `json:"visualization"`
	BadFrames         int     `json:"bad_frames"`
	HistoryLen        int     `json:"history_len"`
	Last              *Output `json:"last,omitempty"`
}

// Stats counts session activity since construction.
type Stats struct {
	Ticks              int64 `json:"ticks"`
	Alerts             int64 `json:"alerts"`
	SkippedTicks       int64 `json:"skipped_ticks"`
	SourceErrors       int64 `json:"source_errors"`
	RepeatedFrames     int64 `json:"repeated_frames"`
	Calibrations       int64 `json:"calibrations"`
	FailedCalibrations int64 `json:"failed_calibrations"`
}

// Listener receives session events. Callbacks run on the tick goroutine
// outside the session lock and must not block for long.
type Listener interface {
	OnOutput(Output)
	OnProgress(Progress)
	OnCalibration(CalibrationResult)
	OnStatus(Status)
}

// ListenerFuncs implements Listener with optional function fields.
type ListenerFuncs struct {
	Output      func(Output)
	Progress    func(Progress)
	Calibration func(CalibrationResult)
	Status      func(Status)
}

func (l ListenerFuncs) OnOutput(o Output) {
	if l.Output != nil {
		l.Output(o)
	}
}

func (l ListenerFuncs) OnProgress(p Progress) {
	if l.Progress != nil {
		l.Progress(p)
	}
}

func (l ListenerFuncs) OnCalibration(r CalibrationResult) {
	if l.Calibration != nil {
		l.Calibration(r)
	}
}

func (l ListenerFuncs) OnStatus(s Status) {
	if l.Status != nil {
		l.Status(s)
	}
}

// Option configures a Session.
type Option func(*Session)

// WithScheduler replaces the ticker based scheduler.
func WithScheduler(s Scheduler) Option {
	return func(sess *Session) { sess.sched = s }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(sess *Session) { sess.clock = c }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(sess *Session) { sess.logger = l }
}

// WithID sets the session ID instead of a random one.
func WithID(id string) Option {
	return func(sess *Session) { sess.id = id }
}

// WithListener registers a listener at construction.
func WithListener(l Listener) Option {
	return func(sess *Session) { sess.listeners = append(sess.listeners, l) }
}

// Session runs the calibration and monitoring state machine for one user.
//
// All state is guarded by mu. Scheduled callbacks carry the generation of the
// task that created them and become no-ops once that task is replaced.
type Session struct {
	mu sync.Mutex

	id     string
	cfg    Config
	source Source
	sched  Scheduler
	clock  Clock
	logger *slog.Logger

	listeners []Listener

	started bool
	state   State
	visual  bool

	history    *History
	calibrator *Calibrator
	debouncer  *Debouncer
	guard      *AlertGuard

	cal role
	mon role

	// Owner of the outstanding source call, if any. Only one call runs at a
	// time; stopping its role releases it.
	busy    *role
	busyGen uint64

	run    uint64
	ctx    context.Context
	cancel context.CancelFunc

	last  *Output
	stats Stats
}

// role is one repeating task together with the context its source calls
// run under. Stopping the role cancels that context.
type role struct {
	task   Task
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

func (r *role) start(parent context.Context, sched Scheduler, every time.Duration, fn func(gen uint64)) {
	r.gen++
	gen := r.gen
	r.ctx, r.cancel = context.WithCancel(parent)
	r.task = sched.Every(every, func() { fn(gen) })
}

func (r *role) stop() {
	if r.task != nil {
		r.task.Stop()
		r.task = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.gen++
}

// NewSession creates an idle session reading from source.
func NewSession(source Source, cfg Config, opts ...Option) (*Session, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:        cfg,
		source:     source,
		sched:      TickerScheduler{},
		clock:      SystemClock{},
		history:    NewHistory(cfg.Retention),
		calibrator: NewCalibrator(),
		debouncer:  NewDebouncer(cfg.PersistenceFrames),
		guard:      NewAlertGuard(cfg.AlertCooldown),
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.logger == nil {
		s.logger = log.L()
	}
	s.logger = s.logger.With("component", "posture", "session", s.id)
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Config returns the session configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// AddListener registers a listener for future events.
func (s *Session) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Start resets all per-session state, including any baseline, and begins
// calibration (or monitoring in rolling mode). Calling Start again restarts
// the session. The session stops when ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.run++
	run := s.run
	s.ctx, s.cancel = context.WithCancel(ctx)
	context.AfterFunc(s.ctx, func() { s.halt(run) })

	s.started = true
	s.calibrator = NewCalibrator()

	s.logger.Info("session started", "mode", s.cfg.Mode.String())
	events := s.beginLocked()
	s.mu.Unlock()

	s.dispatch(events)
	return nil
}

// Pause stops classification, keeping baseline and history. Pausing a
// paused session is a no-op.
func (s *Session) Pause() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	switch s.state {
	case StatePaused:
		s.mu.Unlock()
		return nil
	case StateMonitoring:
	default:
		s.mu.Unlock()
		return ErrInvalidTransition
	}

	s.stopMonitorLocked()
	s.state = StatePaused
	s.logger.Info("monitoring paused")
	events := []func(Listener){s.statusEventLocked()}
	s.mu.Unlock()

	s.dispatch(events)
	return nil
}

// Resume restarts classification after Pause. Resuming a monitoring session
// is a no-op.
func (s *Session) Resume() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	switch s.state {
	case StateMonitoring:
		s.mu.Unlock()
		return nil
	case StatePaused:
	default:
		s.mu.Unlock()
		return ErrInvalidTransition
	}

	s.debouncer.Reset()
	events := s.enterMonitoringLocked()
	s.logger.Info("monitoring resumed")
	s.mu.Unlock()

	s.dispatch(events)
	return nil
}

// Recalibrate cancels any running task and opens a new calibration window.
// The previous baseline stays in effect until the new window succeeds.
func (s *Session) Recalibrate() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.logger.Info("recalibrating", "from", s.state.String())
	events := s.beginLocked()
	s.mu.Unlock()

	s.dispatch(events)
	return nil
}

// ToggleVisualization flips the visualization flag and returns the new value.
func (s *Session) ToggleVisualization() bool {
	s.mu.Lock()
	s.visual = !s.visual
	v := s.visual
	events := []func(Listener){s.statusEventLocked()}
	s.mu.Unlock()

	s.dispatch(events)
	return v
}

// SetVisualization sets the visualization flag.
func (s *Session) SetVisualization(on bool) {
	s.mu.Lock()
	changed := s.visual != on
	s.visual = on
	var events []func(Listener)
	if changed {
		events = append(events, s.statusEventLocked())
	}
	s.mu.Unlock()

	s.dispatch(events)
}

// Stop cancels all tasks and returns the session to idle.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, run := s.cancel, s.run
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.halt(run)
}

func (s *Session) halt(run uint64) {
	s.mu.Lock()
	if run != s.run || !s.started {
		s.mu.Unlock()
		return
	}
	s.stopCalibrationLocked()
	s.stopMonitorLocked()
	s.started = false
	s.state = StateIdle
	s.logger.Info("session stopped")
	events := []func(Listener){s.statusEventLocked()}
	s.mu.Unlock()

	s.dispatch(events)
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Stats returns activity counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) statusLocked() Status {
	baseline, ok := s.calibrator.Baseline()
	st := Status{
		SessionID:         s.id,
		State:             s.state,
		Mode:              s.cfg.Mode,
		Started:           s.started,
		Baseline:          baseline,
		HasBaseline:       ok,
		CalibrationFailed: s.calibrator.Failed(),
		Visualization:     s.visual,
		BadFrames:         s.debouncer.Count(),
		HistoryLen:        s.history.Len(),
	}
	if s.last != nil {
		last := *s.last
		st.Last = &last
	}
	return st
}

func (s *Session) statusEventLocked() func(Listener) {
	st := s.statusLocked()
	return func(l Listener) { l.OnStatus(st) }
}

// beginLocked cancels both tasks, resets history and debounce state, and
// enters calibration or, in rolling mode, monitoring.
func (s *Session) beginLocked() []func(Listener) {
	s.stopCalibrationLocked()
	s.stopMonitorLocked()
	s.history.Clear()
	s.debouncer.Reset()
	s.guard.Reset()
	s.last = nil

	if s.cfg.Mode == ModeRolling {
		return s.enterMonitoringLocked()
	}

	now := s.clock.Now()
	s.state = StateCalibrating
	s.calibrator.Begin(now, s.cfg.CalibrationDuration)
	s.stats.Calibrations++
	s.cal.start(s.ctx, s.sched, s.cfg.CalibrationInterval, s.calibrationTick)

	s.logger.Info("calibration started", "duration", s.cfg.CalibrationDuration)
	return []func(Listener){s.statusEventLocked(), s.progressEventLocked(now)}
}

func (s *Session) enterMonitoringLocked() []func(Listener) {
	s.stopMonitorLocked()
	s.state = StateMonitoring
	s.mon.start(s.ctx, s.sched, s.cfg.MonitorInterval, s.monitorTick)
	return []func(Listener){s.statusEventLocked()}
}

func (s *Session) stopCalibrationLocked() {
	s.stopRoleLocked(&s.cal)
}

func (s *Session) stopMonitorLocked() {
	s.stopRoleLocked(&s.mon)
}

// stopRoleLocked stops r and cancels its outstanding source call, so the
// next task of either role is not held back by it.
func (s *Session) stopRoleLocked(r *role) {
	r.stop()
	if s.busy == r {
		s.busy = nil
	}
}

func (s *Session) progressEventLocked(now time.Time) func(Listener) {
	p := Progress{
		SessionID:        s.id,
		Timestamp:        now,
		SecondsRemaining: int(math.Ceil(s.calibrator.Remaining(now).Seconds())),
		Samples:          s.calibrator.Collected(),
	}
	return func(l Listener) { l.OnProgress(p) }
}

// acquire marks a source call of r as outstanding. It returns false when the
// tick belongs to a replaced task or another call is still running.
func (s *Session) acquire(r *role, gen uint64, want State) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != r.gen || s.state != want {
		return nil, false
	}
	if s.busy != nil {
		s.stats.SkippedTicks++
		return nil, false
	}
	s.busy, s.busyGen = r, gen
	return r.ctx, true
}

func (s *Session) releaseLocked(r *role, gen uint64) {
	if s.busy == r && s.busyGen == gen {
		s.busy = nil
	}
}

func (s *Session) observe(ctx context.Context) (Observation, error) {
	if s.cfg.SourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SourceTimeout)
		defer cancel()
	}
	return s.source.Observe(ctx)
}

func (s *Session) calibrationTick(gen uint64) {
	ctx, ok := s.acquire(&s.cal, gen, StateCalibrating)
	if !ok {
		s.closeDueCalibration(gen)
		return
	}
	obs, err := s.observe(ctx)

	s.mu.Lock()
	s.releaseLocked(&s.cal, gen)
	if gen != s.cal.gen || s.state != StateCalibrating {
		s.mu.Unlock()
		return
	}

	now := s.clock.Now()
	switch {
	case err != nil:
		s.stats.SourceErrors++
		s.logger.Warn("source error during calibration", "error", err)
	case !obs.Present:
		s.logger.Debug("calibration sample skipped", "reason", "no subject")
	case obs.Repeated:
		s.stats.RepeatedFrames++
		s.logger.Debug("calibration sample skipped", "reason", "repeated frame")
	default:
		if metric, ok := Extract(obs.Sample); ok {
			s.calibrator.Add(metric)
		} else {
			s.logger.Debug("calibration sample skipped", "reason", "incomplete")
		}
	}

	events := []func(Listener){s.progressEventLocked(now)}
	if s.calibrator.Due(now) {
		events = append(events, s.finishCalibrationLocked(now)...)
	}
	s.mu.Unlock()

	s.dispatch(events)
}

// closeDueCalibration ends the window on a skipped tick once its deadline
// has passed, so a slow source cannot hold it open.
func (s *Session) closeDueCalibration(gen uint64) {
	s.mu.Lock()
	now := s.clock.Now()
	if gen != s.cal.gen || s.state != StateCalibrating || !s.calibrator.Due(now) {
		s.mu.Unlock()
		return
	}
	events := []func(Listener){s.progressEventLocked(now)}
	events = append(events, s.finishCalibrationLocked(now)...)
	s.mu.Unlock()

	s.dispatch(events)
}

func (s *Session) finishCalibrationLocked(now time.Time) []func(Listener) {
	s.stopCalibrationLocked()

	res := s.calibrator.Finish(now)
	res.SessionID = s.id

	var events []func(Listener)
	if res.Failed {
		s.stats.FailedCalibrations++
		s.state = StateIdle
		s.logger.Warn("calibration failed", "error", res.Err)
		events = append(events, s.statusEventLocked())
	} else {
		s.logger.Info("calibration complete", "baseline", res.Baseline, "samples", res.Samples)
		events = append(events, s.enterMonitoringLocked()...)
	}
	return append(events, func(l Listener) { l.OnCalibration(res) })
}

func (s *Session) reference() Reference {
	if s.cfg.Mode == ModeRolling {
		return RollingReference{History: s.history, Window: s.cfg.Retention}
	}
	if baseline, ok := s.calibrator.Baseline(); ok {
		return BaselineReference(baseline)
	}
	return nil
}

func (s *Session) monitorTick(gen uint64) {
	ctx, ok := s.acquire(&s.mon, gen, StateMonitoring)
	if !ok {
		return
	}
	obs, err := s.observe(ctx)

	s.mu.Lock()
	s.releaseLocked(&s.mon, gen)
	if gen != s.mon.gen || s.state != StateMonitoring {
		s.mu.Unlock()
		return
	}

	out := s.classifyLocked(s.clock.Now(), obs, err)
	s.last = &out
	s.stats.Ticks++
	if out.ShouldAlert {
		s.stats.Alerts++
		s.logger.Info("slouch alert", "metric", out.Metric, "reference", out.Reference, "decrease", out.Decrease)
	}
	s.logger.Debug("classified",
		"state", out.State.String(),
		"metric", out.Metric,
		"reference", out.Reference,
		"bad_frames", out.BadFrames,
	)
	s.mu.Unlock()

	s.dispatch([]func(Listener){func(l Listener) { l.OnOutput(out) }})
}

func (s *Session) classifyLocked(now time.Time, obs Observation, err error) Output {
	out := Output{
		SessionID: s.id,
		Timestamp: now,
		Visible:   s.visual,
		State:     PostureIndeterminate,
	}

	switch {
	case err != nil:
		s.stats.SourceErrors++
		s.logger.Warn("source error", "error", err)
		s.debouncer.Reset()
	case !obs.Present:
		out.State = PostureNoSubject
		s.debouncer.Reset()
		s.history.Clear()
	case obs.Repeated:
		// Carry the previous result forward without touching history or
		// the debounce counter.
		s.stats.RepeatedFrames++
		if s.last != nil {
			out.State = s.last.State
			out.Metric = s.last.Metric
			out.Reference = s.last.Reference
			out.Decrease = s.last.Decrease
		}
	default:
		metric, ok := Extract(obs.Sample)
		if !ok {
			s.debouncer.Reset()
			break
		}
		out.Metric = metric

		var ref float64
		haveRef := false
		if r := s.reference(); r != nil {
			ref, haveRef = r.Value(now)
		}
		// The reference is read before this entry is added.
		s.history.Append(now, metric)

		if !haveRef {
			s.debouncer.Reset()
			break
		}
		out.Reference = ref
		out.Decrease, _ = RelativeDecrease(metric, ref)
		out.State = s.debouncer.Observe(Classify(metric, ref, s.cfg.SlouchThreshold))
		out.ShouldAlert = out.State == PostureSlouchConfirmed && s.guard.Fire(now)
	}

	out.Color = out.State.Color()
	out.BadFrames = s.debouncer.Count()
	return out
}

func (s *Session) dispatch(events []func(Listener)) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			ev(l)
		}
	}
}
