// Package proctor detects exam misconduct signals on a proctored page.
//
// A Detector owns one exam session's violation state. Its sensors attach to
// the page capabilities supplied by the host, every raw signal is funnelled
// through Record, and accepted violations are counted, reported to a sink
// and escalated to a block once the configured threshold is reached.
//
// Lifecycle:
//
//	Inactive -> Arming -> Armed -> Blocked
//
// Signals are dropped until the arming delay has passed. Deactivation
// detaches every sensor and stops every timer but keeps the count, and the
// next activation starts arming again.
package proctor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"proctord/internal/metrics"
)

// reportTimeout bounds one sink delivery.
const reportTimeout = 10 * time.Second

// Detector is the per-session lifecycle object. All methods are safe for
// concurrent use.
type Detector struct {
	mu sync.Mutex

	// Configuration
	act         Activation
	caps        Capabilities
	sessionID   string
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *metrics.ProctorMetrics
	manualProbe bool

	// Collaborators
	sensors        []Sensor
	listeners      []Listener
	phaseListeners []PhaseListener
	presenter      Presenter
	sink           Sink

	// State
	active    bool
	closed    bool
	state     State
	seq       uint64
	armAt     time.Time
	armTimer  clockwork.Timer
	warning   Warning
	warnTimer clockwork.Timer

	// Notifications queued under mu and delivered after it is released.
	pending  []func()
	draining bool

	reports sync.WaitGroup
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock sets the time source. Tests pass a clockwork.FakeClock.
func WithClock(c clockwork.Clock) Option {
	return func(d *Detector) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithListener registers a listener. If l also implements PhaseListener it
// receives phase changes too.
func WithListener(l Listener) Option {
	return func(d *Detector) {
		d.listeners = append(d.listeners, l)
		if pl, ok := l.(PhaseListener); ok {
			d.phaseListeners = append(d.phaseListeners, pl)
		}
	}
}

// WithPresenter sets the presenter for warnings and the block screen.
func WithPresenter(p Presenter) Option {
	return func(d *Detector) { d.presenter = p }
}

// WithSink sets the reporting sink.
func WithSink(s Sink) Option {
	return func(d *Detector) { d.sink = s }
}

// WithMetrics sets the metrics the detector updates.
func WithMetrics(m *metrics.ProctorMetrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithSessionID tags logs and reports with a session identifier.
func WithSessionID(id string) Option {
	return func(d *Detector) { d.sessionID = id }
}

// WithSensors adds sensors beyond the built-in ones. They report through
// Record like every other sensor.
func WithSensors(s ...Sensor) Option {
	return func(d *Detector) { d.sensors = append(d.sensors, s...) }
}

// WithManualProbe stops the dev-tools probe from ticking on its own; it then
// runs only when Probe is called.
func WithManualProbe() Option {
	return func(d *Detector) { d.manualProbe = true }
}

// New validates act and creates a detector over caps. The detector is
// activated immediately when act.IsActive is set.
func New(act Activation, caps Capabilities, opts ...Option) (*Detector, error) {
	if err := act.Validate(); err != nil {
		return nil, err
	}

	d := &Detector{
		act:   act,
		caps:  caps,
		clock: clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With(
		"component", "proctor",
		"user", act.UserID,
		"exam", act.ExamID,
	)
	if d.sessionID != "" {
		d.logger = d.logger.With("session", d.sessionID)
	}

	probe := NewProbeSensor(caps.Geometry, caps.Console, d.clock, act, d.logger).(*probeSensor)
	probe.manual = d.manualProbe
	builtin := []Sensor{
		NewVisibilitySensor(caps.Page, d.logger),
		NewFocusSensor(caps.Page, d.logger),
		NewKeyboardSensor(caps.Page, d.logger),
		NewContextMenuSensor(caps.Page, d.logger),
		probe,
		NewConsoleSensor(caps.Console, d.logger),
	}
	d.sensors = append(builtin, d.sensors...)

	if act.IsActive {
		if err := d.Activate(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Activate attaches the sensors and starts arming. It is a no-op when the
// detector is already active.
func (d *Detector) Activate() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.active {
		d.mu.Unlock()
		return nil
	}

	from := d.phaseLocked()
	d.active = true
	d.state.Armed = false
	d.armAt = d.clock.Now().Add(d.act.ArmingDelay)

	for _, s := range d.sensors {
		if err := s.Attach(d); err != nil {
			d.logger.Warn("sensor unavailable, continuing without it",
				"sensor", s.Name(),
				"error", err,
			)
		}
	}

	if d.act.ArmingDelay > 0 {
		d.armTimer = d.clock.AfterFunc(d.act.ArmingDelay, d.onTimer)
	}
	d.logger.Info("detector activated", "arming_delay", d.act.ArmingDelay)
	d.notePhaseLocked(from)
	d.syncLocked(d.clock.Now())

	d.unlockAndDispatch()
	return nil
}

// Deactivate detaches the sensors and cancels every timer. The violation
// count and block flag are kept.
func (d *Detector) Deactivate() {
	d.mu.Lock()
	d.deactivateLocked()
	d.unlockAndDispatch()
}

func (d *Detector) deactivateLocked() {
	if !d.active {
		return
	}

	from := d.phaseLocked()
	d.active = false
	d.state.Armed = false

	if d.armTimer != nil {
		d.armTimer.Stop()
		d.armTimer = nil
	}
	d.hideWarningLocked()

	for _, s := range d.sensors {
		s.Detach()
	}

	d.logger.Info("detector deactivated", "violations", d.state.Count)
	d.notePhaseLocked(from)
}

// SetActive activates or deactivates the detector.
func (d *Detector) SetActive(active bool) error {
	if active {
		return d.Activate()
	}
	d.Deactivate()
	return nil
}

// Close deactivates the detector for good. Reports already handed to the
// sink keep running; use WaitReports to wait for them.
func (d *Detector) Close() {
	d.mu.Lock()
	d.deactivateLocked()
	d.closed = true
	d.unlockAndDispatch()
}

// WaitReports blocks until every sink delivery started so far has finished
// or ctx is done.
func (d *Detector) WaitReports(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.reports.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Probe runs the dev-tools heuristics once, as a probe tick would. It does
// nothing while the probe is detached.
func (d *Detector) Probe() {
	for _, s := range d.sensors {
		if p, ok := s.(*probeSensor); ok {
			guard(d.logger, p.Name(), p.tick)
		}
	}
}

// Armed reports whether the detector is active and past its arming delay.
func (d *Detector) Armed() bool {
	d.mu.Lock()
	d.syncLocked(d.clock.Now())
	armed := d.active && d.state.Armed
	d.unlockAndDispatch()
	return armed
}

// Snapshot returns the host-facing view of the session.
func (d *Detector) Snapshot() Snapshot {
	d.mu.Lock()
	d.syncLocked(d.clock.Now())
	snap := Snapshot{
		Violations: d.state.Count,
		IsBlocked:  d.state.Blocked,
		IsActive:   d.active && d.state.Armed,
	}
	d.unlockAndDispatch()
	return snap
}

// State returns a copy of the violation state.
func (d *Detector) State() State {
	d.mu.Lock()
	d.syncLocked(d.clock.Now())
	st := d.state
	d.unlockAndDispatch()
	return st
}

// Phase returns the current lifecycle phase.
func (d *Detector) Phase() Phase {
	d.mu.Lock()
	d.syncLocked(d.clock.Now())
	p := d.phaseLocked()
	d.unlockAndDispatch()
	return p
}

// Warning returns the warning currently on display, if any.
func (d *Detector) Warning() Warning {
	d.mu.Lock()
	d.syncLocked(d.clock.Now())
	w := d.warning
	d.unlockAndDispatch()
	return w
}

// Activation returns the contract the detector was created with.
func (d *Detector) Activation() Activation {
	return d.act
}

// SessionID returns the identifier set with WithSessionID.
func (d *Detector) SessionID() string {
	return d.sessionID
}

// queueLocked appends a notification. Callers hold d.mu.
func (d *Detector) queueLocked(fn func()) {
	d.pending = append(d.pending, fn)
}

// unlockAndDispatch releases d.mu and delivers queued notifications in order.
// Only one goroutine drains at a time; a notification that calls back into
// the detector queues its own notifications behind the current ones.
func (d *Detector) unlockAndDispatch() {
	if d.draining {
		d.mu.Unlock()
		return
	}

	d.draining = true
	for len(d.pending) > 0 {
		fn := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]

		d.mu.Unlock()
		fn()
		d.mu.Lock()
	}
	d.pending = nil
	d.draining = false
	d.mu.Unlock()
}

// call runs one listener or presenter callback, recovering a panic.
func (d *Detector) call(who string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("callback panicked",
				"callback", who,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
