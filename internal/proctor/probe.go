package proctor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Detection methods reported in the detail of DEV_TOOLS violations.
const (
	MethodWindowSize      = "window_size"
	MethodConsoleTiming   = "console_timing"
	MethodConsoleOverride = "console_override"
)

// ConsoleMethods are the console methods watched by the override sensor.
var ConsoleMethods = []string{"log", "warn", "error", "info", "debug"}

// probeSensor runs the periodic dev-tools heuristics.
type probeSensor struct {
	geometry  GeometrySource
	console   ConsoleProbe
	clock     clockwork.Clock
	interval  time.Duration
	threshold int
	slowClear time.Duration
	logger    *slog.Logger

	// manual probes run only through Detector.Probe.
	manual bool

	mu       sync.Mutex
	attached bool
	recorder Recorder
	ticker   clockwork.Ticker
	stop     chan struct{}

	// open latches the geometry heuristic between its rising and falling edge.
	open bool
}

// NewProbeSensor returns the periodic dev-tools probe. It needs at least one
// of geometry or console.
func NewProbeSensor(geometry GeometrySource, console ConsoleProbe, clock clockwork.Clock, act Activation, logger *slog.Logger) Sensor {
	return &probeSensor{
		geometry:  geometry,
		console:   console,
		clock:     clock,
		interval:  act.ProbeInterval,
		threshold: act.GeometryThresholdPx,
		slowClear: act.ConsoleTimingThreshold,
		logger:    logger,
	}
}

func (p *probeSensor) Name() string { return "devtools-probe" }

func (p *probeSensor) Attach(r Recorder) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attached {
		return nil
	}
	if p.geometry == nil && p.console == nil {
		return fmt.Errorf("devtools probe: %w", ErrCapabilityUnavailable)
	}

	p.attached = true
	p.recorder = r
	p.open = false
	if p.manual {
		return nil
	}
	p.ticker = p.clock.NewTicker(p.interval)
	p.stop = make(chan struct{})

	go p.run(p.ticker, p.stop)
	return nil
}

// Detach stops the ticker without waiting for a tick in flight; such a tick
// reaches a detector that is no longer armed and records nothing.
func (p *probeSensor) Detach() {
	p.mu.Lock()
	ticker, stop := p.ticker, p.stop
	p.ticker, p.stop = nil, nil
	p.recorder = nil
	p.attached = false
	p.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
}

func (p *probeSensor) run(ticker clockwork.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			guard(p.logger, p.Name(), p.tick)
		}
	}
}

// tick runs both heuristics once. Nothing is measured while not armed.
func (p *probeSensor) tick() {
	p.mu.Lock()
	r := p.recorder
	p.mu.Unlock()

	if r == nil || !r.Armed() {
		return
	}

	if p.geometry != nil {
		p.checkGeometry(r)
	}
	if p.console != nil {
		p.checkConsoleTiming(r)
	}
}

func (p *probeSensor) checkGeometry(r Recorder) {
	g, err := p.geometry.WindowGeometry()
	if err != nil {
		p.logger.Debug("geometry sample unavailable", "error", err)
		return
	}

	p.mu.Lock()
	rising := false
	if g.Exceeds(p.threshold) {
		rising = !p.open
		p.open = true
	} else {
		p.open = false
	}
	p.mu.Unlock()

	if rising {
		r.Record(KindDevTools, Detail{"method": MethodWindowSize})
	}
}

func (p *probeSensor) checkConsoleTiming(r Recorder) {
	took, err := p.console.MeasureClear()
	if err != nil {
		p.logger.Debug("console timing unavailable", "error", err)
		return
	}
	if took > p.slowClear {
		r.Record(KindDevTools, Detail{"method": MethodConsoleTiming})
	}
}

// consoleSensor reports DEV_TOOLS for every watched console call while armed.
type consoleSensor struct {
	console ConsoleProbe
	logger  *slog.Logger
	watched map[string]bool

	mu      sync.Mutex
	restore func()
}

// NewConsoleSensor returns the console override sensor. The interception is
// released on Detach.
func NewConsoleSensor(console ConsoleProbe, logger *slog.Logger) Sensor {
	watched := make(map[string]bool, len(ConsoleMethods))
	for _, m := range ConsoleMethods {
		watched[m] = true
	}
	return &consoleSensor{console: console, logger: logger, watched: watched}
}

func (c *consoleSensor) Name() string { return "console-override" }

func (c *consoleSensor) Attach(r Recorder) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.restore != nil {
		return nil
	}
	if c.console == nil {
		return fmt.Errorf("console override: %w", ErrCapabilityUnavailable)
	}

	restore, err := c.console.Intercept(func(method string) {
		guard(c.logger, c.Name(), func() {
			if !c.watched[method] {
				return
			}
			r.Record(KindDevTools, Detail{
				"method":         MethodConsoleOverride,
				"console_method": method,
			})
		})
	})
	if err != nil {
		return fmt.Errorf("console override: %w", err)
	}
	c.restore = restore
	return nil
}

func (c *consoleSensor) Detach() {
	c.mu.Lock()
	restore := c.restore
	c.restore = nil
	c.mu.Unlock()

	if restore != nil {
		guard(c.logger, c.Name(), restore)
	}
}
