package proctor

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Recorder accepts raw signals from sensors.
type Recorder interface {
	// Record offers a signal to the aggregator and reports whether it was
	// accepted as a violation.
	Record(kind Kind, detail Detail) bool

	// Armed reports whether the detector is active and past its arming delay.
	Armed() bool
}

// Sensor translates platform events into signals. Attach and Detach are
// idempotent; the detector calls them on activation and deactivation.
type Sensor interface {
	Name() string
	Attach(r Recorder) error
	Detach()
}

// guard runs fn and turns a panic into a log line so that one failing sensor
// cannot take down the aggregator or its siblings.
func guard(logger *slog.Logger, sensor string, fn func()) (panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			logger.Error("sensor callback panicked",
				"sensor", sensor,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
	return false
}

// pageSensor is a sensor built on one page event type.
type pageSensor struct {
	name   string
	typ    PageEventType
	page   PageEvents
	logger *slog.Logger
	handle func(r Recorder, ev PageEvent) bool

	mu     sync.Mutex
	remove func()
}

func (s *pageSensor) Name() string { return s.name }

func (s *pageSensor) Attach(r Recorder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remove != nil {
		return nil
	}
	if s.page == nil {
		return fmt.Errorf("%s sensor: %w", s.name, ErrCapabilityUnavailable)
	}

	remove, err := s.page.AddListener(s.typ, func(ev PageEvent) (suppress bool) {
		guard(s.logger, s.name, func() {
			suppress = s.handle(r, ev)
		})
		return suppress
	})
	if err != nil {
		return fmt.Errorf("%s sensor: %w", s.name, err)
	}
	s.remove = remove
	return nil
}

func (s *pageSensor) Detach() {
	s.mu.Lock()
	remove := s.remove
	s.remove = nil
	s.mu.Unlock()

	if remove != nil {
		guard(s.logger, s.name, remove)
	}
}

// NewVisibilitySensor reports TAB_SWITCH whenever the document becomes hidden.
func NewVisibilitySensor(page PageEvents, logger *slog.Logger) Sensor {
	return &pageSensor{
		name:   "visibility",
		typ:    PageVisibilityChange,
		page:   page,
		logger: logger,
		handle: func(r Recorder, ev PageEvent) bool {
			if ev.Hidden {
				r.Record(KindTabSwitch, nil)
			}
			return false
		},
	}
}

// NewFocusSensor reports WINDOW_BLUR whenever the window loses focus.
func NewFocusSensor(page PageEvents, logger *slog.Logger) Sensor {
	return &pageSensor{
		name:   "focus",
		typ:    PageBlur,
		page:   page,
		logger: logger,
		handle: func(r Recorder, _ PageEvent) bool {
			r.Record(KindWindowBlur, nil)
			return false
		},
	}
}

// NewKeyboardSensor classifies key presses with ClassifyKey. Matching keys
// are suppressed while the detector is armed, including ones the aggregator
// drops as duplicates.
func NewKeyboardSensor(page PageEvents, logger *slog.Logger) Sensor {
	return &pageSensor{
		name:   "keyboard",
		typ:    PageKeyDown,
		page:   page,
		logger: logger,
		handle: func(r Recorder, ev PageEvent) bool {
			if !r.Armed() {
				return false
			}
			sig, ok := ClassifyKey(ev.Key)
			if !ok {
				return false
			}
			r.Record(sig.Kind, sig.Detail)
			return true
		},
	}
}

// NewContextMenuSensor reports CONTEXT_MENU and suppresses the native menu
// while the detector is armed.
func NewContextMenuSensor(page PageEvents, logger *slog.Logger) Sensor {
	return &pageSensor{
		name:   "contextmenu",
		typ:    PageContextMenu,
		page:   page,
		logger: logger,
		handle: func(r Recorder, _ PageEvent) bool {
			if !r.Armed() {
				return false
			}
			r.Record(KindContextMenu, nil)
			return true
		},
	}
}
