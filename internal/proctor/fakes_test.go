package proctor

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePage is an in-memory PageEvents.
type fakePage struct {
	mu       sync.Mutex
	handlers map[PageEventType][]*PageHandler
	failFor  map[PageEventType]bool
}

func newFakePage() *fakePage {
	return &fakePage{
		handlers: make(map[PageEventType][]*PageHandler),
		failFor:  make(map[PageEventType]bool),
	}
}

func (p *fakePage) AddListener(t PageEventType, h PageHandler) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failFor[t] {
		return nil, errors.New("listener refused")
	}
	hp := &h
	p.handlers[t] = append(p.handlers[t], hp)
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		hs := p.handlers[t]
		for i, x := range hs {
			if x == hp {
				p.handlers[t] = append(hs[:i], hs[i+1:]...)
				return
			}
		}
	}, nil
}

// fire dispatches ev and reports whether any handler asked to suppress it.
func (p *fakePage) fire(ev PageEvent) bool {
	p.mu.Lock()
	hs := append([]*PageHandler(nil), p.handlers[ev.Type]...)
	p.mu.Unlock()

	suppress := false
	for _, h := range hs {
		if (*h)(ev) {
			suppress = true
		}
	}
	return suppress
}

func (p *fakePage) count(t PageEventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers[t])
}

func (p *fakePage) key(k KeyPress) bool {
	return p.fire(PageEvent{Type: PageKeyDown, Key: k})
}

// fakeWindow is a GeometrySource and ConsoleProbe in one.
type fakeWindow struct {
	mu        sync.Mutex
	geometry  Geometry
	clearCost time.Duration
	intercept func(string)
	restored  int
}

func newFakeWindow() *fakeWindow {
	return &fakeWindow{geometry: Geometry{OuterWidth: 1280, OuterHeight: 800, InnerWidth: 1280, InnerHeight: 720}}
}

func (w *fakeWindow) WindowGeometry() (Geometry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.geometry, nil
}

func (w *fakeWindow) MeasureClear() (time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clearCost, nil
}

func (w *fakeWindow) Intercept(fn func(string)) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.intercept = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.intercept = nil
		w.restored++
	}, nil
}

func (w *fakeWindow) setDocked(docked bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.geometry.InnerHeight = 720
	if docked {
		w.geometry.InnerHeight = 400
	}
}

func (w *fakeWindow) setClearCost(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clearCost = d
}

func (w *fakeWindow) consoleCall(method string) {
	w.mu.Lock()
	fn := w.intercept
	w.mu.Unlock()
	if fn != nil {
		fn(method)
	}
}

func (w *fakeWindow) intercepted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.intercept != nil
}

type fakeClient struct{}

func (fakeClient) UserAgent() string { return "Mozilla/5.0 (X11; Linux x86_64)" }
func (fakeClient) URL() string       { return "https://exam.example.edu/exams/42" }

// recorder collects listener calls.
type recorder struct {
	mu      sync.Mutex
	events  []Event
	blocks  []blockCall
	phases  [][2]Phase
	onBlock func(count int, cause BlockCause)
}

type blockCall struct {
	count int
	cause BlockCause
}

func (r *recorder) OnViolation(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) OnExamBlocked(count int, cause BlockCause) {
	r.mu.Lock()
	r.blocks = append(r.blocks, blockCall{count, cause})
	hook := r.onBlock
	r.mu.Unlock()
	if hook != nil {
		hook(count, cause)
	}
}

func (r *recorder) OnPhaseChange(from, to Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, [2]Phase{from, to})
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) Blocks() []blockCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]blockCall(nil), r.blocks...)
}

func (r *recorder) Phases() [][2]Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]Phase(nil), r.phases...)
}

// screen is a recording Presenter.
type screen struct {
	mu       sync.Mutex
	warnings []Warning
	hides    int
	blocked  []int
	cleared  int
}

func (s *screen) ShowWarning(w Warning) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, w)
}

func (s *screen) HideWarning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hides++
}

func (s *screen) ShowBlocked(count int, _ BlockCause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = append(s.blocked, count)
}

func (s *screen) ClearBlocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
}

func (s *screen) Hides() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hides
}
