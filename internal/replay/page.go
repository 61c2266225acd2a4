package replay

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"proctord/internal/proctor"
)

var errNoSample = errors.New("replay: no sample yet")

// page plays the exam page: it holds the listeners the sensors register and
// the latest geometry and console timing the script reported.
type page struct {
	mu        sync.Mutex
	handlers  map[proctor.PageEventType]map[int]proctor.PageHandler
	nextID    int
	geometry  *proctor.Geometry
	clear     *time.Duration
	intercept func(string)
	url       string
}

func newPage(url string) *page {
	return &page{
		handlers: make(map[proctor.PageEventType]map[int]proctor.PageHandler),
		url:      url,
	}
}

func (p *page) AddListener(t proctor.PageEventType, h proctor.PageHandler) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	if p.handlers[t] == nil {
		p.handlers[t] = make(map[int]proctor.PageHandler)
	}
	p.handlers[t][id] = h
	return func() {
		p.mu.Lock()
		delete(p.handlers[t], id)
		p.mu.Unlock()
	}, nil
}

// fire delivers ev and reports whether a handler suppressed it.
func (p *page) fire(ev proctor.PageEvent) bool {
	p.mu.Lock()
	hs := make([]proctor.PageHandler, 0, len(p.handlers[ev.Type]))
	for _, h := range p.handlers[ev.Type] {
		hs = append(hs, h)
	}
	p.mu.Unlock()

	suppress := false
	for _, h := range hs {
		if h(ev) {
			suppress = true
		}
	}
	return suppress
}

func (p *page) setGeometry(g proctor.Geometry) {
	p.mu.Lock()
	p.geometry = &g
	p.mu.Unlock()
}

func (p *page) setClear(d time.Duration) {
	p.mu.Lock()
	p.clear = &d
	p.mu.Unlock()
}

func (p *page) consoleCall(method string) {
	p.mu.Lock()
	fn := p.intercept
	p.mu.Unlock()
	if fn != nil {
		fn(method)
	}
}

func (p *page) WindowGeometry() (proctor.Geometry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.geometry == nil {
		return proctor.Geometry{}, errNoSample
	}
	return *p.geometry, nil
}

// MeasureClear returns the last reported timing once.
func (p *page) MeasureClear() (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clear == nil {
		return 0, errNoSample
	}
	d := *p.clear
	p.clear = nil
	return d, nil
}

func (p *page) Intercept(fn func(string)) (func(), error) {
	p.mu.Lock()
	p.intercept = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.intercept = nil
		p.mu.Unlock()
	}, nil
}

func (p *page) UserAgent() string { return "proctord-replay" }
func (p *page) URL() string       { return p.url }

// stepClock is a fake clock whose timers never fire on their own. The
// detector applies elapsed deadlines whenever it is observed, and the
// replay observes it after every step, so every callback runs on the
// replay goroutine in script order.
type stepClock struct {
	*clockwork.FakeClock
}

func (c stepClock) AfterFunc(d time.Duration, _ func()) clockwork.Timer {
	return c.FakeClock.NewTimer(d)
}
