package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"proctord/internal/proctor"
	"proctord/internal/protocol"
)

// Options tune a replay.
type Options struct {
	// Start is the wall-clock time of activation. Zero means now.
	Start time.Time
	// URL is the page URL reported with violations.
	URL string
	// Sink, if set, receives a report per accepted violation.
	Sink proctor.Sink
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Block is one transition into the blocked state.
type Block struct {
	At    time.Time          `json:"at"`
	Count int                `json:"count"`
	Cause proctor.BlockCause `json:"cause"`
}

// Suppression is a page event whose default action the detector suppressed.
type Suppression struct {
	At   time.Time        `json:"at"`
	Type string           `json:"type"`
	Key  proctor.KeyPress `json:"key,omitempty"`
}

// PhaseChange is one lifecycle transition.
type PhaseChange struct {
	At   time.Time `json:"at"`
	From string    `json:"from"`
	To   string    `json:"to"`
}

// Result is everything a replay observed.
type Result struct {
	Activation proctor.Activation `json:"activation"`
	Steps      int                `json:"steps"`
	Duration   time.Duration      `json:"duration"`

	Events     []proctor.Event `json:"events"`
	Blocks     []Block         `json:"blocks"`
	Suppressed []Suppression   `json:"suppressed"`
	Phases     []PhaseChange   `json:"phases"`
	Warnings   int             `json:"warnings"`

	State proctor.State `json:"state"`
	Phase string        `json:"phase"`
}

// collector is the listener and presenter of a replayed detector.
type collector struct {
	clock clockwork.Clock

	mu   sync.Mutex
	res  *Result
	done bool
}

// stop discards everything observed afterwards, such as the final
// deactivation when the replay closes its detector.
func (c *collector) stop() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
}

func (c *collector) OnViolation(ev proctor.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.res.Events = append(c.res.Events, ev)
	}
}

func (c *collector) OnExamBlocked(count int, cause proctor.BlockCause) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.res.Blocks = append(c.res.Blocks, Block{At: c.clock.Now(), Count: count, Cause: cause})
	}
}

func (c *collector) OnPhaseChange(from, to proctor.Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.res.Phases = append(c.res.Phases, PhaseChange{At: c.clock.Now(), From: from.String(), To: to.String()})
	}
}

func (c *collector) ShowWarning(proctor.Warning) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.res.Warnings++
	}
}

func (c *collector) HideWarning()                        {}
func (c *collector) ShowBlocked(int, proctor.BlockCause) {}
func (c *collector) ClearBlocked()                       {}

// Run activates a detector for act on a simulated clock and feeds it steps.
// Probe ticks happen every act.ProbeInterval after each activation, before
// any step scheduled at the same instant.
func Run(ctx context.Context, act proctor.Activation, steps []Step, opts Options) (*Result, error) {
	if opts.Start.IsZero() {
		opts.Start = time.Now().UTC().Truncate(time.Millisecond)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	act.IsActive = true

	clock := stepClock{clockwork.NewFakeClockAt(opts.Start)}
	res := &Result{Activation: act, Steps: len(steps)}
	col := &collector{clock: clock, res: res}
	pg := newPage(opts.URL)

	dopts := []proctor.Option{
		proctor.WithClock(clock),
		proctor.WithLogger(opts.Logger),
		proctor.WithManualProbe(),
		proctor.WithListener(col),
		proctor.WithPresenter(col),
		proctor.WithSessionID("replay"),
	}
	if opts.Sink != nil {
		dopts = append(dopts, proctor.WithSink(opts.Sink))
	}

	d, err := proctor.New(act, proctor.Capabilities{
		Page:     pg,
		Geometry: pg,
		Console:  pg,
		Client:   pg,
	}, dopts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		col.stop()
		d.Close()
	}()

	var (
		elapsed  time.Duration
		nextTick = act.ProbeInterval
		active   = true
	)
	advanceTo := func(at time.Duration) {
		for active && nextTick <= at {
			clock.Advance(nextTick - elapsed)
			elapsed = nextTick
			d.Phase()
			d.Probe()
			nextTick += act.ProbeInterval
		}
		clock.Advance(at - elapsed)
		elapsed = at
		d.Phase()
	}

	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		advanceTo(time.Duration(s.At))

		switch s.Type {
		case protocol.TypePageVisibility:
			pg.fire(proctor.PageEvent{Type: proctor.PageVisibilityChange, Hidden: s.Hidden})
		case protocol.TypePageBlur:
			pg.fire(proctor.PageEvent{Type: proctor.PageBlur})
		case protocol.TypePageKeyDown:
			key := proctor.KeyPress{Key: s.Key, Ctrl: s.Ctrl, Shift: s.Shift, Alt: s.Alt, Meta: s.Meta}
			if pg.fire(proctor.PageEvent{Type: proctor.PageKeyDown, Key: key}) {
				res.Suppressed = append(res.Suppressed, Suppression{At: clock.Now(), Type: s.Type, Key: key})
			}
		case protocol.TypePageContextMenu:
			if pg.fire(proctor.PageEvent{Type: proctor.PageContextMenu}) {
				res.Suppressed = append(res.Suppressed, Suppression{At: clock.Now(), Type: s.Type})
			}
		case protocol.TypePageGeometry:
			pg.setGeometry(proctor.Geometry{
				OuterWidth:  s.OuterWidth,
				OuterHeight: s.OuterHeight,
				InnerWidth:  s.InnerWidth,
				InnerHeight: s.InnerHeight,
			})
		case protocol.TypeConsoleTiming:
			pg.setClear(time.Duration(s.ClearMs * float64(time.Millisecond)))
		case protocol.TypeConsoleCall:
			pg.consoleCall(s.Method)
		case TypeHostReset:
			d.ResetViolations()
		case TypeHostBlock:
			d.ForceBlock()
		case TypeHostActivate:
			if !active {
				if err := d.Activate(); err != nil {
					return nil, fmt.Errorf("step %d: %w", i+1, err)
				}
				active = true
				nextTick = elapsed + act.ProbeInterval
			}
		case TypeHostDeactivate:
			d.Deactivate()
			active = false
		default:
			return nil, fmt.Errorf("%w: step %d: unknown type %q", ErrBadScript, i+1, s.Type)
		}
	}

	res.Duration = elapsed
	res.State = d.State()
	res.Phase = d.Phase().String()

	if opts.Sink != nil {
		if err := d.WaitReports(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}
