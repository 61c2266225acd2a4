package proctor

import "time"

// Phase is the detector's position in its arming lifecycle.
type Phase int

const (
	// PhaseInactive means sensors are detached and nothing is recorded.
	PhaseInactive Phase = iota
	// PhaseArming means sensors are attached but signals are dropped until
	// the arming delay elapses.
	PhaseArming
	// PhaseArmed means signals are recorded.
	PhaseArmed
	// PhaseBlocked means the violation threshold was reached or a block was
	// forced. Only ResetViolations leaves it.
	PhaseBlocked
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseInactive:
		return "inactive"
	case PhaseArming:
		return "arming"
	case PhaseArmed:
		return "armed"
	case PhaseBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Warning is the transient notice shown after an accepted violation.
type Warning struct {
	Visible bool      `json:"visible"`
	Kind    Kind      `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
	Count   int       `json:"count"`
	Max     int       `json:"max"`
	HideAt  time.Time `json:"hideAt,omitempty"`
}

// Presenter renders the warning toast and block screen. Calls arrive in
// event order, never concurrently, and never while detector state is locked.
type Presenter interface {
	ShowWarning(w Warning)
	HideWarning()
	ShowBlocked(count int, cause BlockCause)
	ClearBlocked()
}

// phaseLocked derives the current phase. Callers hold d.mu.
func (d *Detector) phaseLocked() Phase {
	switch {
	case !d.active:
		return PhaseInactive
	case d.state.Blocked:
		return PhaseBlocked
	case !d.state.Armed:
		return PhaseArming
	default:
		return PhaseArmed
	}
}

// syncLocked applies deadlines that have passed by now: the end of the arming
// delay and the warning hide time. Timers only call into this, so a caller
// observing the clock always sees the same state a fired timer would have
// produced.
func (d *Detector) syncLocked(now time.Time) {
	if d.active && !d.state.Armed && !now.Before(d.armAt) {
		from := d.phaseLocked()
		d.state.Armed = true
		if d.armTimer != nil {
			d.armTimer.Stop()
			d.armTimer = nil
		}
		d.logger.Info("detector armed")
		d.notePhaseLocked(from)
	}

	if d.warning.Visible && !now.Before(d.warning.HideAt) {
		d.hideWarningLocked()
	}
}

// showWarningLocked replaces any visible warning and restarts the hide timer.
func (d *Detector) showWarningLocked(ev Event) {
	now := d.clock.Now()
	d.warning = Warning{
		Visible: true,
		Kind:    ev.Kind,
		Message: ev.Kind.Label(),
		Count:   ev.Count,
		Max:     d.act.MaxViolations,
		HideAt:  now.Add(d.act.WarningDuration),
	}

	if d.warnTimer != nil {
		d.warnTimer.Stop()
	}
	d.warnTimer = d.clock.AfterFunc(d.act.WarningDuration, d.onTimer)

	w := d.warning
	d.presentLocked(func(p Presenter) { p.ShowWarning(w) })
}

func (d *Detector) hideWarningLocked() {
	if d.warnTimer != nil {
		d.warnTimer.Stop()
		d.warnTimer = nil
	}
	if !d.warning.Visible {
		return
	}
	d.warning = Warning{}
	d.presentLocked(func(p Presenter) { p.HideWarning() })
}

// notePhaseLocked queues a phase change notification if the phase moved away
// from from.
func (d *Detector) notePhaseLocked(from Phase) {
	to := d.phaseLocked()
	if to == from {
		return
	}
	d.queueLocked(func() {
		for _, l := range d.phaseListeners {
			d.call("phase listener", func() { l.OnPhaseChange(from, to) })
		}
	})
}

func (d *Detector) presentLocked(fn func(Presenter)) {
	if d.presenter == nil {
		return
	}
	p := d.presenter
	d.queueLocked(func() {
		d.call("presenter", func() { fn(p) })
	})
}

// onTimer is the callback of every detector timer.
func (d *Detector) onTimer() {
	d.mu.Lock()
	d.syncLocked(d.clock.Now())
	d.unlockAndDispatch()
}
