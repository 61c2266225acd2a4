package proctor

import (
	"context"
	"time"
)

// Drop reasons reported to metrics.
const (
	dropInactive  = "inactive"
	dropArming    = "arming"
	dropDebounced = "debounced"
)

// Record offers a signal to the aggregator. It returns true when the signal
// became a violation: the detector is armed and no other violation was
// accepted within the dedupe window, whatever its kind.
func (d *Detector) Record(kind Kind, detail Detail) bool {
	d.mu.Lock()
	now := d.clock.Now()
	d.syncLocked(now)
	accepted := d.recordLocked(now, kind, detail)
	d.unlockAndDispatch()
	return accepted
}

func (d *Detector) recordLocked(now time.Time, kind Kind, detail Detail) bool {
	if !d.active {
		d.metrics.SignalDropped(dropInactive)
		return false
	}
	if !d.state.Armed {
		d.metrics.SignalDropped(dropArming)
		return false
	}
	if !d.state.LastEventAt.IsZero() && now.Sub(d.state.LastEventAt) < d.act.DedupeWindow {
		d.metrics.SignalDropped(dropDebounced)
		d.logger.Debug("signal debounced", "kind", kind)
		return false
	}

	d.state.Count++
	d.state.LastEventAt = now
	d.seq++

	ev := Event{
		Kind:       kind,
		OccurredAt: now,
		Detail:     detail.Clone(),
		Sequence:   d.seq,
		Count:      d.state.Count,
	}

	d.metrics.ViolationAccepted(string(kind))
	d.logger.Info("violation recorded",
		"kind", kind,
		"count", ev.Count,
		"max", d.act.MaxViolations,
		"sequence", ev.Sequence,
	)

	d.reportLocked(ev)

	for _, l := range d.listeners {
		l, e := l, ev.Clone()
		d.queueLocked(func() {
			d.call("violation listener", func() { l.OnViolation(e) })
		})
	}

	if d.act.ShowWarnings {
		d.showWarningLocked(ev)
	}

	if ev.Count >= d.act.MaxViolations && !d.state.Blocked {
		from := d.phaseLocked()
		d.state.Blocked = true
		d.metrics.Blocked(false)
		d.logger.Warn("exam blocked", "count", ev.Count)

		cause := BlockCause{Event: &ev}
		d.blockedLocked(ev.Count, cause)
		d.notePhaseLocked(from)
	}
	return true
}

// reportLocked hands ev to the sink on its own goroutine.
func (d *Detector) reportLocked(ev Event) {
	if d.sink == nil {
		return
	}

	r := NewReport(d.act, d.caps.Client, d.sessionID, ev)
	sink, logger, m := d.sink, d.logger, d.metrics

	d.reports.Add(1)
	go func() {
		defer d.reports.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("sink panicked", "panic", rec)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()

		start := time.Now()
		err := sink.Report(ctx, r)
		m.SinkReport(time.Since(start), err)
		if err != nil {
			logger.Warn("violation report failed",
				"kind", r.ViolationType,
				"sequence", r.Sequence,
				"error", err,
			)
		}
	}()
}

// blockedLocked queues the block notifications.
func (d *Detector) blockedLocked(count int, cause BlockCause) {
	for _, l := range d.listeners {
		l, c := l, cloneCause(cause)
		d.queueLocked(func() {
			d.call("block listener", func() { l.OnExamBlocked(count, c) })
		})
	}
	c := cloneCause(cause)
	d.presentLocked(func(p Presenter) { p.ShowBlocked(count, c) })
}

func cloneCause(c BlockCause) BlockCause {
	if c.Event == nil {
		return c
	}
	ev := c.Event.Clone()
	return BlockCause{Event: &ev}
}

// ResetViolations clears the count and the block. The arming state, the
// last event time and the sequence counter are left alone.
func (d *Detector) ResetViolations() {
	d.mu.Lock()
	d.syncLocked(d.clock.Now())

	from := d.phaseLocked()
	wasBlocked := d.state.Blocked
	d.state.Count = 0
	d.state.Blocked = false
	d.metrics.Reset()
	d.logger.Info("violations reset", "was_blocked", wasBlocked)

	if wasBlocked {
		d.presentLocked(func(p Presenter) { p.ClearBlocked() })
	}
	d.notePhaseLocked(from)
	d.unlockAndDispatch()
}

// ForceBlock blocks the session regardless of the count. The block callback
// fires on every call with a forced cause.
func (d *Detector) ForceBlock() {
	d.mu.Lock()
	d.syncLocked(d.clock.Now())

	from := d.phaseLocked()
	d.state.Blocked = true
	d.metrics.Blocked(true)
	d.logger.Warn("exam blocked by host", "count", d.state.Count)

	d.blockedLocked(d.state.Count, BlockCause{Forced: true})
	d.notePhaseLocked(from)
	d.unlockAndDispatch()
}
