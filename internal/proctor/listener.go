package proctor

// Listener receives the detector's outputs. Calls are synchronous, made in
// event order after the detector has released its state, and a panic inside
// one is recovered and logged. A listener may call back into the detector.
type Listener interface {
	// OnViolation receives every accepted violation.
	OnViolation(ev Event)

	// OnExamBlocked fires once when the count first reaches the threshold,
	// and on every ForceBlock.
	OnExamBlocked(count int, cause BlockCause)
}

// PhaseListener is optionally implemented by listeners that follow the
// arming lifecycle.
type PhaseListener interface {
	OnPhaseChange(from, to Phase)
}

// ListenerFuncs adapts plain functions to Listener and PhaseListener. Nil
// fields are skipped.
type ListenerFuncs struct {
	Violation func(ev Event)
	Blocked   func(count int, cause BlockCause)
	Phase     func(from, to Phase)
}

func (f ListenerFuncs) OnViolation(ev Event) {
	if f.Violation != nil {
		f.Violation(ev)
	}
}

func (f ListenerFuncs) OnExamBlocked(count int, cause BlockCause) {
	if f.Blocked != nil {
		f.Blocked(count, cause)
	}
}

func (f ListenerFuncs) OnPhaseChange(from, to Phase) {
	if f.Phase != nil {
		f.Phase(from, to)
	}
}
