package proctor

import (
	"fmt"
	"time"
)

// Detail carries sensor specifics for a violation, such as the key pressed or
// the detection method. Values are strings or bools.
type Detail map[string]any

// Clone returns a copy of d with every value normalised to string or bool.
func (d Detail) Clone() Detail {
	if d == nil {
		return Detail{}
	}
	out := make(Detail, len(d))
	for k, v := range d {
		switch v := v.(type) {
		case string, bool:
			out[k] = v
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// Event is one accepted violation. Events are never mutated after creation;
// every consumer receives its own copy.
type Event struct {
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurredAt"`
	Detail     Detail    `json:"detail"`
	// Sequence is strictly increasing per session, starting at 1.
	Sequence uint64 `json:"sequenceNumber"`
	// Count is the session's violation count after this event was accepted.
	Count int `json:"violationCount"`
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	e.Detail = e.Detail.Clone()
	return e
}

// BlockCause explains a transition into the blocked state. Exactly one of
// Event or Forced is set.
type BlockCause struct {
	Event  *Event `json:"event,omitempty"`
	Forced bool   `json:"forced,omitempty"`
}

// State is the per-session violation state owned by the aggregator.
type State struct {
	Count       int       `json:"count"`
	LastEventAt time.Time `json:"lastEventAt,omitempty"`
	Blocked     bool      `json:"isBlocked"`
	Armed       bool      `json:"isArmed"`
}

// Snapshot is the read-only view exposed to hosts.
type Snapshot struct {
	Violations int  `json:"violations"`
	IsBlocked  bool `json:"isBlocked"`
	// IsActive is true only once the detector is active and armed.
	IsActive bool `json:"isActive"`
}
