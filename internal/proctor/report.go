package proctor

import (
	"context"
	"fmt"
	"time"
)

// TimestampLayout is the ISO-8601 layout used for report timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Report is the payload handed to a Sink for each accepted violation.
type Report struct {
	UserID        string         `json:"userId"`
	ExamID        string         `json:"examId"`
	ViolationType Kind           `json:"violationType"`
	Timestamp     string         `json:"timestamp"`
	ClientContext string         `json:"clientContext"`
	CurrentURL    string         `json:"currentUrl"`
	Details       map[string]any `json:"details"`

	SessionID string `json:"sessionId,omitempty"`
	Sequence  uint64 `json:"sequenceNumber,omitempty"`
}

// NewReport builds the report for ev. details carries the event detail plus
// the violation count.
func NewReport(act Activation, client ClientInfo, sessionID string, ev Event) Report {
	details := make(map[string]any, len(ev.Detail)+1)
	for k, v := range ev.Detail {
		details[k] = v
	}
	details["violationCount"] = ev.Count

	r := Report{
		UserID:        act.UserID,
		ExamID:        act.ExamID,
		ViolationType: ev.Kind,
		Timestamp:     ev.OccurredAt.UTC().Format(TimestampLayout),
		Details:       details,
		SessionID:     sessionID,
		Sequence:      ev.Sequence,
	}
	if client != nil {
		r.ClientContext = client.UserAgent()
		r.CurrentURL = client.URL()
	}
	return r
}

// Time parses the report timestamp.
func (r Report) Time() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("proctor: bad report timestamp %q: %w", r.Timestamp, err)
	}
	return t, nil
}

// ViolationCount returns the count carried in the details, or 0.
func (r Report) ViolationCount() int {
	switch v := r.Details["violationCount"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Sink delivers reports off-device. The detector never waits on a sink and
// only logs its errors.
type Sink interface {
	Report(ctx context.Context, r Report) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Report) error

func (f SinkFunc) Report(ctx context.Context, r Report) error {
	return f(ctx, r)
}
