// Package store provides SQLite-based violation storage for proctord.
package store

import (
	"errors"
	"time"

	"proctord/internal/proctor"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Violation is one reported violation as persisted.
type Violation struct {
	ID             int64          `json:"id"`
	SessionID      string         `json:"sessionId,omitempty"`
	UserID         string         `json:"userId"`
	ExamID         string         `json:"examId"`
	Kind           proctor.Kind   `json:"violationType"`
	OccurredAt     time.Time      `json:"timestamp"`
	ClientContext  string         `json:"clientContext"`
	CurrentURL     string         `json:"currentUrl"`
	Details        map[string]any `json:"details"`
	ViolationCount int            `json:"violationCount"`
	Sequence       uint64         `json:"sequenceNumber,omitempty"`
}

// ViolationFromReport converts a sink report into a row.
func ViolationFromReport(r proctor.Report) (*Violation, error) {
	at, err := r.Time()
	if err != nil {
		return nil, err
	}
	return &Violation{
		SessionID:      r.SessionID,
		UserID:         r.UserID,
		ExamID:         r.ExamID,
		Kind:           r.ViolationType,
		OccurredAt:     at,
		ClientContext:  r.ClientContext,
		CurrentURL:     r.CurrentURL,
		Details:        r.Details,
		ViolationCount: r.ViolationCount(),
		Sequence:       r.Sequence,
	}, nil
}

// Severity returns the severity of the violation kind.
func (v *Violation) Severity() proctor.Severity {
	return v.Kind.Severity()
}

// Block records a session entering the blocked state.
type Block struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	ExamID    string    `json:"examId"`
	Count     int       `json:"count"`
	Forced    bool      `json:"forced"`
	BlockedAt time.Time `json:"blockedAt"`
}

// ViolationFilter narrows ListViolations. Zero fields do not filter.
type ViolationFilter struct {
	ExamID string
	UserID string
	Kind   proctor.Kind
	Since  time.Time
	Until  time.Time
	Limit  int
}

// StudentSummary aggregates one student's violations in an exam.
type StudentSummary struct {
	UserID      string               `json:"userId"`
	Total       int                  `json:"total"`
	ByKind      map[proctor.Kind]int `json:"byKind"`
	MaxSeverity proctor.Severity     `json:"maxSeverity"`
	LastAt      time.Time            `json:"lastAt"`
	Blocked     bool                 `json:"blocked"`
}

// ExamSummary is the alert overview of one exam.
type ExamSummary struct {
	ExamID   string               `json:"examId"`
	Total    int                  `json:"total"`
	ByKind   map[proctor.Kind]int `json:"byKind"`
	Blocks   int                  `json:"blocks"`
	Students []StudentSummary     `json:"students"`
}
