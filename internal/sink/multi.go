package sink

import (
	"context"
	"errors"
	"log/slog"

	"proctord/internal/proctor"
)

// Multi delivers each report to every sink in order. The returned error
// joins the failures of all sinks.
type Multi []proctor.Sink

func (m Multi) Report(ctx context.Context, r proctor.Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Report(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes each report to a structured logger and never fails.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging sink.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Report(ctx context.Context, r proctor.Report) error {
	l.logger.InfoContext(ctx, "violation reported",
		"user", r.UserID,
		"exam", r.ExamID,
		"session", r.SessionID,
		"kind", string(r.ViolationType),
		"timestamp", r.Timestamp,
		"count", r.ViolationCount(),
	)
	return nil
}
