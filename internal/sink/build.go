package sink

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"proctord/internal/config"
	"proctord/internal/proctor"
	"proctord/internal/store"
)

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig assembles the configured sinks. db may be nil when the local
// store is disabled. The returned closer releases files the sinks hold.
// With nothing configured the result is a Log sink.
func FromConfig(cfg config.SinkConfig, db *store.Store, logger *slog.Logger) (proctor.Sink, io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		sinks Multi
		owned closers
	)

	if cfg.Store && db != nil {
		sinks = append(sinks, NewStore(db))
	}

	if cfg.AuditPath != "" {
		a, err := OpenAudit(cfg.AuditPath, []byte(cfg.AuditSecret))
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, a)
		owned = append(owned, a)
	}

	if cfg.URL != "" {
		h, err := NewHTTP(HTTPConfig{
			BaseURL:      cfg.URL,
			Token:        cfg.Token,
			Timeout:      time.Duration(cfg.TimeoutMs) * time.Millisecond,
			MaxRetries:   cfg.MaxRetries,
			RetryBackoff: time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
		}, logger)
		if err != nil {
			owned.Close()
			return nil, nil, err
		}
		sinks = append(sinks, h)
	}

	switch len(sinks) {
	case 0:
		return NewLog(logger), owned, nil
	case 1:
		return sinks[0], owned, nil
	default:
		return sinks, owned, nil
	}
}
