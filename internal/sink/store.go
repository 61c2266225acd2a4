package sink

import (
	"context"
	"fmt"

	"proctord/internal/proctor"
	"proctord/internal/store"
)

// Store writes reports into the local violation log.
type Store struct {
	db *store.Store
}

// NewStore creates a sink over an open store.
func NewStore(db *store.Store) *Store {
	return &Store{db: db}
}

func (s *Store) Report(ctx context.Context, r proctor.Report) error {
	v, err := store.ViolationFromReport(r)
	if err != nil {
		return err
	}
	if _, err := s.db.InsertViolation(ctx, v); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	return nil
}
