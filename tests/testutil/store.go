package testutil

import (
	"context"
	"testing"

	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/internal/store"
)

// NewTestStore opens an in-memory snapshot store, closed with the test.
// Any seed incidents are persisted as one list fetched at FixedClock's
// time, so the store already counts as synced.
func NewTestStore(t *testing.T, seed ...model.Incident) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("opening snapshot store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing snapshot store: %v", err)
		}
	})

	if len(seed) > 0 {
		if err := s.UpsertIncidents(context.Background(), seed, FixedClock().Now()); err != nil {
			t.Fatalf("seeding %d incidents: %v", len(seed), err)
		}
	}
	return s
}
