package store

import (
	"context"
	"time"

	"github.com/natemellendorf/wt-tracker/internal/model"
)

// Store persists the aggregate stats history. Swarm state itself is never
// stored.
type Store interface {
	// Open opens the store.
	Open() error

	// Close closes the store.
	Close() error

	// PutSnapshot records a snapshot, replacing one taken at the same instant.
	PutSnapshot(ctx context.Context, snap model.Snapshot) error

	// ListSnapshots returns snapshots taken at or after since, oldest first.
	// A limit of zero or less means no limit.
	ListSnapshots(ctx context.Context, since time.Time, limit int) ([]model.Snapshot, error)

	// DeleteSnapshotsBefore removes snapshots taken before cutoff and returns
	// how many were removed.
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// GetLastSweepTime returns the last time the sweeper ran.
	GetLastSweepTime(ctx context.Context) (time.Time, error)

	// SetLastSweepTime records the last sweeper run time.
	SetLastSweepTime(ctx context.Context, t time.Time) error
}
