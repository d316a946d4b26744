// Package state persists session state and plans. Two implementations:
// an in-memory store for tests and single-process runs, and a Postgres
// store with embedded migrations.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/openfleet/maestro/pkg/models"
)

// Store errors.
var (
	// ErrNotFound is returned when the session or plan does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a save races a concurrent writer:
	// the stored version no longer matches the version the caller loaded.
	ErrVersionConflict = errors.New("session version conflict")
)

// Store is the persistence port. SaveState performs an optimistic
// concurrency check against state.Version: version 0 inserts, any other
// version must match the stored row. On success the state's Version is
// bumped and UpdatedAt refreshed in place.
type Store interface {
	LoadState(ctx context.Context, sessionID string) (*models.SessionState, error)
	SaveState(ctx context.Context, state *models.SessionState) error
	ListStates(ctx context.Context) ([]*models.SessionState, error)
	DeleteState(ctx context.Context, sessionID string) error

	// Cleanup removes sessions (and their plans) untouched since cutoff,
	// returning how many were deleted.
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)

	SavePlan(ctx context.Context, plan *models.TodoList) error
	LoadPlan(ctx context.Context, planID string) (*models.TodoList, error)

	// Ping reports store reachability for health checks.
	Ping(ctx context.Context) error

	Close()
}
