package registry

import (
	"context"
	"errors"
	"time"
)

// Repository errors.
var (
	// ErrNotFound indicates no run with the given id exists.
	ErrNotFound = errors.New("run not found")

	// ErrDuplicateID indicates a create with an id that is already taken.
	ErrDuplicateID = errors.New("run id already exists")
)

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Statuses     []Status
	WorkflowName string
	SessionID    string
	SessionName  string
	Since        *time.Time // CreatedAt >= Since
	Until        *time.Time // CreatedAt <= Until
	Limit        int
	Offset       int
}

// Repository persists runs. Implementations must make every mutation
// durable before returning; the registry is the source of truth across
// restarts.
type Repository interface {
	Create(ctx context.Context, run *Run) error
	Update(ctx context.Context, run *Run) error
	Get(ctx context.Context, id RunID) (*Run, error)
	// List returns runs matching filter, newest first.
	List(ctx context.Context, filter Filter) ([]*Run, error)
	// FindStuck returns running runs whose last heartbeat is before cutoff.
	FindStuck(ctx context.Context, cutoff time.Time) ([]*Run, error)
}
