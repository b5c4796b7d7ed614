package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/namastexlabs/automagik/internal/log"
)

// Registry is the durable facade the orchestrator talks to. Every mutation
// goes through a load-apply-save cycle serialized per run, so concurrent
// writers (event pipeline, reaper, cancel handler) never clobber each other.
type Registry struct {
	repo Repository

	mu    sync.Mutex
	locks map[RunID]*sync.Mutex
}

// NewRegistry wraps a repository.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:  repo,
		locks: make(map[RunID]*sync.Mutex),
	}
}

func (r *Registry) runLock(id RunID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Create persists a new run.
func (r *Registry) Create(ctx context.Context, run *Run) error {
	return r.repo.Create(ctx, run)
}

// Get returns the persisted run.
func (r *Registry) Get(ctx context.Context, id RunID) (*Run, error) {
	return r.repo.Get(ctx, id)
}

// List returns persisted runs matching filter, newest first.
func (r *Registry) List(ctx context.Context, filter Filter) ([]*Run, error) {
	return r.repo.List(ctx, filter)
}

// Update loads the run, applies fn, and saves the result. The cycle is
// serialized per run id. fn returning an error aborts the save.
func (r *Registry) Update(ctx context.Context, id RunID, fn func(*Run) error) (*Run, error) {
	l := r.runLock(id)
	l.Lock()
	defer l.Unlock()

	run, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(run); err != nil {
		return nil, err
	}
	run.UpdatedAt = time.Now().UTC()
	if err := r.repo.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("save run %s: %w", id, err)
	}
	return run, nil
}

// Transition moves the run to next at now, applying the status machine.
// Re-reaching the same terminal status is a silent no-op.
func (r *Registry) Transition(ctx context.Context, id RunID, next Status, now time.Time) (*Run, error) {
	return r.Update(ctx, id, func(run *Run) error {
		return run.TransitionTo(next, now)
	})
}

// UpdateMetrics folds aggregates into the persisted run, larger values
// winning, and refreshes the heartbeat.
func (r *Registry) UpdateMetrics(ctx context.Context, id RunID, m Metrics, now time.Time) error {
	_, err := r.Update(ctx, id, func(run *Run) error {
		run.Metrics.mergeLarger(m)
		run.LastHeartbeat = now
		return nil
	})
	return err
}

// UpdateHeartbeat records output activity without touching aggregates.
func (r *Registry) UpdateHeartbeat(ctx context.Context, id RunID, now time.Time) error {
	_, err := r.Update(ctx, id, func(run *Run) error {
		run.LastHeartbeat = now
		return nil
	})
	return err
}

// SetClaudeSessionID records the child's own session id from the init event.
func (r *Registry) SetClaudeSessionID(ctx context.Context, id RunID, sessionID string) error {
	_, err := r.Update(ctx, id, func(run *Run) error {
		run.ClaudeSessionID = sessionID
		return nil
	})
	return err
}

// SetFinal records the structured final result.
func (r *Registry) SetFinal(ctx context.Context, id RunID, final *FinalResult) error {
	_, err := r.Update(ctx, id, func(run *Run) error {
		run.Final = final
		return nil
	})
	return err
}

// FindStuck returns running runs whose heartbeat is older than threshold.
func (r *Registry) FindStuck(ctx context.Context, now time.Time, threshold time.Duration) ([]*Run, error) {
	return r.repo.FindStuck(ctx, now.Add(-threshold))
}

// SweepOrphans marks every pending or running run as failed. Called once at
// startup: any run that looks live in the database has no child process
// behind it after a restart.
func (r *Registry) SweepOrphans(ctx context.Context, now time.Time) (int, error) {
	active, err := r.repo.List(ctx, Filter{Statuses: []Status{StatusPending, StatusRunning}})
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, run := range active {
		_, err := r.Update(ctx, run.ID, func(ru *Run) error {
			if ru.Status.IsTerminal() {
				return nil
			}
			if err := ru.TransitionTo(StatusFailed, now); err != nil {
				return err
			}
			ru.Error = &RunError{
				Kind:    ErrKindOrphaned,
				Message: "daemon restarted while run was active",
				Phase:   "execution",
			}
			return nil
		})
		if err != nil {
			log.ErrorErr(log.CatDB, "orphan sweep failed", err, "run_id", run.ID)
			continue
		}
		swept++
	}
	if swept > 0 {
		log.Info(log.CatDB, "orphan sweep complete", "swept", swept)
	}
	return swept, nil
}

// Forget drops the per-run lock once a run is terminal and evicted from the
// active set. Safe to call for unknown ids.
func (r *Registry) Forget(id RunID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, id)
}
