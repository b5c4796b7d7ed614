package registry

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository is a map-backed Repository. It backs tests and serves
// as the reference implementation of filter semantics.
type InMemoryRepository struct {
	mu   sync.RWMutex
	runs map[RunID]*Run
}

var _ Repository = (*InMemoryRepository)(nil)

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{runs: make(map[RunID]*Run)}
}

// Create inserts a run, enforcing id uniqueness.
func (r *InMemoryRepository) Create(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; exists {
		return ErrDuplicateID
	}
	r.runs[run.ID] = cloneRun(run)
	return nil
}

// Update replaces the stored run.
func (r *InMemoryRepository) Update(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; !exists {
		return ErrNotFound
	}
	r.runs[run.ID] = cloneRun(run)
	return nil
}

// Get returns a copy of the run.
func (r *InMemoryRepository) Get(_ context.Context, id RunID) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(run), nil
}

// List returns matching runs, newest first.
func (r *InMemoryRepository) List(_ context.Context, filter Filter) ([]*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Run
	for _, run := range r.runs {
		if matchesFilter(run, filter) {
			matched = append(matched, cloneRun(run))
		}
	}

	// Insertion sort by CreatedAt descending; run counts are modest.
	for i := 1; i < len(matched); i++ {
		for j := i; j > 0 && matched[j].CreatedAt.After(matched[j-1].CreatedAt); j-- {
			matched[j], matched[j-1] = matched[j-1], matched[j]
		}
	}

	return paginate(matched, filter.Limit, filter.Offset), nil
}

// FindStuck returns running runs whose heartbeat predates cutoff.
func (r *InMemoryRepository) FindStuck(_ context.Context, cutoff time.Time) ([]*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stuck []*Run
	for _, run := range r.runs {
		if run.Status == StatusRunning && run.LastHeartbeat.Before(cutoff) {
			stuck = append(stuck, cloneRun(run))
		}
	}
	return stuck, nil
}

func matchesFilter(run *Run, f Filter) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if run.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.WorkflowName != "" && run.WorkflowName != f.WorkflowName {
		return false
	}
	if f.SessionID != "" && run.SessionID != f.SessionID {
		return false
	}
	if f.SessionName != "" && run.SessionName != f.SessionName {
		return false
	}
	if f.Since != nil && run.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && run.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

func paginate(runs []*Run, limit, offset int) []*Run {
	if offset > 0 {
		if offset >= len(runs) {
			return nil
		}
		runs = runs[offset:]
	}
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs
}

// cloneRun deep-copies a run so callers cannot mutate stored state.
func cloneRun(run *Run) *Run {
	c := *run
	if run.StartedAt != nil {
		t := *run.StartedAt
		c.StartedAt = &t
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		c.CompletedAt = &t
	}
	c.Metrics.ToolsUsed = append([]string(nil), run.Metrics.ToolsUsed...)
	if run.Final != nil {
		f := *run.Final
		f.FilesCreated = append([]string(nil), run.Final.FilesCreated...)
		f.GitCommits = append([]string(nil), run.Final.GitCommits...)
		c.Final = &f
	}
	if run.Error != nil {
		e := *run.Error
		c.Error = &e
	}
	return &c
}
