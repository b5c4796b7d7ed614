package orchestrator

import (
	"context"
	"time"

	"github.com/namastexlabs/automagik/internal/claude"
	"github.com/namastexlabs/automagik/internal/log"
	"github.com/namastexlabs/automagik/internal/registry"
)

const (
	reaperInterval        = time.Minute
	defaultStuckThreshold = 30 * time.Minute
)

// Reaper periodically scans for running runs whose heartbeat has gone quiet.
// Stuck runs with a live child get a cancel; true orphans (running in the
// registry, absent from the active index) are marked failed directly.
type Reaper struct {
	orch      *Orchestrator
	clock     Clock
	interval  time.Duration
	threshold time.Duration
}

// NewReaper builds a reaper. A non-positive threshold falls back to 30 min.
func NewReaper(orch *Orchestrator, threshold time.Duration) *Reaper {
	if threshold <= 0 {
		threshold = defaultStuckThreshold
	}
	return &Reaper{
		orch:      orch,
		clock:     orch.clock,
		interval:  reaperInterval,
		threshold: threshold,
	}
}

// Run ticks until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info(log.CatReaper, "reaper started", "interval", r.interval, "threshold", r.threshold)
	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatReaper, "reaper stopped")
			return
		case <-ticker.C:
			r.reapOnce(ctx)
		}
	}
}

// reapOnce performs one scan. Errors are logged, never fatal.
func (r *Reaper) reapOnce(ctx context.Context) {
	now := r.clock.Now()
	stuck, err := r.orch.registry.FindStuck(ctx, now, r.threshold)
	if err != nil {
		log.ErrorErr(log.CatReaper, "stuck scan failed", err)
		return
	}

	for _, run := range stuck {
		r.orch.mu.Lock()
		entry := r.orch.active[run.ID]
		r.orch.mu.Unlock()

		if entry != nil {
			log.Warn(log.CatReaper, "terminating stuck run",
				"run_id", run.ID, "last_heartbeat", run.LastHeartbeat)
			entry.process.Kill(claude.CauseInactivity)
			continue
		}

		// No live child to signal; finalize the row directly.
		_, err := r.orch.registry.Update(ctx, run.ID, func(ru *registry.Run) error {
			if ru.Status.IsTerminal() {
				return nil
			}
			if err := ru.TransitionTo(registry.StatusFailed, now); err != nil {
				return err
			}
			ru.Error = &registry.RunError{
				Kind:    registry.ErrKindStuck,
				Message: "no heartbeat and no live child process",
				Phase:   "execution",
			}
			return nil
		})
		if err != nil {
			log.ErrorErr(log.CatReaper, "mark stuck failed", err, "run_id", run.ID)
			continue
		}
		log.Warn(log.CatReaper, "marked orphaned stuck run failed", "run_id", run.ID)
	}
}
