package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/namastexlabs/automagik/internal/registry"
)

func TestReaper_MarksOrphanedStuckRunFailed(t *testing.T) {
	h := newHarness(t, successScript, nil)
	ctx := context.Background()

	now := h.clock.Now()
	stale := &registry.Run{
		ID: "stale", WorkflowName: "builder", SessionID: "s",
		Status: registry.StatusRunning, CreatedAt: now.Add(-2 * time.Hour),
		UpdatedAt: now.Add(-time.Hour), LastHeartbeat: now.Add(-time.Hour),
		InputFormat: "text", TimeoutSeconds: 120,
	}
	require.NoError(t, h.reg.Create(ctx, stale))

	reaper := NewReaper(h.orch, 30*time.Minute)
	reaper.reapOnce(ctx)

	run, err := h.reg.Get(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, registry.StatusFailed, run.Status)
	require.Equal(t, registry.ErrKindStuck, run.Error.Kind)
}

func TestReaper_CancelsStuckActiveRun(t *testing.T) {
	h := newHarness(t, sleepScript, nil)
	ctx := context.Background()

	resp, err := h.orch.StartRun(ctx, StartRunRequest{WorkflowName: "builder", Message: "m"})
	require.NoError(t, err)

	// Silence long enough to cross the threshold.
	h.clock.Advance(45 * time.Minute)

	reaper := NewReaper(h.orch, 30*time.Minute)
	reaper.reapOnce(ctx)

	run := h.waitTerminal(t, resp.RunID)
	require.Equal(t, registry.StatusFailed, run.Status)
	require.Equal(t, registry.ErrKindInactivity, run.Error.Kind)
}

func TestReaper_IgnoresHealthyAndTerminalRuns(t *testing.T) {
	h := newHarness(t, sleepScript, nil)
	ctx := context.Background()

	resp, err := h.orch.StartRun(ctx, StartRunRequest{WorkflowName: "builder", Message: "m"})
	require.NoError(t, err)

	done := &registry.Run{
		ID: "done", WorkflowName: "builder", SessionID: "s",
		Status: registry.StatusCompleted, CreatedAt: h.clock.Now(),
		UpdatedAt: h.clock.Now(), LastHeartbeat: h.clock.Now().Add(-2 * time.Hour),
		InputFormat: "text", TimeoutSeconds: 120,
	}
	require.NoError(t, h.reg.Create(ctx, done))

	reaper := NewReaper(h.orch, 30*time.Minute)
	reaper.reapOnce(ctx)

	live, err := h.reg.Get(ctx, resp.RunID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusRunning, live.Status)

	finished, err := h.reg.Get(ctx, "done")
	require.NoError(t, err)
	require.Equal(t, registry.StatusCompleted, finished.Status)

	_, err = h.orch.Cancel(ctx, resp.RunID)
	require.NoError(t, err)
	h.waitTerminal(t, resp.RunID)
}

func TestNewReaper_DefaultThreshold(t *testing.T) {
	h := newHarness(t, successScript, nil)
	reaper := NewReaper(h.orch, 0)
	require.Equal(t, defaultStuckThreshold, reaper.threshold)
	require.Equal(t, reaperInterval, reaper.interval)
}
