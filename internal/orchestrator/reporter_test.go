package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/namastexlabs/automagik/internal/registry"
)

func TestStatus_ActiveRunOverlaysLiveSnapshot(t *testing.T) {
	// Child emits progress then stalls, so the run stays active while live
	// aggregates are ahead of the persisted row.
	script := `printf '%s\n' '{"type":"system","subtype":"init","session_id":"s","model":"m"}' '{"type":"assistant","message":{"content":[{"type":"text","text":"t1"},{"type":"tool_use","id":"1","name":"Write","input":{}}]}}'; sleep 30`
	h := newHarness(t, script, nil)
	ctx := context.Background()

	resp, err := h.orch.StartRun(ctx, StartRunRequest{WorkflowName: "builder", Message: "m", MaxTurns: 10})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		report, err := h.orch.Status(ctx, resp.RunID, false)
		return err == nil && report.Turns >= 1
	}, 10*time.Second, 20*time.Millisecond)

	report, err := h.orch.Status(ctx, resp.RunID, true)
	require.NoError(t, err)
	require.Equal(t, registry.StatusRunning, report.Status)
	require.Equal(t, "tool_using", report.Phase)
	require.Equal(t, 10, report.CompletionPercentage)
	require.NotNil(t, report.Detail)
	require.Equal(t, []string{"Write"}, report.Detail.ToolsUsed)
	require.NotEmpty(t, report.Detail.RecentOutput)
	require.NotEmpty(t, report.Detail.PhaseHistory)

	_, err = h.orch.Cancel(ctx, resp.RunID)
	require.NoError(t, err)
	h.waitTerminal(t, resp.RunID)
}

func TestStatus_TerminalRunServesPersistedOnly(t *testing.T) {
	h := newHarness(t, successScript, nil)
	ctx := context.Background()

	resp, err := h.orch.StartRun(ctx, StartRunRequest{WorkflowName: "builder", Message: "m"})
	require.NoError(t, err)
	h.waitTerminal(t, resp.RunID)

	report, err := h.orch.Status(ctx, resp.RunID, false)
	require.NoError(t, err)
	require.Equal(t, registry.StatusCompleted, report.Status)
	require.Equal(t, 100, report.CompletionPercentage)
	require.Empty(t, report.Phase)
	require.NotNil(t, report.Final)
	require.Equal(t, int64(120), report.TotalTokens)

	// Second read hits the cache and must agree.
	again, err := h.orch.Status(ctx, resp.RunID, false)
	require.NoError(t, err)
	require.Equal(t, report, again)
}

func TestStatus_UnknownRun(t *testing.T) {
	h := newHarness(t, successScript, nil)
	_, err := h.orch.Status(context.Background(), "missing", false)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestList_FiltersByStatus(t *testing.T) {
	h := newHarness(t, successScript, nil)
	ctx := context.Background()

	resp, err := h.orch.StartRun(ctx, StartRunRequest{WorkflowName: "builder", Message: "m"})
	require.NoError(t, err)
	h.waitTerminal(t, resp.RunID)

	runs, err := h.orch.List(ctx, registry.Filter{
		Statuses: []registry.Status{registry.StatusCompleted},
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, resp.RunID, runs[0].ID)

	none, err := h.orch.List(ctx, registry.Filter{
		Statuses: []registry.Status{registry.StatusKilled},
	})
	require.NoError(t, err)
	require.Empty(t, none)
}
