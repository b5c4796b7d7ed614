package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/namastexlabs/automagik/internal/claude"
	"github.com/namastexlabs/automagik/internal/log"
	"github.com/namastexlabs/automagik/internal/processor"
	"github.com/namastexlabs/automagik/internal/registry"
	"github.com/namastexlabs/automagik/internal/workspace"
)

// awaitCompletion is the sole writer of a run's terminal state. It blocks on
// the supervisor's exit, finalizes the registry row, releases the workspace
// and drops the run from the active index.
func (o *Orchestrator) awaitCompletion(entry *activeRun) {
	defer o.wg.Done()

	result := <-entry.process.Done()
	entry.cancel()

	snap := entry.processor.Snapshot()
	status, runErr := classifyExit(result, snap)
	final := buildFinal(result, snap)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := o.clock.Now()
	_, err := o.registry.Update(ctx, entry.id, func(r *registry.Run) error {
		if err := r.TransitionTo(status, now); err != nil {
			return err
		}
		r.Metrics = mergedMetrics(r.Metrics, snap)
		r.Error = runErr
		if final != nil {
			if r.CreatePROnSuccess && final.Success {
				final.PRBranch = entry.workspace.Branch
			}
			r.Final = final
		}
		return nil
	})
	if err != nil {
		log.ErrorErr(log.CatRun, "finalize run failed", err, "run_id", entry.id)
	}

	o.workspaces.Release(entry.workspace, workspace.ReleaseOptions{
		Killed: status == registry.StatusKilled,
		CommitMessage: fmt.Sprintf("chore(%s): checkpoint run %s",
			entry.workflow, shortRunID(entry.id)),
	})

	o.mu.Lock()
	delete(o.active, entry.id)
	o.mu.Unlock()
	o.slots <- struct{}{}
	o.registry.Forget(entry.id)
	o.invalidateReport(entry.id)

	log.Info(log.CatRun, "run finished",
		"run_id", entry.id, "status", status, "exit_code", result.ExitCode,
		"cause", result.Cause, "turns", snap.Turns, "cost", snap.Tokens.FormatCostDisplay())
}

// classifyExit maps the supervisor's exit result and the processor's view of
// the stream to a terminal status.
func classifyExit(result claude.ExitResult, snap processor.Snapshot) (registry.Status, *registry.RunError) {
	switch result.Cause {
	case claude.CauseKilledByUser:
		return registry.StatusKilled, nil
	case claude.CauseTimeout:
		return registry.StatusFailed, &registry.RunError{
			Kind: registry.ErrKindTimeout, Message: "wall-clock timeout exceeded", Phase: "execution"}
	case claude.CauseInactivity:
		return registry.StatusFailed, &registry.RunError{
			Kind: registry.ErrKindInactivity, Message: "no output within inactivity window", Phase: "execution"}
	case claude.CauseUnkillable:
		return registry.StatusFailed, &registry.RunError{
			Kind: registry.ErrKindUnkillable, Message: "child survived forceful termination", Phase: "cleanup"}
	case claude.CauseSpawnFailed:
		return registry.StatusFailed, &registry.RunError{
			Kind: registry.ErrKindSpawnFailed, Message: exitMessage(result), Phase: "spawn"}
	}

	if result.ExitCode != 0 {
		return registry.StatusFailed, &registry.RunError{
			Kind: registry.ErrKindNonzeroExit, Message: exitMessage(result), Phase: "execution"}
	}
	if snap.Final == nil {
		return registry.StatusFailed, &registry.RunError{
			Kind: registry.ErrKindNonzeroExit, Message: "child exited without a result event", Phase: "execution"}
	}
	if !snap.Final.Success {
		return registry.StatusFailed, &registry.RunError{
			Kind: registry.ErrKindNonzeroExit, Message: "child reported failure", Phase: "execution"}
	}
	return registry.StatusCompleted, nil
}

// buildFinal prefers the child's own result event; without one the stderr
// tail and exit code stand in.
func buildFinal(result claude.ExitResult, snap processor.Snapshot) *registry.FinalResult {
	if snap.Final != nil {
		return &registry.FinalResult{
			Success:      snap.Final.Success,
			Output:       snap.Final.ResultText,
			FilesCreated: snap.FilesCreated,
		}
	}
	return &registry.FinalResult{
		Success: false,
		Output:  exitMessage(result),
	}
}

func exitMessage(result claude.ExitResult) string {
	msg := fmt.Sprintf("exit code %d", result.ExitCode)
	if tail := strings.TrimSpace(strings.Join(result.StderrTail, "\n")); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func mergedMetrics(persisted registry.Metrics, snap processor.Snapshot) registry.Metrics {
	merged := persisted
	live := snapshotMetrics(snap)
	merged.Turns = max(merged.Turns, live.Turns)
	merged.InputTokens = max(merged.InputTokens, live.InputTokens)
	merged.OutputTokens = max(merged.OutputTokens, live.OutputTokens)
	merged.CacheCreatedTokens = max(merged.CacheCreatedTokens, live.CacheCreatedTokens)
	merged.CacheReadTokens = max(merged.CacheReadTokens, live.CacheReadTokens)
	if live.CostUSD > merged.CostUSD {
		merged.CostUSD = live.CostUSD
	}
	if len(live.ToolsUsed) >= len(merged.ToolsUsed) {
		merged.ToolsUsed = live.ToolsUsed
	}
	return merged
}

func shortRunID(id registry.RunID) string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
