package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/namastexlabs/automagik/internal/processor"
	"github.com/namastexlabs/automagik/internal/registry"
)

const stdoutTailLines = 50

// Report is the merged status view: the persisted row overlaid, for active
// runs, with the live processor snapshot.
type Report struct {
	RunID        registry.RunID  `json:"run_id"`
	WorkflowName string          `json:"workflow_name"`
	SessionID    string          `json:"session_id"`
	SessionName  string          `json:"session_name,omitempty"`
	Status       registry.Status `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Phase                string  `json:"phase,omitempty"`
	CompletionPercentage int     `json:"completion_percentage"`
	Turns                int     `json:"turns"`
	TotalTokens          int64   `json:"total_tokens"`
	CostUSD              float64 `json:"cost_usd"`

	WorkspacePath string `json:"workspace_path,omitempty"`
	GitBranch     string `json:"git_branch,omitempty"`

	Final *registry.FinalResult `json:"final_result,omitempty"`
	Error *registry.RunError    `json:"error,omitempty"`

	Detail *ReportDetail `json:"detail,omitempty"`
}

// ReportDetail is the extra payload behind detailed=true.
type ReportDetail struct {
	ToolsUsed    []string                `json:"tools_used"`
	Tokens       registry.Metrics        `json:"tokens"`
	PhaseHistory []processor.PhaseChange `json:"phase_history,omitempty"`
	RecentOutput []string                `json:"recent_output,omitempty"`
	ParseErrors  int                     `json:"parse_errors"`
}

// Status builds the merged view for one run. Terminal runs serve persisted
// data only (cached briefly); active runs overlay the live snapshot taken in
// the same call, larger counters winning.
func (o *Orchestrator) Status(ctx context.Context, id registry.RunID, detailed bool) (*Report, error) {
	cacheKey := fmt.Sprintf("%s:%t", id, detailed)
	if cached, ok := o.reportCache.Get(cacheKey); ok {
		return cached.(*Report), nil
	}

	run, err := o.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	entry := o.active[id]
	o.mu.Unlock()

	var snap *processor.Snapshot
	var tail []string
	if entry != nil && !run.Status.IsTerminal() {
		s := entry.processor.Snapshot()
		snap = &s
		if detailed {
			tail = entry.processor.RecentOutput(stdoutTailLines)
		}
	}

	report := buildReport(run, snap, tail, detailed)
	if run.Status.IsTerminal() {
		o.reportCache.SetDefault(cacheKey, report)
	}
	return report, nil
}

// List returns persisted run rows matching the filter, newest first.
func (o *Orchestrator) List(ctx context.Context, filter registry.Filter) ([]*registry.Run, error) {
	return o.registry.List(ctx, filter)
}

func buildReport(run *registry.Run, snap *processor.Snapshot, tail []string, detailed bool) *Report {
	metrics := run.Metrics
	phase := ""
	completion := 0
	if run.Status.IsTerminal() {
		completion = 100
	}

	if snap != nil {
		live := snapshotMetrics(*snap)
		metrics = run.Metrics
		metrics.Turns = max(metrics.Turns, live.Turns)
		metrics.InputTokens = max(metrics.InputTokens, live.InputTokens)
		metrics.OutputTokens = max(metrics.OutputTokens, live.OutputTokens)
		metrics.CacheCreatedTokens = max(metrics.CacheCreatedTokens, live.CacheCreatedTokens)
		metrics.CacheReadTokens = max(metrics.CacheReadTokens, live.CacheReadTokens)
		if live.CostUSD > metrics.CostUSD {
			metrics.CostUSD = live.CostUSD
		}
		if len(live.ToolsUsed) >= len(metrics.ToolsUsed) {
			metrics.ToolsUsed = live.ToolsUsed
		}
		phase = string(snap.Phase)
		completion = snap.CompletionPercentage
	}

	report := &Report{
		RunID:                run.ID,
		WorkflowName:         run.WorkflowName,
		SessionID:            run.SessionID,
		SessionName:          run.SessionName,
		Status:               run.Status,
		CreatedAt:            run.CreatedAt,
		StartedAt:            run.StartedAt,
		CompletedAt:          run.CompletedAt,
		Phase:                phase,
		CompletionPercentage: completion,
		Turns:                metrics.Turns,
		TotalTokens:          metrics.TotalTokens(),
		CostUSD:              metrics.CostUSD,
		WorkspacePath:        run.WorkspacePath,
		GitBranch:            run.GitBranch,
		Final:                run.Final,
		Error:                run.Error,
	}

	if detailed {
		detail := &ReportDetail{
			ToolsUsed: metrics.ToolsUsed,
			Tokens:    metrics,
		}
		if snap != nil {
			detail.PhaseHistory = snap.PhaseHistory
			detail.RecentOutput = tail
			detail.ParseErrors = snap.ParseErrors
		}
		report.Detail = detail
	}
	return report
}

// invalidateReport clears cached views after a terminal write.
func (o *Orchestrator) invalidateReport(id registry.RunID) {
	o.reportCache.Delete(fmt.Sprintf("%s:true", id))
	o.reportCache.Delete(fmt.Sprintf("%s:false", id))
}
