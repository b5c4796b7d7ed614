// Package registry holds the durable view of all runs: the run entity, its
// status machine, and the repository that persists every mutation before it
// is acknowledged.
package registry

import (
	"time"

	"github.com/google/uuid"
)

// RunID uniquely identifies a run. Assigned at accept time, never reused.
type RunID string

// NewRunID mints a fresh identifier.
func NewRunID() RunID {
	return RunID(uuid.NewString())
}

func (id RunID) String() string { return string(id) }

// ErrorKind classifies run failures.
type ErrorKind string

const (
	ErrKindTimeout      ErrorKind = "timeout"
	ErrKindInactivity   ErrorKind = "inactivity"
	ErrKindKilledByUser ErrorKind = "killed_by_user"
	ErrKindNonzeroExit  ErrorKind = "nonzero_exit"
	ErrKindSpawnFailed  ErrorKind = "spawn_failed"
	ErrKindUnkillable   ErrorKind = "unkillable"
	ErrKindWorkspace    ErrorKind = "workspace"
	ErrKindOrphaned     ErrorKind = "orphaned"
	ErrKindStuck        ErrorKind = "stuck"
)

// RunError is the structured error recorded on a failed run.
type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// Phase names where in the lifecycle the failure happened
	// (workspace, spawn, execution, cleanup).
	Phase string `json:"phase,omitempty"`
}

// FinalResult is the structured outcome of a finished run.
type FinalResult struct {
	Success      bool     `json:"success"`
	Output       string   `json:"output,omitempty"`
	FilesCreated []string `json:"files_created,omitempty"`
	GitCommits   []string `json:"git_commits,omitempty"`
	PRBranch     string   `json:"pr_branch,omitempty"`
}

// Metrics are the aggregates persisted per run. Token counters are
// monotonically non-decreasing while the run is live.
type Metrics struct {
	Turns              int      `json:"turns"`
	InputTokens        int64    `json:"input_tokens"`
	OutputTokens       int64    `json:"output_tokens"`
	CacheCreatedTokens int64    `json:"cache_created_tokens"`
	CacheReadTokens    int64    `json:"cache_read_tokens"`
	CostUSD            float64  `json:"cost_usd"`
	ToolsUsed          []string `json:"tools_used"`
}

// TotalTokens returns the sum of all token counters.
func (m Metrics) TotalTokens() int64 {
	return m.InputTokens + m.OutputTokens + m.CacheCreatedTokens + m.CacheReadTokens
}

// mergeLarger folds incoming aggregates in, letting the larger value win on
// every counter. Event delivery can be lossy or repeated; counts never move
// backwards.
func (m *Metrics) mergeLarger(in Metrics) {
	m.Turns = max(m.Turns, in.Turns)
	m.InputTokens = max(m.InputTokens, in.InputTokens)
	m.OutputTokens = max(m.OutputTokens, in.OutputTokens)
	m.CacheCreatedTokens = max(m.CacheCreatedTokens, in.CacheCreatedTokens)
	m.CacheReadTokens = max(m.CacheReadTokens, in.CacheReadTokens)
	if in.CostUSD > m.CostUSD {
		m.CostUSD = in.CostUSD
	}
	if len(in.ToolsUsed) >= len(m.ToolsUsed) {
		m.ToolsUsed = append([]string(nil), in.ToolsUsed...)
	}
}

// Run is the central entity: one execution of a workflow on a message.
type Run struct {
	ID           RunID  `json:"run_id"`
	WorkflowName string `json:"workflow_name"`
	SessionID    string `json:"session_id"`
	SessionName  string `json:"session_name,omitempty"`
	UserID       string `json:"user_id,omitempty"`

	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	WorkspacePath       string `json:"workspace_path,omitempty"`
	WorkspacePersistent bool   `json:"workspace_persistent"`
	GitBranch           string `json:"git_branch,omitempty"`
	RepositoryURL       string `json:"repository_url,omitempty"`

	InputFormat    string `json:"input_format"`
	MaxTurns       int    `json:"max_turns,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`

	CreatePROnSuccess bool   `json:"create_pr_on_success"`
	PRTitle           string `json:"pr_title,omitempty"`
	PRBody            string `json:"pr_body,omitempty"`
	AutoMerge         bool   `json:"auto_merge"`

	// ClaudeSessionID is the child's own session id, captured from the init
	// event; later runs in the same session resume it.
	ClaudeSessionID string `json:"claude_session_id,omitempty"`

	Metrics       Metrics      `json:"metrics"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Final         *FinalResult `json:"final_result,omitempty"`
	Error         *RunError    `json:"error,omitempty"`
}

// TransitionTo moves the run to next, stamping lifecycle timestamps.
// Repeating an already-reached terminal status is a no-op, so racing
// finishers (cancel vs natural completion) stay idempotent.
func (r *Run) TransitionTo(next Status, at time.Time) error {
	if r.Status == next && next.IsTerminal() {
		return nil
	}
	if !r.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{From: r.Status, To: next}
	}

	r.Status = next
	r.UpdatedAt = at
	switch {
	case next == StatusRunning && r.StartedAt == nil:
		t := at
		r.StartedAt = &t
	case next.IsTerminal():
		t := at
		r.CompletedAt = &t
	}
	return nil
}
