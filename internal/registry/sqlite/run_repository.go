package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/namastexlabs/automagik/internal/registry"
)

// runColumns lists the table columns in insert/scan order.
const runColumns = `id, workflow_name, session_id, session_name, user_id, status,
	created_at, started_at, completed_at, updated_at,
	workspace_path, workspace_persistent, git_branch, repository_url,
	input_format, max_turns, timeout_seconds,
	create_pr_on_success, pr_title, pr_body, auto_merge, claude_session_id,
	turns, input_tokens, output_tokens, cache_created_tokens, cache_read_tokens,
	cost_usd, tools_used, last_heartbeat, final_result, error`

// RunRepository implements registry.Repository on SQLite.
type RunRepository struct {
	db *sql.DB
}

var _ registry.Repository = (*RunRepository)(nil)

// NewRunRepository wraps an open database.
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a run.
func (r *RunRepository) Create(ctx context.Context, run *registry.Run) error {
	row, err := rowFromRun(run)
	if err != nil {
		return err
	}

	query := `INSERT INTO runs (` + runColumns + `) VALUES (` +
		strings.TrimSuffix(strings.Repeat("?, ", 32), ", ") + `)`
	_, err = r.db.ExecContext(ctx, query, rowArgs(row)...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return registry.ErrDuplicateID
		}
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// Update replaces the stored run.
func (r *RunRepository) Update(ctx context.Context, run *registry.Run) error {
	row, err := rowFromRun(run)
	if err != nil {
		return err
	}

	query := `UPDATE runs SET
		workflow_name = ?, session_id = ?, session_name = ?, user_id = ?, status = ?,
		created_at = ?, started_at = ?, completed_at = ?, updated_at = ?,
		workspace_path = ?, workspace_persistent = ?, git_branch = ?, repository_url = ?,
		input_format = ?, max_turns = ?, timeout_seconds = ?,
		create_pr_on_success = ?, pr_title = ?, pr_body = ?, auto_merge = ?, claude_session_id = ?,
		turns = ?, input_tokens = ?, output_tokens = ?, cache_created_tokens = ?, cache_read_tokens = ?,
		cost_usd = ?, tools_used = ?, last_heartbeat = ?, final_result = ?, error = ?
		WHERE id = ?`

	args := append(rowArgs(row)[1:], row.ID)
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// Get returns the run by id.
func (r *RunRepository) Get(ctx context.Context, id registry.RunID) (*registry.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, string(id))

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	return run, err
}

// List returns runs matching filter, newest first.
func (r *RunRepository) List(ctx context.Context, filter registry.Filter) ([]*registry.Run, error) {
	var conds []string
	var args []any

	if len(filter.Statuses) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(filter.Statuses)), ", ")
		conds = append(conds, "status IN ("+marks+")")
		for _, s := range filter.Statuses {
			args = append(args, string(s))
		}
	}
	if filter.WorkflowName != "" {
		conds = append(conds, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.SessionName != "" {
		conds = append(conds, "session_name = ?")
		args = append(args, filter.SessionName)
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.Unix())
	}
	if filter.Until != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, filter.Until.Unix())
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}

	return r.queryRuns(ctx, query, args...)
}

// FindStuck returns running runs whose heartbeat predates cutoff.
func (r *RunRepository) FindStuck(ctx context.Context, cutoff time.Time) ([]*registry.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE status = ? AND last_heartbeat < ?`
	return r.queryRuns(ctx, query, string(registry.StatusRunning), cutoff.Unix())
}

func (r *RunRepository) queryRuns(ctx context.Context, query string, args ...any) ([]*registry.Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*registry.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func rowArgs(row *runRow) []any {
	return []any{
		row.ID, row.WorkflowName, row.SessionID, row.SessionName, row.UserID, row.Status,
		row.CreatedAt, row.StartedAt, row.CompletedAt, row.UpdatedAt,
		row.WorkspacePath, row.WorkspacePersistent, row.GitBranch, row.RepositoryURL,
		row.InputFormat, row.MaxTurns, row.TimeoutSeconds,
		row.CreatePROnSuccess, row.PRTitle, row.PRBody, row.AutoMerge, row.ClaudeSessionID,
		row.Turns, row.InputTokens, row.OutputTokens, row.CacheCreatedTokens, row.CacheReadTokens,
		row.CostUSD, row.ToolsUsed, row.LastHeartbeat, row.FinalResult, row.Error,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*registry.Run, error) {
	var row runRow
	err := s.Scan(
		&row.ID, &row.WorkflowName, &row.SessionID, &row.SessionName, &row.UserID, &row.Status,
		&row.CreatedAt, &row.StartedAt, &row.CompletedAt, &row.UpdatedAt,
		&row.WorkspacePath, &row.WorkspacePersistent, &row.GitBranch, &row.RepositoryURL,
		&row.InputFormat, &row.MaxTurns, &row.TimeoutSeconds,
		&row.CreatePROnSuccess, &row.PRTitle, &row.PRBody, &row.AutoMerge, &row.ClaudeSessionID,
		&row.Turns, &row.InputTokens, &row.OutputTokens, &row.CacheCreatedTokens, &row.CacheReadTokens,
		&row.CostUSD, &row.ToolsUsed, &row.LastHeartbeat, &row.FinalResult, &row.Error,
	)
	if err != nil {
		return nil, err
	}
	return row.toRun()
}
