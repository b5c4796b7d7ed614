package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/namastexlabs/automagik/internal/registry"
)

// runRow mirrors the runs table. Timestamps are stored as Unix seconds and
// structured fields as JSON text so the schema stays flat.
type runRow struct {
	ID                  string
	WorkflowName        string
	SessionID           string
	SessionName         string
	UserID              string
	Status              string
	CreatedAt           int64
	StartedAt           sql.NullInt64
	CompletedAt         sql.NullInt64
	UpdatedAt           int64
	WorkspacePath       string
	WorkspacePersistent bool
	GitBranch           string
	RepositoryURL       string
	InputFormat         string
	MaxTurns            int
	TimeoutSeconds      int
	CreatePROnSuccess   bool
	PRTitle             string
	PRBody              string
	AutoMerge           bool
	ClaudeSessionID     string
	Turns               int
	InputTokens         int64
	OutputTokens        int64
	CacheCreatedTokens  int64
	CacheReadTokens     int64
	CostUSD             float64
	ToolsUsed           string
	LastHeartbeat       int64
	FinalResult         sql.NullString
	Error               sql.NullString
}

func rowFromRun(run *registry.Run) (*runRow, error) {
	tools, err := json.Marshal(run.Metrics.ToolsUsed)
	if err != nil {
		return nil, fmt.Errorf("encode tools_used: %w", err)
	}

	row := &runRow{
		ID:                  string(run.ID),
		WorkflowName:        run.WorkflowName,
		SessionID:           run.SessionID,
		SessionName:         run.SessionName,
		UserID:              run.UserID,
		Status:              string(run.Status),
		CreatedAt:           run.CreatedAt.Unix(),
		UpdatedAt:           run.UpdatedAt.Unix(),
		WorkspacePath:       run.WorkspacePath,
		WorkspacePersistent: run.WorkspacePersistent,
		GitBranch:           run.GitBranch,
		RepositoryURL:       run.RepositoryURL,
		InputFormat:         run.InputFormat,
		MaxTurns:            run.MaxTurns,
		TimeoutSeconds:      run.TimeoutSeconds,
		CreatePROnSuccess:   run.CreatePROnSuccess,
		PRTitle:             run.PRTitle,
		PRBody:              run.PRBody,
		AutoMerge:           run.AutoMerge,
		ClaudeSessionID:     run.ClaudeSessionID,
		Turns:               run.Metrics.Turns,
		InputTokens:         run.Metrics.InputTokens,
		OutputTokens:        run.Metrics.OutputTokens,
		CacheCreatedTokens:  run.Metrics.CacheCreatedTokens,
		CacheReadTokens:     run.Metrics.CacheReadTokens,
		CostUSD:             run.Metrics.CostUSD,
		ToolsUsed:           string(tools),
		LastHeartbeat:       run.LastHeartbeat.Unix(),
	}
	if run.StartedAt != nil {
		row.StartedAt = sql.NullInt64{Int64: run.StartedAt.Unix(), Valid: true}
	}
	if run.CompletedAt != nil {
		row.CompletedAt = sql.NullInt64{Int64: run.CompletedAt.Unix(), Valid: true}
	}
	if run.Final != nil {
		data, err := json.Marshal(run.Final)
		if err != nil {
			return nil, fmt.Errorf("encode final_result: %w", err)
		}
		row.FinalResult = sql.NullString{String: string(data), Valid: true}
	}
	if run.Error != nil {
		data, err := json.Marshal(run.Error)
		if err != nil {
			return nil, fmt.Errorf("encode error: %w", err)
		}
		row.Error = sql.NullString{String: string(data), Valid: true}
	}
	return row, nil
}

func (row *runRow) toRun() (*registry.Run, error) {
	run := &registry.Run{
		ID:                  registry.RunID(row.ID),
		WorkflowName:        row.WorkflowName,
		SessionID:           row.SessionID,
		SessionName:         row.SessionName,
		UserID:              row.UserID,
		Status:              registry.Status(row.Status),
		CreatedAt:           time.Unix(row.CreatedAt, 0).UTC(),
		UpdatedAt:           time.Unix(row.UpdatedAt, 0).UTC(),
		WorkspacePath:       row.WorkspacePath,
		WorkspacePersistent: row.WorkspacePersistent,
		GitBranch:           row.GitBranch,
		RepositoryURL:       row.RepositoryURL,
		InputFormat:         row.InputFormat,
		MaxTurns:            row.MaxTurns,
		TimeoutSeconds:      row.TimeoutSeconds,
		CreatePROnSuccess:   row.CreatePROnSuccess,
		PRTitle:             row.PRTitle,
		PRBody:              row.PRBody,
		AutoMerge:           row.AutoMerge,
		ClaudeSessionID:     row.ClaudeSessionID,
		Metrics: registry.Metrics{
			Turns:              row.Turns,
			InputTokens:        row.InputTokens,
			OutputTokens:       row.OutputTokens,
			CacheCreatedTokens: row.CacheCreatedTokens,
			CacheReadTokens:    row.CacheReadTokens,
			CostUSD:            row.CostUSD,
		},
		LastHeartbeat: time.Unix(row.LastHeartbeat, 0).UTC(),
	}
	if row.StartedAt.Valid {
		t := time.Unix(row.StartedAt.Int64, 0).UTC()
		run.StartedAt = &t
	}
	if row.CompletedAt.Valid {
		t := time.Unix(row.CompletedAt.Int64, 0).UTC()
		run.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(row.ToolsUsed), &run.Metrics.ToolsUsed); err != nil {
		return nil, fmt.Errorf("decode tools_used for %s: %w", row.ID, err)
	}
	if row.FinalResult.Valid {
		var final registry.FinalResult
		if err := json.Unmarshal([]byte(row.FinalResult.String), &final); err != nil {
			return nil, fmt.Errorf("decode final_result for %s: %w", row.ID, err)
		}
		run.Final = &final
	}
	if row.Error.Valid {
		var runErr registry.RunError
		if err := json.Unmarshal([]byte(row.Error.String), &runErr); err != nil {
			return nil, fmt.Errorf("decode error for %s: %w", row.ID, err)
		}
		run.Error = &runErr
	}
	return run, nil
}
