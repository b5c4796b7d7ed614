package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/namastexlabs/automagik/internal/config"
	"github.com/namastexlabs/automagik/internal/git"
	"github.com/namastexlabs/automagik/internal/orchestrator"
	"github.com/namastexlabs/automagik/internal/registry"
	"github.com/namastexlabs/automagik/internal/workflow"
	"github.com/namastexlabs/automagik/internal/workspace"
)

const successScript = `printf '%s\n' '{"type":"system","subtype":"init","session_id":"claude-s1","model":"m"}' '{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}' '{"type":"result","is_error":false,"num_turns":1,"total_cost_usd":0.01,"usage":{"input_tokens":100,"output_tokens":20}}'`

const sleepScript = `sleep 30`

type stubGit struct{ dir string }

func (g stubGit) IsGitRepo() bool {
	_, err := os.Stat(filepath.Join(g.dir, ".git"))
	return err == nil
}
func (g stubGit) GetRepoRoot() (string, error)               { return g.dir, nil }
func (g stubGit) GetCurrentBranch() (string, error)          { return "main", nil }
func (g stubGit) GetMainBranch() (string, error)             { return "main", nil }
func (g stubGit) BranchExists(string) bool                   { return false }
func (g stubGit) ValidateBranchName(string) error            { return nil }
func (g stubGit) RemoveWorktree(string) error                { return nil }
func (g stubGit) PruneWorktrees() error                      { return nil }
func (g stubGit) ListWorktrees() ([]git.WorktreeInfo, error) { return nil, nil }
func (g stubGit) HasUncommittedChanges() (bool, error)       { return false, nil }
func (g stubGit) CommitAll(string) error                     { return nil }
func (g stubGit) GetRemoteURL(string) (string, error)        { return "", nil }

func (g stubGit) CreateWorktree(_ context.Context, path, _, _ string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, ".git"), []byte("gitdir: stub"), 0o644)
}

func (g stubGit) Clone(_ context.Context, _, _, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, ".git"), []byte("gitdir: stub"), 0o644)
}

type apiHarness struct {
	server *httptest.Server
	reg    *registry.Registry
}

func newAPIHarness(t *testing.T, script string) *apiHarness {
	t.Helper()

	root := t.TempDir()
	repoDir := filepath.Join(root, "repo")
	require.NoError(t, os.MkdirAll(repoDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, ".git"), []byte("gitdir: stub"), 0o644))

	cfg := config.Defaults()
	cfg.WorkspaceRoot = filepath.Join(root, "workspaces")
	cfg.BaseRepoPath = repoDir
	cfg.InactivityTimeoutSec = 0

	wm, err := workspace.NewManager(workspace.Options{
		Root:         cfg.WorkspaceRoot,
		BaseRepoPath: repoDir,
		GitFactory:   func(dir string) git.Executor { return stubGit{dir: dir} },
	})
	require.NoError(t, err)

	workflows, err := workflow.NewRegistry("")
	require.NoError(t, err)

	reg := registry.NewRegistry(registry.NewInMemoryRepository())

	orch := orchestrator.New(orchestrator.Options{
		Config:     cfg,
		Registry:   reg,
		Workflows:  workflows,
		Workspaces: wm,
		CommandFactory: func(name string, args ...string) *exec.Cmd {
			return exec.Command("sh", "-c", script)
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	server := httptest.NewServer(NewHandler(orch).Routes())
	t.Cleanup(server.Close)

	return &apiHarness{server: server, reg: reg}
}

func (h *apiHarness) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (h *apiHarness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (h *apiHarness) startRun(t *testing.T, body map[string]any) orchestrator.StartRunResponse {
	t.Helper()
	resp := h.post(t, "/runs", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decode[orchestrator.StartRunResponse](t, resp)
}

func (h *apiHarness) waitTerminal(t *testing.T, id registry.RunID) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := h.reg.Get(context.Background(), id)
		return err == nil && run.Status.IsTerminal()
	}, 15*time.Second, 20*time.Millisecond)
}

func TestStartRunEndpoint(t *testing.T) {
	h := newAPIHarness(t, successScript)

	started := h.startRun(t, map[string]any{
		"workflow_name": "builder",
		"message":       "write hello.py",
	})
	require.NotEmpty(t, started.RunID)
	require.NotEmpty(t, started.SessionID)
	require.Equal(t, registry.StatusRunning, started.Status)

	h.waitTerminal(t, started.RunID)

	status := h.get(t, "/runs/"+string(started.RunID)+"/status")
	require.Equal(t, http.StatusOK, status.StatusCode)
	report := decode[orchestrator.Report](t, status)
	require.Equal(t, registry.StatusCompleted, report.Status)
	require.Equal(t, 100, report.CompletionPercentage)
	require.NotNil(t, report.Final)
	require.True(t, report.Final.Success)
}

func TestStartRunEndpoint_Validation(t *testing.T) {
	h := newAPIHarness(t, successScript)

	resp := h.post(t, "/runs", map[string]any{"workflow_name": "builder"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	require.Equal(t, "validation_error", body.Code)
}

func TestStartRunEndpoint_UnknownWorkflow(t *testing.T) {
	h := newAPIHarness(t, successScript)

	resp := h.post(t, "/runs", map[string]any{"workflow_name": "nope", "message": "m"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	require.Equal(t, "not_found", body.Code)
}

func TestStartRunEndpoint_InvalidJSON(t *testing.T) {
	h := newAPIHarness(t, successScript)

	resp, err := http.Post(h.server.URL+"/runs", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	require.Equal(t, "invalid_json", body.Code)
}

func TestStartRunEndpoint_WorkspaceBusy(t *testing.T) {
	h := newAPIHarness(t, sleepScript)

	started := h.startRun(t, map[string]any{"workflow_name": "builder", "message": "m"})

	resp := h.post(t, "/runs", map[string]any{"workflow_name": "builder", "message": "m2"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	require.Equal(t, "workspace_busy", body.Code)

	cancel := h.post(t, "/runs/"+string(started.RunID)+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, cancel.StatusCode)
	cancel.Body.Close()
	h.waitTerminal(t, started.RunID)
}

func TestCancelEndpoint(t *testing.T) {
	h := newAPIHarness(t, sleepScript)

	started := h.startRun(t, map[string]any{"workflow_name": "builder", "message": "m"})

	// Termination only begins on cancel, so the acknowledgement is a 202.
	resp := h.post(t, "/runs/"+string(started.RunID)+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	result := decode[orchestrator.KillResult](t, resp)
	require.True(t, result.Acknowledged)
	h.waitTerminal(t, started.RunID)

	// Terminal runs reject a second cancel.
	again := h.post(t, "/runs/"+string(started.RunID)+"/cancel", nil)
	require.Equal(t, http.StatusConflict, again.StatusCode)
	body := decode[ErrorResponse](t, again)
	require.Equal(t, "invalid_state", body.Code)
}

func TestStartRunEndpoint_QueryFlags(t *testing.T) {
	h := newAPIHarness(t, successScript)

	started := h.startRun(t, map[string]any{"workflow_name": "builder", "message": "m"})
	h.waitTerminal(t, started.RunID)

	run, err := h.reg.Get(context.Background(), started.RunID)
	require.NoError(t, err)
	require.True(t, run.WorkspacePersistent)
	require.False(t, run.AutoMerge)

	// persistent=false asks for a throwaway workspace; auto_merge carries
	// through to the stored run.
	resp := h.post(t, "/runs?persistent=false&auto_merge=true",
		map[string]any{"workflow_name": "builder", "message": "m"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ephemeral := decode[orchestrator.StartRunResponse](t, resp)
	h.waitTerminal(t, ephemeral.RunID)

	run, err = h.reg.Get(context.Background(), ephemeral.RunID)
	require.NoError(t, err)
	require.False(t, run.WorkspacePersistent)
	require.True(t, run.AutoMerge)
}

func TestCancelEndpoint_UnknownRun(t *testing.T) {
	h := newAPIHarness(t, successScript)

	resp := h.post(t, "/runs/missing/cancel", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestInjectMessageEndpoint(t *testing.T) {
	h := newAPIHarness(t, `cat`)

	started := h.startRun(t, map[string]any{
		"workflow_name": "builder",
		"message":       "start",
		"input_format":  "stream-json",
	})

	resp := h.post(t, "/runs/"+string(started.RunID)+"/messages", InjectMessageRequest{Message: "more"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	receipt := decode[orchestrator.MessageReceipt](t, resp)
	require.NotEmpty(t, receipt.MessageID)
	require.False(t, receipt.InjectedAt.IsZero())

	cancel := h.post(t, "/runs/"+string(started.RunID)+"/cancel", nil)
	cancel.Body.Close()
	h.waitTerminal(t, started.RunID)
}

func TestInjectMessageEndpoint_WrongFormat(t *testing.T) {
	h := newAPIHarness(t, sleepScript)

	started := h.startRun(t, map[string]any{"workflow_name": "builder", "message": "m"})

	resp := h.post(t, "/runs/"+string(started.RunID)+"/messages", InjectMessageRequest{Message: "more"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	require.Equal(t, "invalid_input_format", body.Code)

	cancel := h.post(t, "/runs/"+string(started.RunID)+"/cancel", nil)
	cancel.Body.Close()
	h.waitTerminal(t, started.RunID)
}

func TestStatusEndpoint_Detailed(t *testing.T) {
	h := newAPIHarness(t, successScript)

	started := h.startRun(t, map[string]any{"workflow_name": "builder", "message": "m"})
	h.waitTerminal(t, started.RunID)

	resp := h.get(t, "/runs/"+string(started.RunID)+"/status?detailed=true")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[orchestrator.Report](t, resp)
	require.NotNil(t, report.Detail)
}

func TestStatusEndpoint_UnknownRun(t *testing.T) {
	h := newAPIHarness(t, successScript)

	resp := h.get(t, "/runs/missing/status")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListRunsEndpoint(t *testing.T) {
	h := newAPIHarness(t, successScript)

	started := h.startRun(t, map[string]any{"workflow_name": "builder", "message": "m"})
	h.waitTerminal(t, started.RunID)

	resp := h.get(t, "/runs?status=completed&workflow_name=builder")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[ListRunsResponse](t, resp)
	require.Equal(t, 1, list.Total)
	require.Equal(t, started.RunID, list.Runs[0].ID)

	empty := h.get(t, "/runs?status=killed")
	require.Equal(t, http.StatusOK, empty.StatusCode)
	none := decode[ListRunsResponse](t, empty)
	require.Zero(t, none.Total)
	require.NotNil(t, none.Runs)
}

func TestListRunsEndpoint_BadQuery(t *testing.T) {
	h := newAPIHarness(t, successScript)

	for _, path := range []string{
		"/runs?status=bogus",
		"/runs?limit=-1",
		"/runs?offset=abc",
		"/runs?since=yesterday",
	} {
		resp := h.get(t, path)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t, successScript)

	resp := h.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[HealthResponse](t, resp)
	require.Equal(t, "ok", health.Status)
	require.Zero(t, health.ActiveRuns)
}

func TestServer_BindAndShutdown(t *testing.T) {
	srv, err := NewServer(NewHandler(nil), "127.0.0.1:0")
	require.NoError(t, err)
	require.NotEmpty(t, srv.Addr())

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-done)
}
