// Package workspace allocates isolated working directories for runs. Every
// non-ephemeral workspace is a git worktree of the base repository; external
// repositories get a throwaway clone instead.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/namastexlabs/automagik/internal/git"
	"github.com/namastexlabs/automagik/internal/log"
)

// Kind selects the isolation scheme for a run.
type Kind string

const (
	// KindEphemeral is a throwaway worktree deleted after the run.
	KindEphemeral Kind = "ephemeral"
	// KindPersistentMain is a single shared worktree tracking the main branch.
	KindPersistentMain Kind = "persistent_main"
	// KindPersistentWorkflow is one reusable worktree per workflow.
	KindPersistentWorkflow Kind = "persistent_workflow"
	// KindExternalClone is a fresh clone of a foreign repository.
	KindExternalClone Kind = "external_clone"
)

// configFileName is provisioned into every workspace before the child starts.
const configFileName = "CLAUDE_CONFIG.md"

const worktreeCreateTimeout = 60 * time.Second

// Request describes what kind of workspace a run needs.
type Request struct {
	RunID        string
	WorkflowName string
	// TempWorkspace forces an ephemeral workspace.
	TempWorkspace bool
	// RepositoryURL, when set, selects an external clone.
	RepositoryURL string
	// GitBranch is the branch to check out in an external clone.
	GitBranch string
	// WorkflowPersistent requests the workflow's reusable worktree instead of
	// the shared main one.
	WorkflowPersistent bool
	// ConfigContent is written to CLAUDE_CONFIG.md inside the workspace.
	ConfigContent string
}

// Workspace is an allocated working directory leased to one run.
type Workspace struct {
	Path        string
	Branch      string
	Kind        Kind
	RunID       string
	AllocatedAt time.Time
}

// Persistent reports whether the workspace survives the run.
func (w *Workspace) Persistent() bool {
	return w.Kind == KindPersistentMain || w.Kind == KindPersistentWorkflow
}

// Options configures a Manager.
type Options struct {
	// Root is the directory under which all workspaces live.
	Root string
	// BaseRepoPath is the git repository worktrees are created from.
	BaseRepoPath string
	// AutoCommit commits pending changes in persistent workspaces on release.
	AutoCommit bool
	// AutoCommitOnKill extends auto-commit to killed runs.
	AutoCommitOnKill bool
	// CommitAuthor is the Co-Authored-By identity on auto-commits.
	CommitAuthor string
	// GitFactory produces executors; tests substitute mocks.
	GitFactory git.Factory
}

// Manager allocates and releases workspaces.
type Manager struct {
	opts   Options
	gitFor git.Factory
	leases *leaseTable
}

// NewManager validates the base repository and returns a manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.GitFactory == nil {
		opts.GitFactory = git.NewExecutor
	}
	if opts.CommitAuthor == "" {
		opts.CommitAuthor = "Automagik <automagik@namastex.ai>"
	}

	base := opts.GitFactory(opts.BaseRepoPath)
	if !base.IsGitRepo() {
		return nil, &Error{Kind: ErrKindNotARepo, Path: opts.BaseRepoPath,
			Err: errors.New("base path is not a git repository")}
	}

	return &Manager{
		opts:   opts,
		gitFor: opts.GitFactory,
		leases: newLeaseTable(),
	}, nil
}

// ResolveKind picks the isolation scheme for a request.
func ResolveKind(req Request) Kind {
	switch {
	case req.TempWorkspace:
		return KindEphemeral
	case req.RepositoryURL != "":
		return KindExternalClone
	case req.WorkflowPersistent:
		return KindPersistentWorkflow
	default:
		return KindPersistentMain
	}
}

// Acquire allocates a workspace for the request. Persistent paths are leased
// exclusively; a second run targeting a leased path gets ErrBusy.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Workspace, error) {
	kind := ResolveKind(req)
	path := m.pathFor(kind, req)

	if err := m.leases.tryAcquire(path, req.RunID); err != nil {
		log.Warn(log.CatWS, "workspace lease contention", "path", path, "run_id", req.RunID)
		return nil, err
	}

	ws, err := m.materialize(ctx, kind, path, req)
	if err != nil {
		m.leases.release(path, req.RunID)
		return nil, err
	}

	if req.ConfigContent != "" {
		cfgPath := filepath.Join(ws.Path, configFileName)
		if err := os.WriteFile(cfgPath, []byte(req.ConfigContent), 0o644); err != nil {
			m.cleanupFailed(ws)
			m.leases.release(path, req.RunID)
			return nil, wrapFSError(path, err)
		}
	}

	log.Info(log.CatWS, "workspace acquired",
		"run_id", req.RunID, "kind", kind, "path", ws.Path, "branch", ws.Branch)
	return ws, nil
}

func (m *Manager) pathFor(kind Kind, req Request) string {
	switch kind {
	case KindEphemeral:
		return filepath.Join(m.opts.Root, "ephemeral", req.RunID)
	case KindExternalClone:
		return filepath.Join(m.opts.Root, "clones", req.RunID)
	case KindPersistentWorkflow:
		return filepath.Join(m.opts.Root, "worktrees", req.WorkflowName+"_persistent")
	default:
		return filepath.Join(m.opts.Root, "worktrees", "main")
	}
}

func (m *Manager) materialize(ctx context.Context, kind Kind, path string, req Request) (*Workspace, error) {
	ctx, cancel := context.WithTimeout(ctx, worktreeCreateTimeout)
	defer cancel()

	now := time.Now().UTC()
	base := m.gitFor(m.opts.BaseRepoPath)

	switch kind {
	case KindExternalClone:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, wrapFSError(path, err)
		}
		if err := base.Clone(ctx, req.RepositoryURL, req.GitBranch, path); err != nil {
			return nil, mapGitError(path, err)
		}
		return &Workspace{Path: path, Branch: req.GitBranch, Kind: kind, RunID: req.RunID, AllocatedAt: now}, nil

	case KindEphemeral:
		branch := fmt.Sprintf("automagik/run-%s", shortID(req.RunID))
		if err := m.ensureWorktree(ctx, base, path, branch); err != nil {
			return nil, err
		}
		return &Workspace{Path: path, Branch: branch, Kind: kind, RunID: req.RunID, AllocatedAt: now}, nil

	case KindPersistentWorkflow:
		branch := "automagik/" + req.WorkflowName
		if err := m.ensureWorktree(ctx, base, path, branch); err != nil {
			return nil, err
		}
		return &Workspace{Path: path, Branch: branch, Kind: kind, RunID: req.RunID, AllocatedAt: now}, nil

	default:
		// The base repo usually has the main branch checked out already, so
		// the shared worktree lives on its own branch cut from main.
		mainBranch, err := base.GetMainBranch()
		if err != nil {
			return nil, mapGitError(path, err)
		}
		branch := "automagik/main"
		if err := m.ensureWorktreeFrom(ctx, base, path, branch, mainBranch); err != nil {
			return nil, err
		}
		return &Workspace{Path: path, Branch: branch, Kind: kind, RunID: req.RunID, AllocatedAt: now}, nil
	}
}

func (m *Manager) ensureWorktree(ctx context.Context, base git.Executor, path, branch string) error {
	return m.ensureWorktreeFrom(ctx, base, path, branch, "")
}

func (m *Manager) ensureWorktreeFrom(ctx context.Context, base git.Executor, path, branch, baseBranch string) error {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		// Reuse an existing worktree if the workspace executor agrees it is
		// a live checkout; otherwise it is debris from a crashed run.
		if m.gitFor(path).IsGitRepo() {
			return nil
		}
		if err := os.RemoveAll(path); err != nil {
			return wrapFSError(path, err)
		}
		if err := base.PruneWorktrees(); err != nil {
			log.Warn(log.CatWS, "worktree prune failed", "error", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return wrapFSError(path, err)
	}
	if err := base.CreateWorktree(ctx, path, branch, baseBranch); err != nil {
		return mapGitError(path, err)
	}
	return nil
}

// ReleaseOptions control what happens to the workspace on release.
type ReleaseOptions struct {
	// Killed marks the run as killed rather than finished naturally.
	Killed bool
	// CommitMessage overrides the default auto-commit message.
	CommitMessage string
}

// Release returns the workspace. Persistent worktrees stay on disk, with an
// optional auto-commit of pending changes; ephemeral and cloned workspaces
// are scheduled for background deletion. Release never fails the run: errors
// are logged and swallowed because the run is already terminal.
func (m *Manager) Release(ws *Workspace, opts ReleaseOptions) {
	defer m.leases.release(ws.Path, ws.RunID)

	if ws.Persistent() {
		if m.shouldAutoCommit(opts) {
			m.autoCommit(ws, opts.CommitMessage)
		}
		log.Info(log.CatWS, "workspace released", "run_id", ws.RunID, "path", ws.Path, "kind", ws.Kind)
		return
	}

	// Directory teardown can be slow on large trees; do not hold up the
	// completion handler for it.
	go m.destroy(ws)
}

func (m *Manager) shouldAutoCommit(opts ReleaseOptions) bool {
	if !m.opts.AutoCommit {
		return false
	}
	if opts.Killed && !m.opts.AutoCommitOnKill {
		return false
	}
	return true
}

func (m *Manager) autoCommit(ws *Workspace, message string) {
	exec := m.gitFor(ws.Path)
	dirty, err := exec.HasUncommittedChanges()
	if err != nil {
		log.ErrorErr(log.CatWS, "auto-commit status check failed", err, "path", ws.Path)
		return
	}
	if !dirty {
		return
	}

	if message == "" {
		message = fmt.Sprintf("chore: checkpoint run %s", shortID(ws.RunID))
	}
	message += "\n\nCo-Authored-By: " + m.opts.CommitAuthor
	if err := exec.CommitAll(message); err != nil {
		log.ErrorErr(log.CatWS, "auto-commit failed", err, "path", ws.Path)
		return
	}
	log.Info(log.CatWS, "auto-commit created", "run_id", ws.RunID, "path", ws.Path)
}

func (m *Manager) cleanupFailed(ws *Workspace) {
	if ws.Persistent() {
		return
	}
	m.destroy(ws)
}

func (m *Manager) destroy(ws *Workspace) {
	if ws.Kind == KindEphemeral {
		base := m.gitFor(m.opts.BaseRepoPath)
		if err := base.RemoveWorktree(ws.Path); err != nil {
			log.Warn(log.CatWS, "worktree removal failed", "path", ws.Path, "error", err)
		}
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		log.ErrorErr(log.CatWS, "workspace deletion failed", err, "path", ws.Path)
		return
	}
	log.Info(log.CatWS, "workspace deleted", "run_id", ws.RunID, "path", ws.Path)
}

// Prune cleans up stale worktree registrations and leftover ephemeral
// directories. Called once at startup, before any run is accepted.
func (m *Manager) Prune() {
	base := m.gitFor(m.opts.BaseRepoPath)
	if err := base.PruneWorktrees(); err != nil {
		log.Warn(log.CatWS, "startup worktree prune failed", "error", err)
	}

	for _, sub := range []string{"ephemeral", "clones"} {
		dir := filepath.Join(m.opts.Root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if err := base.RemoveWorktree(path); err == nil {
				log.Info(log.CatWS, "pruned stale worktree", "path", path)
			}
			if err := os.RemoveAll(path); err != nil {
				log.Warn(log.CatWS, "stale workspace removal failed", "path", path, "error", err)
			}
		}
	}
}

// Holder reports which run currently leases path.
func (m *Manager) Holder(path string) (string, bool) {
	return m.leases.holder(path)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func mapGitError(path string, err error) error {
	switch {
	case errors.Is(err, git.ErrNoDiskSpace):
		return &Error{Kind: ErrKindDiskFull, Path: path, Err: err}
	case errors.Is(err, git.ErrCloneFailed):
		return &Error{Kind: ErrKindCloneFailed, Path: path, Err: err}
	case errors.Is(err, git.ErrBranchAlreadyCheckedOut), errors.Is(err, git.ErrInvalidBranchName):
		return &Error{Kind: ErrKindBranchCheckoutFailed, Path: path, Err: err}
	case errors.Is(err, git.ErrPathAlreadyExists), errors.Is(err, git.ErrWorktreeLocked):
		return &Error{Kind: ErrKindWorktreeConflict, Path: path, Err: err}
	case errors.Is(err, git.ErrNotGitRepo):
		return &Error{Kind: ErrKindNotARepo, Path: path, Err: err}
	default:
		return &Error{Kind: ErrKindBranchCheckoutFailed, Path: path, Err: err}
	}
}

func wrapFSError(path string, err error) error {
	kind := ErrKindWorktreeConflict
	if errors.Is(err, syscall.ENOSPC) {
		kind = ErrKindDiskFull
	}
	return &Error{Kind: kind, Path: path, Err: err}
}
