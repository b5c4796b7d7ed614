package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/namastexlabs/automagik/internal/git"
)

// fakeGit is a scriptable git.Executor. CreateWorktree and Clone create the
// target directory with a .git marker so reuse detection behaves like the
// real thing.
type fakeGit struct {
	mu  sync.Mutex
	dir string

	isRepo     bool
	mainBranch string
	dirty      bool

	createErr error
	cloneErr  error
	commitErr error

	createdWorktrees []string
	removedWorktrees []string
	clones           []string
	commits          []string
	pruned           int
}

// fakeGitFactory shares one state across all directories so assertions see
// every call regardless of which executor made it.
type fakeGitFactory struct {
	mu    sync.Mutex
	state map[string]*fakeGit
	base  *fakeGit
}

func newFakeFactory(base *fakeGit) *fakeGitFactory {
	return &fakeGitFactory{state: make(map[string]*fakeGit), base: base}
}

func (f *fakeGitFactory) factory(dir string) git.Executor {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dir == f.base.dir {
		return f.base
	}
	g, ok := f.state[dir]
	if !ok {
		g = &fakeGit{dir: dir, isRepo: hasGitMarker(dir), dirty: f.base.dirty}
		f.state[dir] = g
	}
	// Re-check on every lookup; the directory may have been created since.
	g.isRepo = hasGitMarker(dir)
	return g
}

func hasGitMarker(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

func (g *fakeGit) IsGitRepo() bool                        { return g.isRepo }
func (g *fakeGit) GetRepoRoot() (string, error)           { return g.dir, nil }
func (g *fakeGit) GetCurrentBranch() (string, error)      { return g.mainBranch, nil }
func (g *fakeGit) GetMainBranch() (string, error)         { return g.mainBranch, nil }
func (g *fakeGit) BranchExists(string) bool               { return false }
func (g *fakeGit) ValidateBranchName(string) error        { return nil }
func (g *fakeGit) PruneWorktrees() error                  { g.mu.Lock(); defer g.mu.Unlock(); g.pruned++; return nil }
func (g *fakeGit) HasUncommittedChanges() (bool, error)   { return g.dirty, nil }
func (g *fakeGit) GetRemoteURL(string) (string, error)    { return "", nil }
func (g *fakeGit) ListWorktrees() ([]git.WorktreeInfo, error) { return nil, nil }

func (g *fakeGit) CreateWorktree(_ context.Context, path, newBranch, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return g.createErr
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(path, ".git"), []byte("gitdir: fake"), 0o644); err != nil {
		return err
	}
	g.createdWorktrees = append(g.createdWorktrees, path+"@"+newBranch)
	return nil
}

func (g *fakeGit) RemoveWorktree(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removedWorktrees = append(g.removedWorktrees, path)
	return nil
}

func (g *fakeGit) Clone(_ context.Context, url, branch, dest string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cloneErr != nil {
		return g.cloneErr
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	g.clones = append(g.clones, url+"@"+branch)
	return nil
}

func (g *fakeGit) CommitAll(message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.commitErr != nil {
		return g.commitErr
	}
	g.commits = append(g.commits, message)
	return nil
}

func newTestManager(t *testing.T, base *fakeGit) (*Manager, *fakeGitFactory, string) {
	t.Helper()
	root := t.TempDir()
	base.dir = filepath.Join(root, "repo")
	base.isRepo = true
	if base.mainBranch == "" {
		base.mainBranch = "main"
	}
	factory := newFakeFactory(base)

	m, err := NewManager(Options{
		Root:         filepath.Join(root, "workspaces"),
		BaseRepoPath: base.dir,
		AutoCommit:   true,
		GitFactory:   factory.factory,
	})
	require.NoError(t, err)
	return m, factory, root
}

func TestResolveKind(t *testing.T) {
	require.Equal(t, KindEphemeral, ResolveKind(Request{TempWorkspace: true}))
	require.Equal(t, KindExternalClone, ResolveKind(Request{RepositoryURL: "https://example.com/r.git"}))
	require.Equal(t, KindPersistentWorkflow, ResolveKind(Request{WorkflowPersistent: true, WorkflowName: "builder"}))
	require.Equal(t, KindPersistentMain, ResolveKind(Request{}))
}

func TestNewManager_NotARepo(t *testing.T) {
	base := &fakeGit{}
	root := t.TempDir()
	base.dir = filepath.Join(root, "repo")
	factory := newFakeFactory(base)

	_, err := NewManager(Options{Root: root, BaseRepoPath: base.dir, GitFactory: factory.factory})
	var wsErr *Error
	require.ErrorAs(t, err, &wsErr)
	require.Equal(t, ErrKindNotARepo, wsErr.Kind)
}

func TestAcquire_PersistentWorkflow(t *testing.T) {
	base := &fakeGit{}
	m, _, _ := newTestManager(t, base)

	ws, err := m.Acquire(context.Background(), Request{
		RunID:              "run-1",
		WorkflowName:       "builder",
		WorkflowPersistent: true,
		ConfigContent:      "# builder\nworkflow instructions",
	})
	require.NoError(t, err)
	require.Equal(t, KindPersistentWorkflow, ws.Kind)
	require.Equal(t, "automagik/builder", ws.Branch)
	require.True(t, ws.Persistent())
	require.Contains(t, ws.Path, "builder_persistent")

	data, err := os.ReadFile(filepath.Join(ws.Path, configFileName))
	require.NoError(t, err)
	require.Contains(t, string(data), "workflow instructions")
}

func TestAcquire_PersistentMainBranchesOffMain(t *testing.T) {
	base := &fakeGit{mainBranch: "trunk"}
	m, _, _ := newTestManager(t, base)

	ws, err := m.Acquire(context.Background(), Request{RunID: "run-1"})
	require.NoError(t, err)
	require.Equal(t, KindPersistentMain, ws.Kind)
	require.Equal(t, "automagik/main", ws.Branch)
	require.Contains(t, base.createdWorktrees[0], "automagik/main")
}

func TestAcquire_LeaseContention(t *testing.T) {
	base := &fakeGit{}
	m, _, _ := newTestManager(t, base)

	first, err := m.Acquire(context.Background(), Request{
		RunID: "run-1", WorkflowName: "builder", WorkflowPersistent: true,
	})
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), Request{
		RunID: "run-2", WorkflowName: "builder", WorkflowPersistent: true,
	})
	require.ErrorIs(t, err, ErrBusy)

	holder, held := m.Holder(first.Path)
	require.True(t, held)
	require.Equal(t, "run-1", holder)

	// A different workflow is unaffected.
	_, err = m.Acquire(context.Background(), Request{
		RunID: "run-2", WorkflowName: "guardian", WorkflowPersistent: true,
	})
	require.NoError(t, err)
}

func TestAcquire_ReleaseFreesLease(t *testing.T) {
	base := &fakeGit{}
	m, _, _ := newTestManager(t, base)

	req := Request{RunID: "run-1", WorkflowName: "builder", WorkflowPersistent: true}
	ws, err := m.Acquire(context.Background(), req)
	require.NoError(t, err)

	m.Release(ws, ReleaseOptions{})

	req.RunID = "run-2"
	_, err = m.Acquire(context.Background(), req)
	require.NoError(t, err)
}

func TestAcquire_EphemeralBranchName(t *testing.T) {
	base := &fakeGit{}
	m, _, _ := newTestManager(t, base)

	ws, err := m.Acquire(context.Background(), Request{
		RunID: "0123456789abcdef", TempWorkspace: true,
	})
	require.NoError(t, err)
	require.Equal(t, KindEphemeral, ws.Kind)
	require.Equal(t, "automagik/run-01234567", ws.Branch)
	require.False(t, ws.Persistent())
}

func TestAcquire_ExternalClone(t *testing.T) {
	base := &fakeGit{}
	m, _, _ := newTestManager(t, base)

	ws, err := m.Acquire(context.Background(), Request{
		RunID:         "run-1",
		RepositoryURL: "https://example.com/repo.git",
		GitBranch:     "feature/x",
	})
	require.NoError(t, err)
	require.Equal(t, KindExternalClone, ws.Kind)
	require.Equal(t, []string{"https://example.com/repo.git@feature/x"}, base.clones)
}

func TestAcquire_CloneFailure(t *testing.T) {
	base := &fakeGit{cloneErr: git.ErrCloneFailed}
	m, _, _ := newTestManager(t, base)

	_, err := m.Acquire(context.Background(), Request{
		RunID:         "run-1",
		RepositoryURL: "https://example.com/repo.git",
	})
	var wsErr *Error
	require.ErrorAs(t, err, &wsErr)
	require.Equal(t, ErrKindCloneFailed, wsErr.Kind)

	// The failed acquisition must not leave the path leased.
	_, held := m.Holder(m.pathFor(KindExternalClone, Request{RunID: "run-1"}))
	require.False(t, held)
}

func TestAcquire_WorktreeConflict(t *testing.T) {
	base := &fakeGit{createErr: git.ErrPathAlreadyExists}
	m, _, _ := newTestManager(t, base)

	_, err := m.Acquire(context.Background(), Request{RunID: "run-1", TempWorkspace: true})
	var wsErr *Error
	require.ErrorAs(t, err, &wsErr)
	require.Equal(t, ErrKindWorktreeConflict, wsErr.Kind)
}

func TestAcquire_DiskFull(t *testing.T) {
	base := &fakeGit{createErr: git.ErrNoDiskSpace}
	m, _, _ := newTestManager(t, base)

	_, err := m.Acquire(context.Background(), Request{RunID: "run-1", TempWorkspace: true})
	var wsErr *Error
	require.ErrorAs(t, err, &wsErr)
	require.Equal(t, ErrKindDiskFull, wsErr.Kind)
}

func TestAcquire_ReusesExistingWorktree(t *testing.T) {
	base := &fakeGit{}
	m, _, _ := newTestManager(t, base)

	req := Request{RunID: "run-1", WorkflowName: "builder", WorkflowPersistent: true}
	ws, err := m.Acquire(context.Background(), req)
	require.NoError(t, err)
	m.Release(ws, ReleaseOptions{})
	require.Len(t, base.createdWorktrees, 1)

	req.RunID = "run-2"
	ws2, err := m.Acquire(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, ws.Path, ws2.Path)
	// Second acquire reuses the checkout instead of creating a new one.
	require.Len(t, base.createdWorktrees, 1)
}

func TestRelease_AutoCommitWhenDirty(t *testing.T) {
	base := &fakeGit{dirty: true}
	m, factory, _ := newTestManager(t, base)

	ws, err := m.Acquire(context.Background(), Request{
		RunID: "run-1", WorkflowName: "builder", WorkflowPersistent: true,
	})
	require.NoError(t, err)

	m.Release(ws, ReleaseOptions{})

	wsGit := factory.factory(ws.Path).(*fakeGit)
	require.Len(t, wsGit.commits, 1)
	require.Contains(t, wsGit.commits[0], "checkpoint run run-1")
	require.Contains(t, wsGit.commits[0], "Co-Authored-By: Automagik <automagik@namastex.ai>")
}

func TestRelease_NoAutoCommitWhenClean(t *testing.T) {
	base := &fakeGit{dirty: false}
	m, factory, _ := newTestManager(t, base)

	ws, err := m.Acquire(context.Background(), Request{
		RunID: "run-1", WorkflowName: "builder", WorkflowPersistent: true,
	})
	require.NoError(t, err)

	m.Release(ws, ReleaseOptions{})

	wsGit := factory.factory(ws.Path).(*fakeGit)
	require.Empty(t, wsGit.commits)
}

func TestRelease_KilledRunSkipsAutoCommitByDefault(t *testing.T) {
	base := &fakeGit{dirty: true}
	m, factory, _ := newTestManager(t, base)

	ws, err := m.Acquire(context.Background(), Request{
		RunID: "run-1", WorkflowName: "builder", WorkflowPersistent: true,
	})
	require.NoError(t, err)

	m.Release(ws, ReleaseOptions{Killed: true})

	wsGit := factory.factory(ws.Path).(*fakeGit)
	require.Empty(t, wsGit.commits)
}

func TestRelease_EphemeralDeletesDirectory(t *testing.T) {
	base := &fakeGit{}
	m, _, _ := newTestManager(t, base)

	ws, err := m.Acquire(context.Background(), Request{RunID: "run-1", TempWorkspace: true})
	require.NoError(t, err)

	m.Release(ws, ReleaseOptions{})

	require.Eventually(t, func() bool {
		_, err := os.Stat(ws.Path)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)

	base.mu.Lock()
	removed := append([]string(nil), base.removedWorktrees...)
	base.mu.Unlock()
	require.Contains(t, removed, ws.Path)
}

func TestPrune_RemovesStaleEphemeral(t *testing.T) {
	base := &fakeGit{}
	m, _, root := newTestManager(t, base)
	_ = root

	stale := filepath.Join(m.opts.Root, "ephemeral", "old-run")
	require.NoError(t, os.MkdirAll(stale, 0o755))

	m.Prune()

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err))
	require.GreaterOrEqual(t, base.pruned, 1)
}
