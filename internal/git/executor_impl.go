package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Git-specific errors surfaced from stderr parsing.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrInvalidBranchName indicates the branch name failed check-ref-format.
	ErrInvalidBranchName = errors.New("invalid branch name")

	// ErrWorktreeTimeout indicates a worktree or clone operation hit its deadline.
	ErrWorktreeTimeout = errors.New("git operation timed out")

	// ErrCloneFailed indicates a repository clone failed.
	ErrCloneFailed = errors.New("clone failed")

	// ErrNoDiskSpace indicates the filesystem ran out of space mid-operation.
	ErrNoDiskSpace = errors.New("no space left on device")
)

// Compile-time check that RealExecutor implements Executor.
var _ Executor = (*RealExecutor)(nil)

// RealExecutor implements Executor by executing actual git commands.
type RealExecutor struct {
	workDir string
}

// NewRealExecutor creates a new RealExecutor bound to workDir.
func NewRealExecutor(workDir string) *RealExecutor {
	return &RealExecutor{workDir: workDir}
}

// NewExecutor is the Factory for RealExecutor.
func NewExecutor(dir string) Executor {
	return NewRealExecutor(dir)
}

// runGit executes a git command and returns an error if it fails.
func (e *RealExecutor) runGit(args ...string) error {
	_, err := e.runGitOutput(args...)
	return err
}

// runGitOutput executes a git command and returns stdout and any error.
func (e *RealExecutor) runGitOutput(args ...string) (string, error) {
	return e.runGitOutputCtx(context.Background(), args...)
}

// runGitOutputCtx executes a git command under ctx and returns stdout.
func (e *RealExecutor) runGitOutputCtx(ctx context.Context, args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: git %s", ErrWorktreeTimeout, strings.Join(args, " "))
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	// Branch already checked out: fatal: '<branch>' is already checked out
	if strings.Contains(stderrLower, "is already checked out") ||
		strings.Contains(stderrLower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}

	// Path already exists: fatal: '<path>' already exists
	if strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}

	// Locked worktree: fatal: '<path>' is locked
	if strings.Contains(stderrLower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	}

	if strings.Contains(stderrLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}

	if strings.Contains(stderrLower, "no space left on device") {
		return fmt.Errorf("%w: %s", ErrNoDiskSpace, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// IsGitRepo checks if the working directory is inside a git repository.
func (e *RealExecutor) IsGitRepo() bool {
	err := e.runGit("rev-parse", "--git-dir")
	return err == nil
}

// GetRepoRoot returns the root directory of the git repository.
func (e *RealExecutor) GetRepoRoot() (string, error) {
	return e.runGitOutput("rev-parse", "--show-toplevel")
}

// GetCurrentBranch returns the name of the current branch.
func (e *RealExecutor) GetCurrentBranch() (string, error) {
	// git branch --show-current (git 2.22+)
	output, err := e.runGitOutput("branch", "--show-current")
	if err == nil && output != "" {
		return output, nil
	}

	// Fallback: parse symbolic-ref
	output, err = e.runGitOutput("symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return output, nil
}

// GetMainBranch detects the main branch name using multiple strategies.
// Order: config, remote HEAD, main/master existence, fallback to "main".
func (e *RealExecutor) GetMainBranch() (string, error) {
	// 1. Check git config init.defaultBranch
	if branch, err := e.runGitOutput("config", "init.defaultBranch"); err == nil && branch != "" {
		return branch, nil
	}

	// 2. Check remote HEAD (works for cloned repos)
	// Returns: refs/remotes/origin/main -> extract "main"
	if ref, err := e.runGitOutput("symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		parts := strings.Split(ref, "/")
		if len(parts) > 0 {
			return parts[len(parts)-1], nil
		}
	}

	// 3. Check which of main/master exists locally
	if err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/main"); err == nil {
		return "main", nil
	}
	if err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/master"); err == nil {
		return "master", nil
	}

	// 4. Fallback
	return "main", nil
}

// BranchExists checks if a local branch with the given name exists.
func (e *RealExecutor) BranchExists(name string) bool {
	err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// ValidateBranchName validates a branch name using git check-ref-format.
func (e *RealExecutor) ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidBranchName)
	}
	if err := e.runGit("check-ref-format", "--branch", name); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBranchName, name)
	}
	return nil
}

// CreateWorktree creates a worktree at path on newBranch. Existing branches
// are checked out rather than recreated so persistent workspaces survive
// daemon restarts.
func (e *RealExecutor) CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error {
	var args []string
	if e.BranchExists(newBranch) {
		args = []string{"worktree", "add", path, newBranch}
	} else {
		// -b creates the branch; baseBranch is the starting point,
		// empty means current HEAD.
		args = []string{"worktree", "add", "-b", newBranch, path}
		if baseBranch != "" {
			args = append(args, baseBranch)
		}
	}
	_, err := e.runGitOutputCtx(ctx, args...)
	return err
}

// RemoveWorktree removes a worktree at the specified path.
func (e *RealExecutor) RemoveWorktree(path string) error {
	// First try normal remove, then force (dirty worktrees refuse otherwise)
	if err := e.runGit("worktree", "remove", path); err != nil {
		return e.runGit("worktree", "remove", "--force", path)
	}
	return nil
}

// PruneWorktrees removes stale worktree references.
func (e *RealExecutor) PruneWorktrees() error {
	return e.runGit("worktree", "prune")
}

// ListWorktrees returns information about all worktrees.
func (e *RealExecutor) ListWorktrees() ([]WorktreeInfo, error) {
	output, err := e.runGitOutput("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(output), nil
}

// parseWorktreeList parses the porcelain output of git worktree list.
// Format:
//
//	worktree /path/to/worktree
//	HEAD <sha>
//	branch refs/heads/branch-name
//	<blank line>
func parseWorktreeList(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = WorktreeInfo{}
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}

		key, value := parts[0], parts[1]
		switch key {
		case "worktree":
			current.Path = value
		case "HEAD":
			current.HEAD = value
		case "branch":
			if after, found := strings.CutPrefix(value, "refs/heads/"); found {
				current.Branch = after
			} else {
				current.Branch = value
			}
		}
	}

	// Last entry when output doesn't end with a blank line
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}

// Clone clones url into dest and checks out branch when given.
func (e *RealExecutor) Clone(ctx context.Context, url, branch, dest string) error {
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dest)

	if _, err := e.runGitOutputCtx(ctx, args...); err != nil {
		if errors.Is(err, ErrWorktreeTimeout) || errors.Is(err, ErrNoDiskSpace) {
			return err
		}
		return fmt.Errorf("%w: %s", ErrCloneFailed, err)
	}
	return nil
}

// HasUncommittedChanges checks for staged, unstaged or untracked changes.
func (e *RealExecutor) HasUncommittedChanges() (bool, error) {
	output, err := e.runGitOutput("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return output != "", nil
}

// CommitAll stages everything in the working directory and commits it.
func (e *RealExecutor) CommitAll(message string) error {
	if err := e.runGit("add", "-A"); err != nil {
		return err
	}
	return e.runGit("commit", "-m", message)
}

// GetRemoteURL returns the URL for the named remote (e.g. "origin").
// Returns empty string and nil error if the remote doesn't exist.
func (e *RealExecutor) GetRemoteURL(name string) (string, error) {
	output, err := e.runGitOutput("remote", "get-url", name)
	if err != nil {
		return "", nil
	}
	return output, nil
}
