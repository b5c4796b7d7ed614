// Package git wraps the git CLI for worktree, clone and commit operations.
package git

import (
	"context"
)

// WorktreeInfo holds information about a git worktree.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Executor defines the git operations the workspace layer needs. An Executor
// is bound to one working directory; callers create one per repository or
// workspace they operate on. The abstraction allows testing with mocks.
type Executor interface {
	IsGitRepo() bool
	GetRepoRoot() (string, error)
	GetCurrentBranch() (string, error)
	// GetMainBranch detects the main branch name using multiple strategies.
	// Order: config, remote HEAD, main/master existence, fallback to "main".
	GetMainBranch() (string, error)
	BranchExists(name string) bool
	// ValidateBranchName validates a branch name using git check-ref-format.
	// Returns nil if valid, ErrInvalidBranchName if invalid.
	ValidateBranchName(name string) error

	// CreateWorktree creates a new worktree at path on newBranch. If the
	// branch already exists it is checked out instead of created; baseBranch
	// is the starting point for new branches (empty = current HEAD).
	// Returns ErrWorktreeTimeout if the context deadline is exceeded.
	CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error
	RemoveWorktree(path string) error
	PruneWorktrees() error
	ListWorktrees() ([]WorktreeInfo, error)

	// Clone clones url into dest and checks out branch (empty = remote default).
	Clone(ctx context.Context, url, branch, dest string) error

	HasUncommittedChanges() (bool, error)
	// CommitAll stages everything in the working directory and commits it.
	CommitAll(message string) error
	GetRemoteURL(name string) (string, error)
}

// Factory produces an Executor bound to dir. The workspace manager uses it
// to get executors for the base repo and for individual workspaces.
type Factory func(dir string) Executor
