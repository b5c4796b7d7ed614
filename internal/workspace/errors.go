package workspace

import (
	"errors"
	"fmt"
)

// ErrorKind classifies workspace setup failures.
type ErrorKind string

const (
	ErrKindNotARepo             ErrorKind = "not_a_repo"
	ErrKindWorktreeConflict     ErrorKind = "worktree_exists_conflict"
	ErrKindCloneFailed          ErrorKind = "clone_failed"
	ErrKindBranchCheckoutFailed ErrorKind = "branch_checkout_failed"
	ErrKindDiskFull             ErrorKind = "disk_full"
)

// Error reports a workspace allocation or release failure. Runs hitting one
// of these move to failed before a child process is ever spawned.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("workspace %s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("workspace %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrBusy indicates the requested persistent workspace is leased to another
// active run.
var ErrBusy = errors.New("workspace busy")
