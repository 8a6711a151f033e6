// Package vcs abstracts the version-control operations the scheduler and the
// merge coordinator need: isolated per-WP workspaces, branch merges, and
// repository preflight checks.
package vcs

import (
	"context"
	"fmt"
	"time"
)

// Capabilities advertises what a backend can do so callers degrade
// gracefully instead of probing with failing commands.
type Capabilities struct {
	// Worktrees means the backend can give every WP an isolated checkout.
	Worktrees bool
	// RemoteSync means the backend can pull/push a tracked remote.
	RemoteSync bool
}

// Workspace is one isolated checkout dedicated to a single WP branch.
type Workspace struct {
	Path   string
	Branch string
	HEAD   string
}

// Strategy selects how a WP branch is integrated into the target.
type Strategy string

const (
	// StrategyMerge creates a merge commit (--no-ff).
	StrategyMerge Strategy = "merge"
	// StrategySquash collapses the branch into a single commit.
	StrategySquash Strategy = "squash"
	// StrategyRebase replays the target onto the branch for linear history.
	StrategyRebase Strategy = "rebase"
)

// ParseStrategy validates a user-supplied strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyMerge, StrategySquash, StrategyRebase:
		return Strategy(s), nil
	case "":
		return StrategyMerge, nil
	}
	return "", fmt.Errorf("unknown merge strategy %q (want merge, squash, or rebase)", s)
}

// MergeOutcome describes the result of merging one branch.
type MergeOutcome struct {
	// Clean means the merge committed without conflicts.
	Clean bool
	// ConflictedFiles are repo-relative paths left with conflict markers.
	ConflictedFiles []string
}

// Backend is the closed set of VCS operations the orchestrator depends on.
type Backend interface {
	Name() string
	Capabilities() Capabilities

	// CreateWorkspace makes an isolated checkout for branch, created from
	// base (current HEAD when base is empty), and returns its path.
	CreateWorkspace(ctx context.Context, branch, base string) (string, error)
	RemoveWorkspace(ctx context.Context, path string) error
	ListWorkspaces(ctx context.Context) ([]Workspace, error)
	// WorkspaceInfo locates the workspace rooted at path.
	WorkspaceInfo(ctx context.Context, path string) (*Workspace, error)

	// LastCommitTime returns the author time of the newest commit on the
	// workspace's branch. Used for staleness detection.
	LastCommitTime(ctx context.Context, path string) (time.Time, error)

	// Commit stages everything in the workspace and commits.
	Commit(ctx context.Context, path, message string) error
	HasChanges(ctx context.Context, path string) (bool, error)
	// Changes lists paths touched in the workspace: uncommitted when rev is
	// empty, committed relative to rev otherwise.
	Changes(ctx context.Context, path, rev string) ([]string, error)
	// ConflictedFiles lists workspace paths still carrying conflict markers.
	ConflictedFiles(ctx context.Context, path string) ([]string, error)
	HasConflicts(ctx context.Context, path string) (bool, error)

	BranchExists(ctx context.Context, name string) bool
	CreateBranch(ctx context.Context, name, base string) error
	DeleteBranch(ctx context.Context, name string) error
	Checkout(ctx context.Context, branch string) error
	CurrentBranch(ctx context.Context) (string, error)

	// Merge integrates branch into the currently checked-out branch using
	// the given strategy.
	Merge(ctx context.Context, branch, message string, strategy Strategy) (*MergeOutcome, error)
	AbortMerge(ctx context.Context) error
	// ResolveFile stages a conflicted path after its content was rewritten.
	ResolveFile(ctx context.Context, path string) error
	// ContinueMerge commits an integration whose conflicts are fully staged.
	ContinueMerge(ctx context.Context, message string) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error

	// IsBranchTracked reports whether branch has a configured upstream.
	IsBranchTracked(ctx context.Context, branch string) bool
	// PullFFOnly fast-forwards the current branch from its upstream.
	PullFFOnly(ctx context.Context) error
}
