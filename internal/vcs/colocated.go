package vcs

import (
	"context"
	"time"
)

// ColocatedBackend runs every WP on a branch inside the main checkout, for
// repositories where worktrees are unavailable or unwanted. Workspaces are
// not isolated: concurrent WPs share the working directory, so the scheduler
// caps concurrency at one when this backend is active.
type ColocatedBackend struct {
	inner *WorktreeBackend
}

var _ Backend = (*ColocatedBackend)(nil)

// NewColocatedBackend builds a colocated backend rooted at repoDir.
func NewColocatedBackend(repoDir string) *ColocatedBackend {
	return &ColocatedBackend{inner: NewWorktreeBackend(repoDir)}
}

func (b *ColocatedBackend) Name() string { return "git-colocated" }

func (b *ColocatedBackend) Capabilities() Capabilities {
	return Capabilities{Worktrees: false, RemoteSync: true}
}

// CreateWorkspace checks the WP branch out in place; the workspace path is
// the repository root itself.
func (b *ColocatedBackend) CreateWorkspace(ctx context.Context, branch, base string) (string, error) {
	if !b.inner.BranchExists(ctx, branch) {
		if err := b.inner.CreateBranch(ctx, branch, base); err != nil {
			return "", err
		}
	}
	if err := b.inner.Checkout(ctx, branch); err != nil {
		return "", err
	}
	return b.inner.repoRoot, nil
}

// RemoveWorkspace returns to the previous branch; the branch itself is kept.
func (b *ColocatedBackend) RemoveWorkspace(ctx context.Context, _ string) error {
	return b.inner.Checkout(ctx, "-")
}

// ListWorkspaces reports the single shared checkout.
func (b *ColocatedBackend) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	branch, err := b.inner.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	return []Workspace{{Path: b.inner.repoRoot, Branch: branch}}, nil
}

// WorkspaceInfo reports the shared checkout regardless of path.
func (b *ColocatedBackend) WorkspaceInfo(ctx context.Context, _ string) (*Workspace, error) {
	workspaces, err := b.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	return &workspaces[0], nil
}

func (b *ColocatedBackend) LastCommitTime(ctx context.Context, path string) (time.Time, error) {
	return b.inner.LastCommitTime(ctx, path)
}

func (b *ColocatedBackend) Commit(ctx context.Context, path, message string) error {
	return b.inner.Commit(ctx, path, message)
}

func (b *ColocatedBackend) HasChanges(ctx context.Context, path string) (bool, error) {
	return b.inner.HasChanges(ctx, path)
}

func (b *ColocatedBackend) Changes(ctx context.Context, path, rev string) ([]string, error) {
	return b.inner.Changes(ctx, path, rev)
}

func (b *ColocatedBackend) ConflictedFiles(ctx context.Context, path string) ([]string, error) {
	return b.inner.ConflictedFiles(ctx, path)
}

func (b *ColocatedBackend) HasConflicts(ctx context.Context, path string) (bool, error) {
	return b.inner.HasConflicts(ctx, path)
}

func (b *ColocatedBackend) BranchExists(ctx context.Context, name string) bool {
	return b.inner.BranchExists(ctx, name)
}

func (b *ColocatedBackend) CreateBranch(ctx context.Context, name, base string) error {
	return b.inner.CreateBranch(ctx, name, base)
}

func (b *ColocatedBackend) DeleteBranch(ctx context.Context, name string) error {
	return b.inner.DeleteBranch(ctx, name)
}

func (b *ColocatedBackend) Checkout(ctx context.Context, branch string) error {
	return b.inner.Checkout(ctx, branch)
}

func (b *ColocatedBackend) CurrentBranch(ctx context.Context) (string, error) {
	return b.inner.CurrentBranch(ctx)
}

func (b *ColocatedBackend) Merge(ctx context.Context, branch, message string, strategy Strategy) (*MergeOutcome, error) {
	return b.inner.Merge(ctx, branch, message, strategy)
}

func (b *ColocatedBackend) AbortMerge(ctx context.Context) error {
	return b.inner.AbortMerge(ctx)
}

func (b *ColocatedBackend) ResolveFile(ctx context.Context, path string) error {
	return b.inner.ResolveFile(ctx, path)
}

func (b *ColocatedBackend) ContinueMerge(ctx context.Context, message string) error {
	return b.inner.ContinueMerge(ctx, message)
}

func (b *ColocatedBackend) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return b.inner.ReadFile(ctx, path)
}

func (b *ColocatedBackend) WriteFile(ctx context.Context, path string, data []byte) error {
	return b.inner.WriteFile(ctx, path, data)
}

func (b *ColocatedBackend) IsBranchTracked(ctx context.Context, branch string) bool {
	return b.inner.IsBranchTracked(ctx, branch)
}

func (b *ColocatedBackend) PullFFOnly(ctx context.Context) error {
	return b.inner.PullFFOnly(ctx)
}
