package vcs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/speckitty/speckitty/internal/log"
)

// Git-specific operational errors.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in
	// another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrMergeConflict indicates a merge stopped on conflicts.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrNoUpstream indicates the branch has no tracking remote.
	ErrNoUpstream = errors.New("branch has no upstream")
)

// defaultGitTimeout bounds every git subprocess call.
const defaultGitTimeout = 60 * time.Second

// gitRunner executes git commands rooted at a directory.
type gitRunner struct {
	dir string
}

func (g *gitRunner) run(ctx context.Context, args ...string) error {
	_, err := g.output(ctx, args...)
	return err
}

func (g *gitRunner) output(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultGitTimeout)
	defer cancel()

	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	if g.dir != "" {
		cmd.Dir = g.dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
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
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "is already checked out") ||
		strings.Contains(lower, "already checked out at"):
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	case strings.Contains(lower, "already exists"):
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	case strings.Contains(lower, "is locked"):
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	case strings.Contains(lower, "not a git repository"):
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	case strings.Contains(lower, "no tracking information") ||
		strings.Contains(lower, "no upstream"):
		return fmt.Errorf("%w: %s", ErrNoUpstream, stderr)
	}
	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// WorktreeBackend gives every WP an isolated git worktree under
// .speckitty/worktrees/ inside the main repository.
type WorktreeBackend struct {
	git      gitRunner
	repoRoot string
}

var _ Backend = (*WorktreeBackend)(nil)

// NewWorktreeBackend builds a worktree backend rooted at repoDir.
func NewWorktreeBackend(repoDir string) *WorktreeBackend {
	return &WorktreeBackend{git: gitRunner{dir: repoDir}, repoRoot: repoDir}
}

func (b *WorktreeBackend) Name() string { return "git-worktree" }

func (b *WorktreeBackend) Capabilities() Capabilities {
	return Capabilities{Worktrees: true, RemoteSync: true}
}

func (b *WorktreeBackend) workspacePath(branch string) string {
	return filepath.Join(b.repoRoot, ".speckitty", "worktrees", branch)
}

// CreateWorkspace adds a worktree with a new branch. An existing branch of
// the same name is reused so a crashed run can resume its workspace.
func (b *WorktreeBackend) CreateWorkspace(ctx context.Context, branch, base string) (string, error) {
	path := b.workspacePath(branch)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("preparing worktree dir: %w", err)
	}

	var args []string
	if b.BranchExists(ctx, branch) {
		args = []string{"worktree", "add", path, branch}
	} else {
		args = []string{"worktree", "add", "-b", branch, path}
		if base != "" {
			args = append(args, base)
		}
	}
	if err := b.git.run(ctx, args...); err != nil {
		return "", err
	}
	log.Info(log.CatVCS, "Workspace created", "branch", branch, "path", path)
	return path, nil
}

func (b *WorktreeBackend) RemoveWorkspace(ctx context.Context, path string) error {
	if err := b.git.run(ctx, "worktree", "remove", path); err != nil {
		// Dirty worktrees need force; the branch itself survives.
		if err := b.git.run(ctx, "worktree", "remove", "--force", path); err != nil {
			return err
		}
	}
	return b.git.run(ctx, "worktree", "prune")
}

func (b *WorktreeBackend) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	output, err := b.git.output(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(output), nil
}

// parseWorktreeList parses `git worktree list --porcelain` output.
func parseWorktreeList(output string) []Workspace {
	var workspaces []Workspace
	var current Workspace

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.Path != "" {
				workspaces = append(workspaces, current)
			}
			current = Workspace{}
			continue
		}
		key, value, found := strings.Cut(line, " ")
		if !found {
			continue
		}
		switch key {
		case "worktree":
			current.Path = value
		case "HEAD":
			current.HEAD = value
		case "branch":
			current.Branch = strings.TrimPrefix(value, "refs/heads/")
		}
	}
	if current.Path != "" {
		workspaces = append(workspaces, current)
	}
	return workspaces
}

// WorkspaceInfo locates the workspace rooted at path in the worktree list.
func (b *WorktreeBackend) WorkspaceInfo(ctx context.Context, path string) (*Workspace, error) {
	workspaces, err := b.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	want := filepath.Clean(path)
	for i := range workspaces {
		if filepath.Clean(workspaces[i].Path) == want {
			return &workspaces[i], nil
		}
	}
	return nil, fmt.Errorf("no workspace at %s", path)
}

func (b *WorktreeBackend) LastCommitTime(ctx context.Context, path string) (time.Time, error) {
	g := gitRunner{dir: path}
	out, err := g.output(ctx, "log", "-1", "--format=%ct")
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing commit timestamp %q: %w", out, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

func (b *WorktreeBackend) Commit(ctx context.Context, path, message string) error {
	g := gitRunner{dir: path}
	if err := g.run(ctx, "add", "-A"); err != nil {
		return err
	}
	return g.run(ctx, "commit", "-m", message)
}

func (b *WorktreeBackend) HasChanges(ctx context.Context, path string) (bool, error) {
	g := gitRunner{dir: path}
	out, err := g.output(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Changes lists changed paths in the workspace. With an empty rev it reports
// uncommitted work; with a rev it reports commits since that revision.
func (b *WorktreeBackend) Changes(ctx context.Context, path, rev string) ([]string, error) {
	g := gitRunner{dir: path}
	var out string
	var err error
	if rev == "" {
		out, err = g.output(ctx, "status", "--porcelain")
		if err != nil {
			return nil, err
		}
		var paths []string
		for _, line := range strings.Split(out, "\n") {
			if len(line) > 3 {
				paths = append(paths, strings.TrimSpace(line[3:]))
			}
		}
		return paths, nil
	}
	out, err = g.output(ctx, "diff", "--name-only", rev)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ConflictedFiles lists workspace paths with unresolved conflict markers.
func (b *WorktreeBackend) ConflictedFiles(ctx context.Context, path string) ([]string, error) {
	g := gitRunner{dir: path}
	out, err := g.output(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (b *WorktreeBackend) HasConflicts(ctx context.Context, path string) (bool, error) {
	files, err := b.ConflictedFiles(ctx, path)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

func (b *WorktreeBackend) BranchExists(ctx context.Context, name string) bool {
	return b.git.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name) == nil
}

func (b *WorktreeBackend) CreateBranch(ctx context.Context, name, base string) error {
	args := []string{"branch", name}
	if base != "" {
		args = append(args, base)
	}
	return b.git.run(ctx, args...)
}

func (b *WorktreeBackend) DeleteBranch(ctx context.Context, name string) error {
	return b.git.run(ctx, "branch", "-D", name)
}

func (b *WorktreeBackend) Checkout(ctx context.Context, branch string) error {
	return b.git.run(ctx, "checkout", branch)
}

func (b *WorktreeBackend) CurrentBranch(ctx context.Context) (string, error) {
	out, err := b.git.output(ctx, "branch", "--show-current")
	if err == nil && out != "" {
		return out, nil
	}
	return b.git.output(ctx, "symbolic-ref", "--short", "HEAD")
}

// Merge integrates branch into the current branch. The merge strategy uses
// --no-ff so every WP integration stays visible in history; squash collapses
// the branch into one commit; rebase replays the current branch onto the WP
// branch for linear history. Conflicts surface in the outcome, not as an
// error.
func (b *WorktreeBackend) Merge(ctx context.Context, branch, message string, strategy Strategy) (*MergeOutcome, error) {
	var err error
	switch strategy {
	case StrategySquash:
		err = b.git.run(ctx, "merge", "--squash", branch)
		if err == nil {
			if err := b.git.run(ctx, "commit", "-m", message); err != nil {
				return nil, err
			}
			return &MergeOutcome{Clean: true}, nil
		}
	case StrategyRebase:
		err = b.git.run(ctx, "rebase", branch)
		if err == nil {
			return &MergeOutcome{Clean: true}, nil
		}
	default:
		err = b.git.run(ctx, "merge", "--no-ff", "-m", message, branch)
		if err == nil {
			return &MergeOutcome{Clean: true}, nil
		}
	}

	conflicted, listErr := b.ConflictedFiles(ctx, b.repoRoot)
	if listErr != nil || len(conflicted) == 0 {
		// Not a conflict stop: real failure.
		return nil, err
	}
	return &MergeOutcome{ConflictedFiles: conflicted}, nil
}

// mergeInProgress reports whether a regular merge stopped on conflicts.
func (b *WorktreeBackend) mergeInProgress(ctx context.Context) bool {
	return b.git.run(ctx, "rev-parse", "-q", "--verify", "MERGE_HEAD") == nil
}

// rebaseInProgress reports whether a rebase stopped on conflicts.
func (b *WorktreeBackend) rebaseInProgress(ctx context.Context) bool {
	for _, dir := range []string{"rebase-merge", "rebase-apply"} {
		p, err := b.git.output(ctx, "rev-parse", "--git-path", dir)
		if err != nil {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(b.repoRoot, p)
		}
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// AbortMerge rolls back whichever integration is mid-flight: a conflicted
// merge, a conflicted rebase, or a conflicted squash (which git leaves as a
// dirty index without MERGE_HEAD).
func (b *WorktreeBackend) AbortMerge(ctx context.Context) error {
	switch {
	case b.mergeInProgress(ctx):
		return b.git.run(ctx, "merge", "--abort")
	case b.rebaseInProgress(ctx):
		return b.git.run(ctx, "rebase", "--abort")
	default:
		return b.git.run(ctx, "reset", "--merge")
	}
}

func (b *WorktreeBackend) ResolveFile(ctx context.Context, path string) error {
	return b.git.run(ctx, "add", path)
}

// ContinueMerge finishes a paused integration once every conflict is staged.
func (b *WorktreeBackend) ContinueMerge(ctx context.Context, message string) error {
	switch {
	case b.mergeInProgress(ctx):
		return b.git.run(ctx, "commit", "--no-edit", "-m", message)
	case b.rebaseInProgress(ctx):
		return b.git.run(ctx, "-c", "core.editor=true", "rebase", "--continue")
	default:
		return b.git.run(ctx, "commit", "-m", message)
	}
}

func (b *WorktreeBackend) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(b.repoRoot, path)) //nolint:gosec // G304: repo-relative path
}

func (b *WorktreeBackend) WriteFile(_ context.Context, path string, data []byte) error {
	return os.WriteFile(filepath.Join(b.repoRoot, path), data, 0644) //nolint:gosec // G306
}

func (b *WorktreeBackend) IsBranchTracked(ctx context.Context, branch string) bool {
	return b.git.run(ctx, "rev-parse", "--abbrev-ref", branch+"@{upstream}") == nil
}

func (b *WorktreeBackend) PullFFOnly(ctx context.Context) error {
	return b.git.run(ctx, "pull", "--ff-only")
}
