package vcs

import (
	"context"
	"fmt"
	"strings"
)

// Preflight failure codes. Each carries a literal remediation command.
const (
	CodeNotAGitRepository   = "NOT_A_GIT_REPOSITORY"
	CodeUntrustedRepository = "UNTRUSTED_REPOSITORY"
	CodeWorktreeListFailed  = "WORKTREE_LIST_FAILED"
	CodeMissingOriginRemote = "MISSING_ORIGIN_REMOTE"
)

// PreflightError is a repository check failure with remediation guidance.
type PreflightError struct {
	Code        string
	Message     string
	Remediation string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("%s: %s (run: %s)", e.Code, e.Message, e.Remediation)
}

// Preflight verifies the repository at dir is usable before any workspace or
// merge operation. Checks run in order and stop at the first failure.
type PreflightResult struct {
	RepoRoot     string
	HasOrigin    bool
	WorktreeSafe bool
}

// Preflight runs the repository checks. A missing origin remote is reported
// in the result rather than failing, because offline-only use is supported.
func Preflight(ctx context.Context, dir string) (*PreflightResult, error) {
	g := gitRunner{dir: dir}

	inside, err := g.output(ctx, "rev-parse", "--is-inside-work-tree")
	if err != nil || inside != "true" {
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "dubious ownership") {
			return nil, &PreflightError{
				Code:        CodeUntrustedRepository,
				Message:     "git refuses to operate on this repository (dubious ownership)",
				Remediation: fmt.Sprintf("git config --global --add safe.directory %s", dir),
			}
		}
		return nil, &PreflightError{
			Code:        CodeNotAGitRepository,
			Message:     fmt.Sprintf("%s is not inside a git work tree", dir),
			Remediation: "git init",
		}
	}

	root, err := g.output(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, &PreflightError{
			Code:        CodeNotAGitRepository,
			Message:     "cannot resolve repository root",
			Remediation: "git rev-parse --show-toplevel",
		}
	}

	res := &PreflightResult{RepoRoot: root}

	if _, err := g.output(ctx, "worktree", "list", "--porcelain"); err != nil {
		return nil, &PreflightError{
			Code:        CodeWorktreeListFailed,
			Message:     fmt.Sprintf("git worktree list failed: %v", err),
			Remediation: "git worktree prune",
		}
	}
	res.WorktreeSafe = true

	if _, err := g.output(ctx, "remote", "get-url", "origin"); err == nil {
		res.HasOrigin = true
	}
	return res, nil
}

// RequireOrigin turns a missing origin into a coded preflight error for
// operations that need a remote.
func (r *PreflightResult) RequireOrigin() error {
	if r.HasOrigin {
		return nil
	}
	return &PreflightError{
		Code:        CodeMissingOriginRemote,
		Message:     "no origin remote is configured",
		Remediation: "git remote add origin <url>",
	}
}
