package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/speckitty/speckitty/internal/runtime"
	"github.com/speckitty/speckitty/internal/vcs"
)

var initForceHooks bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap the runtime home and install git hook shims for this repository",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForceHooks, "force", false,
		"overwrite user-authored git hooks with managed shims")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	res, err := runtime.Bootstrap(version)
	if err != nil {
		return coded(codeVCS, err)
	}

	var installed, skipped []string
	if root, pfErr := repoRootIfAny(ctx); pfErr == nil && root != "" {
		hooks, hookErr := runtime.InstallHookShims(root, initForceHooks)
		if hookErr != nil {
			return coded(codeVCS, hookErr)
		}
		installed, skipped = hooks.Installed, hooks.Skipped
	}

	emitSuccess(cmd.Name(), map[string]any{
		"home":             res.Home,
		"version":          version,
		"updated":          res.Updated,
		"previous_version": res.PreviousVersion,
		"hooks_installed":  installed,
		"hooks_skipped":    skipped,
	}, func() {
		okLine("Runtime home ready at %s (version %s)", res.Home, version)
		for _, h := range installed {
			dimLine("  hook shim: %s", h)
		}
		for _, h := range skipped {
			warnLine("kept user hook %s (pass --force to replace)", h)
		}
	})
	return nil
}

// repoRootIfAny resolves the enclosing repo root, or empty outside a repo.
// Hook installation is optional; init still bootstraps the home elsewhere.
func repoRootIfAny(ctx context.Context) (string, error) {
	root, err := workingRepo(ctx)
	if err != nil {
		var pf *vcs.PreflightError
		if errors.As(err, &pf) && pf.Code == vcs.CodeNotAGitRepository {
			return "", nil
		}
		return "", err
	}
	return root, nil
}
