package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/speckitty/speckitty/internal/log"
)

// HookShimMarker identifies hook files this tool owns. User-authored hooks
// never carry it and are never overwritten without force.
const HookShimMarker = "SPEC_KITTY_MANAGED_HOOK_SHIM=1"

// ManagedHooks is the set of git hooks shimmed into each project.
var ManagedHooks = []string{"pre-commit", "post-commit", "pre-push"}

// HookInstallResult reports per-hook outcomes of an install pass.
type HookInstallResult struct {
	Installed []string
	Skipped   []string
}

// shimScript renders the thin shim that execs the real hook from the runtime
// home. Missing or non-executable targets are a silent no-op so projects keep
// working after an uninstall.
func shimScript(home, hook string) string {
	target := filepath.Join(home, "hooks", hook)
	return fmt.Sprintf(`#!/bin/sh
# %s
HOOK=%q
[ -x "$HOOK" ] || exit 0
exec "$HOOK" "$@"
`, HookShimMarker, target)
}

// IsManagedShim reports whether the hook file at path carries the shim
// marker. A missing file is not a managed shim.
func IsManagedShim(path string) bool {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path under .git/hooks
	if err != nil {
		return false
	}
	return strings.Contains(string(data), HookShimMarker)
}

// InstallHookShims writes shims for every managed hook under
// repoRoot/.git/hooks. Existing user-authored hooks are skipped unless force
// is set; existing managed shims are always refreshed.
func InstallHookShims(repoRoot string, force bool) (*HookInstallResult, error) {
	home, err := Home()
	if err != nil {
		return nil, err
	}

	hooksDir := filepath.Join(repoRoot, ".git", "hooks")
	if err := os.MkdirAll(hooksDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating hooks dir: %w", err)
	}

	res := &HookInstallResult{}
	for _, hook := range ManagedHooks {
		path := filepath.Join(hooksDir, hook)
		if _, statErr := os.Stat(path); statErr == nil {
			if !IsManagedShim(path) && !force {
				log.Warn(log.CatRuntime, "Existing hook is not managed; skipping",
					"hook", hook, "path", path)
				res.Skipped = append(res.Skipped, hook)
				continue
			}
		}
		//nolint:gosec // G306: hooks must be executable
		if err := os.WriteFile(path, []byte(shimScript(home, hook)), 0o755); err != nil {
			return nil, fmt.Errorf("writing %s shim: %w", hook, err)
		}
		res.Installed = append(res.Installed, hook)
	}

	log.Info(log.CatRuntime, "Hook shims installed",
		"repo", repoRoot, "installed", len(res.Installed), "skipped", len(res.Skipped))
	return res, nil
}
