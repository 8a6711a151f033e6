// Package testutil provides shared fixtures: git repositories, feature
// directories, and completed lane chains.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/speckitty/speckitty/internal/eventstore"
	"github.com/speckitty/speckitty/internal/feature"
	"github.com/speckitty/speckitty/internal/lane"
)

// Git runs a git command in dir and fails the test on error.
func Git(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// NewGitRepo initializes a git repository with one commit on main.
func NewGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	Git(t, dir, "init", "-b", "main")
	Git(t, dir, "config", "user.email", "dev@example.com")
	Git(t, dir, "config", "user.name", "Dev")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# repo\n"), 0644))
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "-m", "initial commit")
	return dir
}

// NewFeature creates a feature under root with the given WPs (id to
// dependency list).
func NewFeature(t *testing.T, root, name string, wps map[string][]string) *feature.Feature {
	t.Helper()
	f, err := feature.Create(root, name, "tester")
	require.NoError(t, err)
	for id, deps := range wps {
		if deps == nil {
			deps = []string{}
		}
		_, err := f.CreateWP(feature.Frontmatter{WPID: id, Title: "wp " + id, Dependencies: deps}, "work\n")
		require.NoError(t, err)
	}
	return f
}

// DriveToDone appends the full planned-to-done lane chain for a WP.
func DriveToDone(t *testing.T, store *eventstore.Store, slug, wpID string, start time.Time) {
	t.Helper()
	now := start
	for _, step := range []struct{ from, to lane.Lane }{
		{lane.Planned, lane.Claimed},
		{lane.Claimed, lane.InProgress},
		{lane.InProgress, lane.ForReview},
		{lane.ForReview, lane.Done},
	} {
		require.NoError(t, store.Append(&eventstore.StatusEvent{
			EventID: eventstore.NewEventID(), FeatureSlug: slug, WPID: wpID,
			FromLane: step.from, ToLane: step.to, At: now, Actor: "tester",
			ExecutionMode: "single-ai",
		}))
		now = now.Add(time.Second)
	}
}
