package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckitty/speckitty/internal/feature"
	"github.com/speckitty/speckitty/internal/lane"
	"github.com/speckitty/speckitty/internal/runtime"
	"github.com/speckitty/speckitty/internal/testutil"
)

// resetCommandState restores every flag to its default so runs do not leak
// into each other.
func resetCommandState() {
	var reset func(c *cobra.Command)
	reset = func(c *cobra.Command) {
		c.Flags().VisitAll(func(fl *pflag.Flag) {
			_ = fl.Value.Set(fl.DefValue)
			fl.Changed = false
		})
		for _, sub := range c.Commands() {
			reset(sub)
		}
	}
	reset(rootCmd)
	rootCmd.PersistentFlags().VisitAll(func(fl *pflag.Flag) {
		_ = fl.Value.Set(fl.DefValue)
		fl.Changed = false
	})
	jsonOut, noJSON, debugFlag, cfgFile = false, false, false, ""
}

func execKitty(args ...string) (string, error) {
	resetCommandState()
	var buf bytes.Buffer
	prev := out
	out = &buf
	defer func() { out = prev }()
	rootCmd.SetArgs(args)
	err := Execute()
	return buf.String(), err
}

func decodeEnvelope(t *testing.T, output string) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(output), &env), "output: %s", output)
	return env
}

// newTestRepo puts the test inside a fresh git repository with an isolated
// runtime home.
func newTestRepo(t *testing.T) string {
	t.Helper()
	repo := testutil.NewGitRepo(t)
	t.Chdir(repo)
	t.Setenv(runtime.EnvHome, filepath.Join(t.TempDir(), "kittify"))
	return repo
}

func TestCreateFeature_JSONEnvelope(t *testing.T) {
	newTestRepo(t)

	output, err := execKitty("create-feature", "user auth", "--actor", "alice", "--json")
	require.NoError(t, err)

	env := decodeEnvelope(t, output)
	assert.True(t, env.Success)
	assert.Equal(t, "create-feature", env.Command)
	assert.Equal(t, "001-user-auth", env.Data["feature_slug"])
	assert.DirExists(t, filepath.Join("kitty-specs", "001-user-auth", "tasks"))
}

func TestUnknownCommand_UsageEnvelope(t *testing.T) {
	newTestRepo(t)

	output, err := execKitty("definitely-not-a-command")
	require.Error(t, err)

	env := decodeEnvelope(t, output)
	assert.False(t, env.Success)
	assert.Equal(t, codeUsage, env.ErrorCode)
}

func TestNoJSONFlagRejected(t *testing.T) {
	newTestRepo(t)

	output, err := execKitty("create-feature", "x", "--no-json")
	require.Error(t, err)

	env := decodeEnvelope(t, output)
	assert.Equal(t, codeUsage, env.ErrorCode)
	assert.Contains(t, env.Data["message"], "--no-json was removed")
}

func TestUnknownFlag_UsageEnvelope(t *testing.T) {
	newTestRepo(t)

	output, err := execKitty("create-feature", "x", "--bogus")
	require.Error(t, err)

	env := decodeEnvelope(t, output)
	assert.Equal(t, codeUsage, env.ErrorCode)
}

func TestMoveTask_LifecycleWithAlias(t *testing.T) {
	repo := newTestRepo(t)
	f := testutil.NewFeature(t, repo, "payments", map[string][]string{"WP01": nil})

	output, err := execKitty("move-task", "WP01", "--feature", f.Slug,
		"--to", "claimed", "--actor", "alice", "--json")
	require.NoError(t, err)
	env := decodeEnvelope(t, output)
	assert.True(t, env.Success)
	assert.Equal(t, "planned", env.Data["from"])
	assert.Equal(t, "claimed", env.Data["to"])

	// The alias lands canonically in both the envelope and storage.
	output, err = execKitty("move-task", "WP01", "--feature", f.Slug,
		"--to", "doing", "--actor", "alice", "--workspace", "payments-wp01", "--json")
	require.NoError(t, err)
	env = decodeEnvelope(t, output)
	assert.True(t, env.Success)
	assert.Equal(t, "in_progress", env.Data["to"])

	wpf, err := f.FindWPFile("WP01")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", string(wpf.Front.Lane))
}

func TestMoveTask_IllegalTransitionEnvelope(t *testing.T) {
	repo := newTestRepo(t)
	f := testutil.NewFeature(t, repo, "payments", map[string][]string{"WP01": nil})

	output, err := execKitty("move-task", "WP01", "--feature", f.Slug,
		"--to", "done", "--actor", "alice", "--json")
	require.Error(t, err)

	env := decodeEnvelope(t, output)
	assert.False(t, env.Success)
	assert.Equal(t, codeValidation, env.ErrorCode)
	assert.Contains(t, env.Data["message"], "illegal lane transition")
}

func TestMoveTask_ForcedReopenIsAudited(t *testing.T) {
	repo := newTestRepo(t)
	f := testutil.NewFeature(t, repo, "payments", map[string][]string{"WP01": nil})
	testutil.DriveToDone(t, newStore(f), f.Slug, "WP01", time.Now().Add(-time.Hour))

	output, err := execKitty("move-task", "WP01", "--feature", f.Slug,
		"--to", "in_progress", "--force", "--reason", "regression found",
		"--actor", "alice", "--json")
	require.NoError(t, err)

	env := decodeEnvelope(t, output)
	assert.True(t, env.Success)
	assert.Equal(t, "done", env.Data["from"])
	assert.Equal(t, "in_progress", env.Data["to"])
	assert.Equal(t, true, env.Data["force"])
}

func TestMoveTask_ForceWithoutReasonFails(t *testing.T) {
	repo := newTestRepo(t)
	f := testutil.NewFeature(t, repo, "payments", map[string][]string{"WP01": nil})
	testutil.DriveToDone(t, newStore(f), f.Slug, "WP01", time.Now().Add(-time.Hour))

	output, err := execKitty("move-task", "WP01", "--feature", f.Slug,
		"--to", "in_progress", "--force", "--actor", "alice", "--json")
	require.Error(t, err)

	env := decodeEnvelope(t, output)
	assert.Equal(t, codeValidation, env.ErrorCode)
	assert.Contains(t, env.Data["message"], "force requires")
}

func TestFinalizeTasks_WritesIndexAndLocksPhase(t *testing.T) {
	repo := newTestRepo(t)
	f := testutil.NewFeature(t, repo, "payments", map[string][]string{
		"WP01": nil,
		"WP02": {"WP01"},
	})

	output, err := execKitty("finalize-tasks", f.Slug, "--json")
	require.NoError(t, err)

	env := decodeEnvelope(t, output)
	assert.True(t, env.Success)
	assert.EqualValues(t, 2, env.Data["work_packages"])

	index, err := os.ReadFile(f.Path(feature.TasksFile))
	require.NoError(t, err)
	assert.Contains(t, string(index), "WP01")
	assert.Contains(t, string(index), "depends on WP01")

	meta, err := f.LoadMeta()
	require.NoError(t, err)
	assert.Equal(t, 2, meta.StatusPhase)
}

func TestFinalizeTasks_CycleIsValidationError(t *testing.T) {
	repo := newTestRepo(t)
	f := testutil.NewFeature(t, repo, "payments", map[string][]string{
		"WP01": {"WP02"},
		"WP02": {"WP01"},
	})

	output, err := execKitty("finalize-tasks", f.Slug, "--json")
	require.Error(t, err)

	env := decodeEnvelope(t, output)
	assert.Equal(t, codeValidation, env.ErrorCode)
}

func TestValidate_CleanFeature(t *testing.T) {
	repo := newTestRepo(t)
	f := testutil.NewFeature(t, repo, "payments", map[string][]string{"WP01": nil})

	_, err := execKitty("move-task", "WP01", "--feature", f.Slug,
		"--to", "claimed", "--actor", "alice", "--json")
	require.NoError(t, err)

	output, err := execKitty("validate", f.Slug, "--json")
	require.NoError(t, err)

	env := decodeEnvelope(t, output)
	assert.True(t, env.Success)
	assert.EqualValues(t, 0, env.Data["errors"])
}

func TestValidate_FrontmatterDriftDetected(t *testing.T) {
	repo := newTestRepo(t)
	f := testutil.NewFeature(t, repo, "payments", map[string][]string{"WP01": nil})

	_, err := execKitty("move-task", "WP01", "--feature", f.Slug,
		"--to", "claimed", "--actor", "alice", "--json")
	require.NoError(t, err)
	_, err = execKitty("finalize-tasks", f.Slug, "--json")
	require.NoError(t, err)

	// Hand-edit the derived view behind the snapshot's back.
	wpf, err := f.FindWPFile("WP01")
	require.NoError(t, err)
	require.NoError(t, feature.SetLane(wpf.Path, lane.Done))

	output, err := execKitty("validate", f.Slug, "--json")
	require.Error(t, err)

	env := decodeEnvelope(t, output)
	assert.Equal(t, codeValidation, env.ErrorCode)
	assert.NotEmpty(t, env.Data["issues"])
}

func TestSync_RequiresLogin(t *testing.T) {
	newTestRepo(t)

	output, err := execKitty("sync", "status", "--json")
	require.Error(t, err)

	env := decodeEnvelope(t, output)
	assert.Equal(t, codeAuth, env.ErrorCode)
	assert.Contains(t, env.Data["message"], "not logged in")
}

func TestInit_BootstrapsHomeAndHooks(t *testing.T) {
	newTestRepo(t)
	home := os.Getenv(runtime.EnvHome)

	output, err := execKitty("init", "--json")
	require.NoError(t, err)

	env := decodeEnvelope(t, output)
	assert.True(t, env.Success)
	assert.DirExists(t, filepath.Join(home, "missions", "custom"))
	assert.FileExists(t, filepath.Join(".git", "hooks", "pre-commit"))
}
