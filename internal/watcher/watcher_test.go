package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckitty/speckitty/internal/watcher"
)

func newFeatureDir(t *testing.T) (dir, eventsPath string) {
	t.Helper()
	dir = t.TempDir()
	eventsPath = filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(eventsPath, []byte("{}\n"), 0644))
	return dir, eventsPath
}

func TestWatcher_DebounceMultipleWrites(t *testing.T) {
	dir, eventsPath := newFeatureDir(t)

	w, err := watcher.New(watcher.Config{
		FeatureDir:  dir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err)

	// Rapid appends should coalesce into a single notification.
	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(eventsPath, []byte(fmt.Sprintf("{\"n\":%d}\n", i)), 0644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-onChange:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification but got timeout")
	}

	select {
	case <-onChange:
		t.Fatal("unexpected second notification")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_IgnoresIrrelevantFiles(t *testing.T) {
	dir, _ := newFeatureDir(t)
	otherPath := filepath.Join(dir, "plan.md")
	require.NoError(t, os.WriteFile(otherPath, []byte("initial"), 0644))

	w, err := watcher.New(watcher.Config{
		FeatureDir:  dir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(otherPath, []byte("edited"), 0644))

	select {
	case <-onChange:
		t.Fatal("should not notify for unrelated files")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_SnapshotRenameTriggers(t *testing.T) {
	dir, _ := newFeatureDir(t)

	w, err := watcher.New(watcher.Config{
		FeatureDir:  dir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err)

	// Snapshot writes land as temp-write + rename; the rename creates
	// status.json.
	tmp := filepath.Join(dir, ".status.json.tmp-1")
	require.NoError(t, os.WriteFile(tmp, []byte("{}"), 0644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "status.json")))

	select {
	case <-onChange:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification for snapshot rename")
	}
}

func TestWatcher_Stop(t *testing.T) {
	dir, _ := newFeatureDir(t)

	w, err := watcher.New(watcher.Config{
		FeatureDir:  dir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = w.Start()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		assert.NoError(t, w.Stop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() timed out - possible deadlock")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := watcher.DefaultConfig("/repo/kitty-specs/001-auth")

	assert.Equal(t, "/repo/kitty-specs/001-auth", cfg.FeatureDir)
	assert.Equal(t, time.Second, cfg.DebounceDur)
}
