// Package runtime manages the shared ~/.kittify home: managed asset
// directories, the installed-version lock, and per-repository git hook shims.
package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/speckitty/speckitty/internal/log"
)

const (
	// EnvHome overrides the runtime home location.
	EnvHome = "SPEC_KITTY_HOME"

	// defaultHomeDir is the directory under $HOME holding shared assets.
	defaultHomeDir = ".kittify"

	// versionLockRel is the installed-version marker inside the home.
	versionLockRel = "cache/version.lock"

	// bootstrapLockName serializes concurrent bootstraps across processes.
	bootstrapLockName = ".bootstrap.lock"

	bootstrapLockTimeout = 10 * time.Second
	lockRetryInterval    = 25 * time.Millisecond
	lockStaleAfter       = 30 * time.Second
)

// managedDirs is the closed set of directories bootstrap owns.
// missions/custom is user territory: created once, never rewritten.
var managedDirs = []string{
	"missions",
	"missions/custom",
	"templates",
	"scripts",
	"hooks",
	"cache",
}

// Home returns the runtime home directory, honoring SPEC_KITTY_HOME.
func Home() (string, error) {
	if override := os.Getenv(EnvHome); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving user home: %w", err)
	}
	return filepath.Join(home, defaultHomeDir), nil
}

// InstalledVersion reads cache/version.lock, returning "" when the home was
// never bootstrapped.
func InstalledVersion(home string) (string, error) {
	data, err := os.ReadFile(filepath.Join(home, versionLockRel)) //nolint:gosec // G304: path under runtime home
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading version.lock: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// BootstrapResult reports what Bootstrap did.
type BootstrapResult struct {
	Home            string
	Updated         bool
	PreviousVersion string
}

// Bootstrap ensures the runtime home exists with all managed directories and
// records the installed version. Safe to call from N concurrent processes; a
// file lock serializes the critical section. User content under
// missions/custom is never touched.
func Bootstrap(version string) (*BootstrapResult, error) {
	home, err := Home()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(home, 0o750); err != nil {
		return nil, fmt.Errorf("creating runtime home: %w", err)
	}

	lock, err := acquireLock(filepath.Join(home, bootstrapLockName), bootstrapLockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	previous, err := InstalledVersion(home)
	if err != nil {
		return nil, err
	}

	for _, dir := range managedDirs {
		if err := os.MkdirAll(filepath.Join(home, dir), 0o750); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	res := &BootstrapResult{Home: home, PreviousVersion: previous}
	if previous == version {
		log.Debug(log.CatRuntime, "Runtime home up to date", "home", home, "version", version)
		return res, nil
	}

	if err := writeVersionLock(home, version); err != nil {
		return nil, err
	}
	res.Updated = true
	log.Info(log.CatRuntime, "Runtime home bootstrapped",
		"home", home, "version", version, "previous", previous)
	return res, nil
}

// writeVersionLock atomically replaces cache/version.lock.
func writeVersionLock(home, version string) error {
	path := filepath.Join(home, versionLockRel)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".version.lock-*")
	if err != nil {
		return fmt.Errorf("writing version.lock: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(version + "\n"); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("writing version.lock: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("writing version.lock: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("writing version.lock: %w", err)
	}
	return nil
}

// fileLock is an exclusive sibling lock file (O_CREATE|O_EXCL) shared by all
// bootstrapping processes.
type fileLock struct {
	path string
}

func acquireLock(path string, timeout time.Duration) (*fileLock, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) //nolint:gosec // G304: lock path under runtime home
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return &fileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating bootstrap lock: %w", err)
		}

		if info, statErr := os.Stat(path); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleAfter {
				_ = os.Remove(path)
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for bootstrap lock: %s", path)
		}
		time.Sleep(lockRetryInterval)
	}
}

func (l *fileLock) release() {
	_ = os.Remove(l.path)
}
