package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/speckitty/speckitty/internal/auth"
	"github.com/speckitty/speckitty/internal/emitter"
	"github.com/speckitty/speckitty/internal/eventstore"
	"github.com/speckitty/speckitty/internal/feature"
	"github.com/speckitty/speckitty/internal/log"
	"github.com/speckitty/speckitty/internal/runtime"
	"github.com/speckitty/speckitty/internal/syncqueue"
	"github.com/speckitty/speckitty/internal/vcs"
)

// workingRepo runs the repository preflight from the current directory and
// returns the repo root every feature path hangs off.
func workingRepo(ctx context.Context) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", coded(codeVCS, fmt.Errorf("getting current directory: %w", err))
	}
	res, err := vcs.Preflight(ctx, dir)
	if err != nil {
		return "", err
	}
	return res.RepoRoot, nil
}

// resolveFeature opens the feature named by slug, or the repository's only
// feature when slug is empty.
func resolveFeature(root, slug string) (*feature.Feature, error) {
	if slug != "" {
		f, err := feature.Open(root, slug)
		if err != nil {
			return nil, coded(codeValidation, err)
		}
		return f, nil
	}
	features, err := feature.List(root)
	if err != nil {
		return nil, coded(codeValidation, err)
	}
	switch len(features) {
	case 0:
		return nil, codedf(codeValidation, "no features under %s; run create-feature first", feature.SpecsDirName)
	case 1:
		return features[0], nil
	}
	return nil, codedf(codeUsage, "%d features found; pass the feature slug", len(features))
}

// newBackend builds the configured workspace backend rooted at the repo.
func newBackend(root string) vcs.Backend {
	if cfg.Backend == "colocated" {
		return vcs.NewColocatedBackend(root)
	}
	return vcs.NewWorktreeBackend(root)
}

// queuePath is the offline queue database under the runtime home.
func queuePath() (string, error) {
	home, err := runtime.Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "cache", "sync-queue.db"), nil
}

func openQueue() (*syncqueue.Queue, error) {
	path, err := queuePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating queue dir: %w", err)
	}
	return syncqueue.Open(path)
}

// queueHasPending is the scope-switch guard wired into the credential store:
// it reports whether a scope still has undelivered queued events.
func queueHasPending(scope emitter.Scope) (bool, error) {
	q, err := openQueue()
	if err != nil {
		return false, err
	}
	defer q.Close()
	return q.HasPending(scope)
}

func credentialStore() (*auth.Store, error) {
	path, err := auth.DefaultPath()
	if err != nil {
		return nil, err
	}
	return auth.NewStore(path, queueHasPending), nil
}

// newEmitter builds the event emitter for a feature, bound to the logged-in
// account scope and backed by the offline queue. When nobody is logged in,
// emission is skipped entirely: it returns (nil, no-op, nil).
func newEmitter(f *feature.Feature) (*emitter.Emitter, func(), error) {
	store, err := credentialStore()
	if err != nil {
		return nil, func() {}, err
	}
	creds, err := store.Load()
	if errors.Is(err, auth.ErrNotLoggedIn) {
		log.Debug(log.CatEmit, "No account; skipping emission", "feature", f.Slug)
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, func() {}, err
	}
	q, err := openQueue()
	if err != nil {
		return nil, func() {}, err
	}
	clock := emitter.LoadClock(f.Path(feature.ClockFile))
	em := emitter.New(creds.Scope(), clock, nil, q)
	return em, func() { _ = q.Close() }, nil
}

// newStore opens the event store for a feature.
func newStore(f *feature.Feature) *eventstore.Store {
	return eventstore.New(f)
}

// defaultActor resolves --actor when left empty.
func defaultActor(flag string) string {
	if flag != "" {
		return flag
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
