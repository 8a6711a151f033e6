package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/speckitty/speckitty/internal/eventstore"
	"github.com/speckitty/speckitty/internal/feature"
	"github.com/speckitty/speckitty/internal/lane"
	"github.com/speckitty/speckitty/internal/log"
	"github.com/speckitty/speckitty/internal/vcs"
)

// ErrPendingConflicts means a previous merge stopped on conflicts that are
// still unresolved; the user must resolve and resume.
var ErrPendingConflicts = errors.New("merge has pending conflicts; resolve them and run merge --resume")

// ErrNothingToMerge means no WP has reached the done lane yet.
var ErrNothingToMerge = errors.New("no completed work packages to merge")

// Coordinator merges completed WP branches into the target branch.
type Coordinator struct {
	feat     *feature.Feature
	store    *eventstore.Store
	backend  vcs.Backend
	target   string
	strategy vcs.Strategy
}

// NewCoordinator builds a coordinator for one feature.
func NewCoordinator(f *feature.Feature, store *eventstore.Store, backend vcs.Backend, targetBranch string, strategy vcs.Strategy) *Coordinator {
	if strategy == "" {
		strategy = vcs.StrategyMerge
	}
	return &Coordinator{feat: f, store: store, backend: backend, target: targetBranch, strategy: strategy}
}

// Run merges every done WP's branch in dependency order. resume continues a
// paused sequence after the user resolved conflicts by hand.
func (c *Coordinator) Run(ctx context.Context, resume bool) (*State, error) {
	st, err := LoadState(c.feat)
	if err != nil {
		return nil, err
	}
	if st != nil && st.Strategy != "" {
		// A resumed sequence keeps the strategy it started with.
		c.strategy = vcs.Strategy(st.Strategy)
	}
	if st != nil && st.HasPendingConflicts {
		if !resume {
			return st, ErrPendingConflicts
		}
		if err := c.finishPausedMerge(ctx, st); err != nil {
			return st, err
		}
	}
	if st == nil {
		if st, err = c.newState(); err != nil {
			return nil, err
		}
		if err := SaveState(c.feat, st); err != nil {
			return nil, err
		}
	}

	if err := c.backend.Checkout(ctx, c.target); err != nil {
		return st, fmt.Errorf("checking out %s: %w", c.target, err)
	}

	for _, wpID := range st.WPOrder {
		if contains(st.CompletedWPs, wpID) {
			continue
		}
		st.CurrentWP = wpID
		if err := SaveState(c.feat, st); err != nil {
			return st, err
		}
		if err := c.mergeWP(ctx, st, wpID); err != nil {
			return st, err
		}
		st.CompletedWPs = append(st.CompletedWPs, wpID)
		st.CurrentWP = ""
		if err := SaveState(c.feat, st); err != nil {
			return st, err
		}
		log.Info(log.CatMerge, "Work package merged",
			"wp", wpID, "progress", fmt.Sprintf("%.0f%%", st.ProgressPercent()))
	}

	if err := ClearState(c.feat); err != nil {
		return st, err
	}
	log.Info(log.CatMerge, "Merge sequence complete",
		"feature", c.feat.Slug, "merged", len(st.CompletedWPs))
	return st, nil
}

// newState computes the merge order: done-lane WPs, topologically sorted
// with ties broken by WP id.
func (c *Coordinator) newState() (*State, error) {
	files, err := c.feat.ListWPFiles()
	if err != nil {
		return nil, err
	}
	snap, err := c.store.LoadSnapshot()
	if err != nil {
		return nil, err
	}

	doneSet := make(map[string]bool)
	var doneFiles []*feature.WPFile
	for _, f := range files {
		if snap.Lane(f.Front.WPID) == lane.Done {
			doneSet[f.Front.WPID] = true
			doneFiles = append(doneFiles, f)
		}
	}
	if len(doneFiles) == 0 {
		return nil, ErrNothingToMerge
	}

	var order []string
	for _, wpID := range feature.TopoOrder(files) {
		if doneSet[wpID] {
			order = append(order, wpID)
		}
	}
	return &State{
		FeatureSlug:  c.feat.Slug,
		TargetBranch: c.target,
		Strategy:     string(c.strategy),
		WPOrder:      order,
		StartedAt:    time.Now().UTC(),
	}, nil
}

// mergeWP integrates one WP branch, pulling the target first when tracked.
func (c *Coordinator) mergeWP(ctx context.Context, st *State, wpID string) error {
	if c.backend.IsBranchTracked(ctx, c.target) {
		if err := c.backend.PullFFOnly(ctx); err != nil {
			return fmt.Errorf("pull --ff-only on %s: %w", c.target, err)
		}
	} else {
		log.Info(log.CatMerge, "Target branch is not tracked on a remote; skipping pull",
			"branch", c.target)
	}

	if deps := c.multiParentDeps(wpID); len(deps) > 1 {
		if err := c.verifyMergeBase(ctx, wpID, deps); err != nil {
			return err
		}
	}

	branch := c.feat.BranchFor(wpID)
	msg := fmt.Sprintf("Merge %s (%s)", branch, wpID)
	outcome, err := c.backend.Merge(ctx, branch, msg, c.strategy)
	if err != nil {
		return fmt.Errorf("merging %s: %w", branch, err)
	}
	if outcome.Clean {
		return nil
	}
	return c.resolveConflicts(ctx, st, outcome.ConflictedFiles, msg)
}

// resolveConflicts auto-resolves status-file conflicts; anything else pauses
// the merge for human resolution.
func (c *Coordinator) resolveConflicts(ctx context.Context, st *State, paths []string, msg string) error {
	var unresolvable []string
	for _, p := range paths {
		if !isStatusFile(c.feat.Slug, p) {
			unresolvable = append(unresolvable, p)
		}
	}
	if len(unresolvable) == 0 {
		for _, p := range paths {
			data, err := c.backend.ReadFile(ctx, p)
			if err != nil {
				return err
			}
			resolved, ok := ResolveStatusFile(string(data))
			if !ok {
				unresolvable = append(unresolvable, p)
				continue
			}
			if err := c.backend.WriteFile(ctx, p, []byte(resolved)); err != nil {
				return err
			}
			if err := c.backend.ResolveFile(ctx, p); err != nil {
				return err
			}
			log.Info(log.CatMerge, "Status-file conflict auto-resolved", "path", p)
		}
	}

	if len(unresolvable) > 0 {
		st.HasPendingConflicts = true
		st.PendingPaths = paths
		if err := SaveState(c.feat, st); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrPendingConflicts, strings.Join(unresolvable, ", "))
	}
	return c.backend.ContinueMerge(ctx, msg)
}

// finishPausedMerge commits a merge whose conflicts the user resolved.
func (c *Coordinator) finishPausedMerge(ctx context.Context, st *State) error {
	msg := fmt.Sprintf("Merge %s (%s)", c.feat.BranchFor(st.CurrentWP), st.CurrentWP)
	if err := c.backend.ContinueMerge(ctx, msg); err != nil {
		return fmt.Errorf("resuming merge of %s: %w", st.CurrentWP, err)
	}
	st.HasPendingConflicts = false
	st.PendingPaths = nil
	st.CompletedWPs = append(st.CompletedWPs, st.CurrentWP)
	st.CurrentWP = ""
	return SaveState(c.feat, st)
}

// multiParentDeps returns the WP's dependencies when it has more than one.
func (c *Coordinator) multiParentDeps(wpID string) []string {
	wpFile, err := c.feat.FindWPFile(wpID)
	if err != nil {
		return nil
	}
	return wpFile.Front.Dependencies
}

// verifyMergeBase checks that a diamond WP's parents integrate cleanly by
// merging them in sorted order onto a disposable base branch. The branch is
// removed on success and failure alike.
func (c *Coordinator) verifyMergeBase(ctx context.Context, wpID string, parents []string) error {
	sorted := append([]string(nil), parents...)
	sort.Strings(sorted)

	baseBranch := fmt.Sprintf("%s-%s-merge-base", c.feat.Slug, strings.ToLower(wpID))
	if c.backend.BranchExists(ctx, baseBranch) {
		if err := c.backend.DeleteBranch(ctx, baseBranch); err != nil {
			return err
		}
	}
	if err := c.backend.CreateBranch(ctx, baseBranch, c.feat.BranchFor(sorted[0])); err != nil {
		return err
	}
	cleanup := func() {
		if err := c.backend.Checkout(ctx, c.target); err == nil {
			if err := c.backend.DeleteBranch(ctx, baseBranch); err != nil {
				log.Warn(log.CatMerge, "Removing merge-base branch failed",
					"branch", baseBranch, "error", err)
			}
		}
	}
	defer cleanup()

	if err := c.backend.Checkout(ctx, baseBranch); err != nil {
		return err
	}
	for _, parent := range sorted[1:] {
		// Verification is always a plain merge; the disposable branch never
		// lands on the target.
		outcome, err := c.backend.Merge(ctx, c.feat.BranchFor(parent),
			fmt.Sprintf("Merge base for %s: %s", wpID, parent), vcs.StrategyMerge)
		if err != nil {
			return err
		}
		if !outcome.Clean {
			if err := c.backend.AbortMerge(ctx); err != nil {
				log.Warn(log.CatMerge, "Aborting merge-base merge failed", "error", err)
			}
			return fmt.Errorf("parents of %s conflict on the merge base (%s)", wpID, parent)
		}
	}
	return nil
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
