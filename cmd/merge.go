package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/speckitty/speckitty/internal/merge"
	"github.com/speckitty/speckitty/internal/vcs"
)

var (
	mergeResume   bool
	mergeTarget   string
	mergeStrategy string
)

var mergeCmd = &cobra.Command{
	Use:   "merge [feature]",
	Short: "Merge completed WP branches into the target branch in dependency order",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMerge,
}

func init() {
	mergeCmd.Flags().BoolVar(&mergeResume, "resume", false,
		"continue a merge paused on manual conflict resolution")
	mergeCmd.Flags().StringVar(&mergeTarget, "target", "",
		"integration branch (default: target_branch from config)")
	mergeCmd.Flags().StringVar(&mergeStrategy, "strategy", "merge",
		"integration strategy: merge, squash, or rebase")
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	root, err := workingRepo(ctx)
	if err != nil {
		return err
	}
	slug := ""
	if len(args) == 1 {
		slug = args[0]
	}
	f, err := resolveFeature(root, slug)
	if err != nil {
		return err
	}

	target := mergeTarget
	if target == "" {
		target = cfg.TargetBranch
	}
	strategy, err := vcs.ParseStrategy(mergeStrategy)
	if err != nil {
		return coded(codeUsage, err)
	}

	coord := merge.NewCoordinator(f, newStore(f), newBackend(root), target, strategy)
	st, err := coord.Run(ctx, mergeResume)
	if err != nil {
		if errors.Is(err, merge.ErrPendingConflicts) && st != nil {
			return &CodedError{
				Code: codeVCS,
				Err:  err,
				Data: map[string]any{
					"current_wp":    st.CurrentWP,
					"pending_paths": st.PendingPaths,
					"completed_wps": st.CompletedWPs,
					"remaining_wps": st.RemainingWPs(),
				},
			}
		}
		if errors.Is(err, merge.ErrNothingToMerge) {
			return coded(codeValidation, err)
		}
		return coded(codeVCS, err)
	}

	emitSuccess(cmd.Name(), map[string]any{
		"feature_slug":     f.Slug,
		"target_branch":    st.TargetBranch,
		"strategy":         st.Strategy,
		"merged":           st.CompletedWPs,
		"progress_percent": st.ProgressPercent(),
	}, func() {
		okLine("Merged %d work packages into %s", len(st.CompletedWPs), st.TargetBranch)
		nodes := make([]treeNode, 0, len(st.WPOrder))
		for _, id := range st.WPOrder {
			nodes = append(nodes, treeNode{
				label:  id,
				status: "merged",
				style:  styleSuccess,
			})
		}
		renderTree(fmt.Sprintf("%s → %s", f.Slug, st.TargetBranch), nodes)
	})
	return nil
}
