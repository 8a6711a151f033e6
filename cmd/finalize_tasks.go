package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/speckitty/speckitty/internal/feature"
)

var finalizeTasksCmd = &cobra.Command{
	Use:   "finalize-tasks <feature>",
	Short: "Validate the WP dependency graph and switch the feature to snapshot-authoritative status",
	Args:  cobra.ExactArgs(1),
	RunE:  runFinalizeTasks,
}

func init() {
	rootCmd.AddCommand(finalizeTasksCmd)
}

func runFinalizeTasks(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	root, err := workingRepo(ctx)
	if err != nil {
		return err
	}
	f, err := resolveFeature(root, args[0])
	if err != nil {
		return err
	}

	files, err := f.ListWPFiles()
	if err != nil {
		return coded(codeValidation, err)
	}
	if len(files) == 0 {
		return codedf(codeValidation, "feature %s has no WP task files under %s/", f.Slug, feature.TasksDir)
	}
	if err := feature.ValidateDependencies(files); err != nil {
		return coded(codeValidation, err)
	}
	order := feature.TopoOrder(files)

	store := newStore(f)
	snap, err := store.Materialize()
	if err != nil {
		return coded(codeValidation, err)
	}

	byID := make(map[string]*feature.WPFile, len(files))
	for _, wp := range files {
		byID[wp.Front.WPID] = wp
	}
	var index strings.Builder
	fmt.Fprintf(&index, "# Tasks: %s\n\n", f.Slug)
	for _, id := range order {
		wp := byID[id]
		line := fmt.Sprintf("- [%s] %s — %s", snap.Lane(id), id, wp.Front.Title)
		if len(wp.Front.Dependencies) > 0 {
			line += fmt.Sprintf(" (depends on %s)", strings.Join(wp.Front.Dependencies, ", "))
		}
		index.WriteString(line + "\n")
	}
	if err := os.WriteFile(f.Path(feature.TasksFile), []byte(index.String()), 0o644); err != nil { //nolint:gosec // G306: artefact file
		return coded(codeVCS, fmt.Errorf("writing %s: %w", feature.TasksFile, err))
	}

	meta, err := f.LoadMeta()
	if err != nil {
		return coded(codeValidation, err)
	}
	meta.StatusPhase = 2
	if err := f.SaveMeta(meta); err != nil {
		return coded(codeVCS, err)
	}

	emitSuccess(cmd.Name(), map[string]any{
		"feature_slug":  f.Slug,
		"work_packages": len(files),
		"order":         order,
		"status_phase":  2,
	}, func() {
		okLine("Finalized %d work packages for %s (now snapshot-authoritative)", len(files), f.Slug)
		nodes := make([]treeNode, 0, len(order))
		for _, id := range order {
			l := snap.Lane(id)
			nodes = append(nodes, treeNode{
				label:  fmt.Sprintf("%s %s", id, byID[id].Front.Title),
				status: string(l),
				style:  laneStyle(l),
			})
		}
		renderTree(f.Slug, nodes)
	})
	return nil
}
