package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/speckitty/speckitty/internal/feature"
)

var setupPlanCmd = &cobra.Command{
	Use:   "setup-plan <feature>",
	Short: "Seed the implementation plan document for a feature",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetupPlan,
}

func init() {
	rootCmd.AddCommand(setupPlanCmd)
}

func planTemplate(slug string) string {
	return fmt.Sprintf(`# Implementation Plan: %s

## Approach

Describe the technical approach before breaking it into work packages.

## Work Packages

Add one WP task file per unit of work under tasks/, then run
finalize-tasks to lock the dependency graph.

## Risks

`, slug)
}

func runSetupPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	root, err := workingRepo(ctx)
	if err != nil {
		return err
	}
	f, err := resolveFeature(root, args[0])
	if err != nil {
		return err
	}

	planPath := f.Path(feature.PlanFile)
	existing, readErr := os.ReadFile(planPath) //nolint:gosec // G304: path inside the feature dir
	if readErr != nil && !os.IsNotExist(readErr) {
		return coded(codeVCS, fmt.Errorf("reading %s: %w", feature.PlanFile, readErr))
	}
	seeded := false
	if len(strings.TrimSpace(string(existing))) == 0 {
		if err := os.WriteFile(planPath, []byte(planTemplate(f.Slug)), 0o644); err != nil { //nolint:gosec // G306: artefact file
			return coded(codeVCS, fmt.Errorf("writing %s: %w", feature.PlanFile, err))
		}
		seeded = true
	}

	emitSuccess(cmd.Name(), map[string]any{
		"feature_slug": f.Slug,
		"plan":         planPath,
		"seeded":       seeded,
	}, func() {
		if seeded {
			okLine("Seeded plan for %s", f.Slug)
		} else {
			okLine("Plan for %s already has content; left untouched", f.Slug)
		}
		dimLine("  %s", planPath)
	})
	return nil
}
