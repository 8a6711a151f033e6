package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/speckitty/speckitty/internal/eventstore"
	"github.com/speckitty/speckitty/internal/feature"
)

var validateCmd = &cobra.Command{
	Use:   "validate [feature]",
	Short: "Check status integrity: snapshot drift, frontmatter drift and dependency cycles",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
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

	store := newStore(f)
	var problems []string
	var warnings []string

	if err := store.ValidateMaterializationDrift(); err != nil {
		problems = append(problems, err.Error())
	}

	meta, err := f.LoadMeta()
	if err != nil {
		return coded(codeValidation, err)
	}
	issues, err := store.ValidateDerivedViews(meta.StatusPhase)
	if err != nil {
		return coded(codeValidation, err)
	}
	issueData := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		issueData = append(issueData, map[string]any{
			"wp_id":     issue.WPID,
			"file":      string(issue.FileLane),
			"canonical": string(issue.Canonical),
			"severity":  string(issue.Severity),
		})
		if issue.Severity == eventstore.DriftError {
			problems = append(problems, issue.String())
		} else {
			warnings = append(warnings, issue.String())
		}
	}

	files, err := f.ListWPFiles()
	if err != nil {
		return coded(codeValidation, err)
	}
	if err := feature.ValidateDependencies(files); err != nil {
		problems = append(problems, err.Error())
	}

	data := map[string]any{
		"feature_slug": f.Slug,
		"status_phase": meta.StatusPhase,
		"issues":       issueData,
		"errors":       len(problems),
		"warnings":     len(warnings),
	}
	if len(problems) > 0 {
		return &CodedError{
			Code: codeValidation,
			Data: data,
			Err:  fmt.Errorf("%d integrity problems in %s: %s", len(problems), f.Slug, problems[0]),
		}
	}

	emitSuccess(cmd.Name(), data, func() {
		okLine("Status integrity for %s is clean (%d WPs)", f.Slug, len(files))
		for _, w := range warnings {
			warnLine("%s", w)
		}
	})
	if len(warnings) > 0 && !jsonOut {
		dimLine("  warnings do not fail validation at phase %d", meta.StatusPhase)
	}
	return nil
}
