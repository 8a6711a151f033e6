package cmd

import (
	"github.com/spf13/cobra"

	"github.com/speckitty/speckitty/internal/emitter"
	"github.com/speckitty/speckitty/internal/feature"
)

var (
	createFeatureActor       string
	createFeatureDescription string
)

var createFeatureCmd = &cobra.Command{
	Use:   "create-feature <name>",
	Short: "Create a numbered feature directory under kitty-specs",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreateFeature,
}

func init() {
	createFeatureCmd.Flags().StringVar(&createFeatureActor, "actor", "",
		"who is creating the feature (default: current user)")
	createFeatureCmd.Flags().StringVar(&createFeatureDescription, "description", "",
		"short feature description stored in meta.json")
	rootCmd.AddCommand(createFeatureCmd)
}

func runCreateFeature(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	root, err := workingRepo(ctx)
	if err != nil {
		return err
	}

	actor := defaultActor(createFeatureActor)
	f, err := feature.Create(root, args[0], actor)
	if err != nil {
		return coded(codeValidation, err)
	}

	if createFeatureDescription != "" {
		meta, metaErr := f.LoadMeta()
		if metaErr == nil {
			meta.Description = createFeatureDescription
			_ = f.SaveMeta(meta)
		}
	}

	if em, done, emErr := newEmitter(f); emErr == nil && em != nil {
		em.Emit(ctx, emitter.TypeFeatureCreated, emitter.AggregateFeature, f.Slug, map[string]any{
			"feature_slug": f.Slug,
			"name":         args[0],
			"actor":        actor,
		})
		done()
	}

	emitSuccess(cmd.Name(), map[string]any{
		"feature_slug": f.Slug,
		"dir":          f.Dir,
		"status_phase": 1,
	}, func() {
		okLine("Created feature %s", f.Slug)
		dimLine("  %s", f.Dir)
	})
	return nil
}
