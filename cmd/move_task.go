package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/speckitty/speckitty/internal/eventstore"
	"github.com/speckitty/speckitty/internal/feature"
	"github.com/speckitty/speckitty/internal/lane"
)

var (
	moveTaskFeature   string
	moveTaskTo        string
	moveTaskActor     string
	moveTaskForce     bool
	moveTaskReason    string
	moveTaskReviewRef string
	moveTaskReviewer  string
	moveTaskVerdict   string
	moveTaskWorkspace string
	moveTaskEvidence  bool
)

var moveTaskCmd = &cobra.Command{
	Use:   "move-task <WP>",
	Short: "Move a work package to another lane, appending a status event",
	Args:  cobra.ExactArgs(1),
	RunE:  runMoveTask,
}

func init() {
	fl := moveTaskCmd.Flags()
	fl.StringVar(&moveTaskFeature, "feature", "", "feature slug (default: the only feature)")
	fl.StringVar(&moveTaskTo, "to", "", "target lane (alias \"doing\" accepted)")
	fl.StringVar(&moveTaskActor, "actor", "", "who moves the WP (default: current user)")
	fl.BoolVar(&moveTaskForce, "force", false, "override terminal-lane protection (requires --reason)")
	fl.StringVar(&moveTaskReason, "reason", "", "why the move is happening")
	fl.StringVar(&moveTaskReviewRef, "review-ref", "", "review reference for rollbacks and approvals")
	fl.StringVar(&moveTaskReviewer, "reviewer", "", "reviewer recorded in done evidence")
	fl.StringVar(&moveTaskVerdict, "verdict", "", "review verdict recorded in done evidence")
	fl.StringVar(&moveTaskWorkspace, "workspace", "", "workspace path or branch proving isolation")
	fl.BoolVar(&moveTaskEvidence, "evidence", false, "implementation evidence is attached to the WP")
	_ = moveTaskCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(moveTaskCmd)
}

func runMoveTask(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	wpID := args[0]
	if err := feature.ValidateWPID(wpID); err != nil {
		return coded(codeUsage, err)
	}

	root, err := workingRepo(ctx)
	if err != nil {
		return err
	}
	f, err := resolveFeature(root, moveTaskFeature)
	if err != nil {
		return err
	}
	wpf, err := f.FindWPFile(wpID)
	if err != nil {
		return coded(codeValidation, err)
	}

	store := newStore(f)
	snap, err := store.Materialize()
	if err != nil {
		return coded(codeValidation, err)
	}
	from := snap.Lane(wpID)
	to, err := lane.Parse(moveTaskTo)
	if err != nil {
		return coded(codeValidation, err)
	}

	actor := defaultActor(moveTaskActor)
	req := lane.Request{
		From:                   from,
		To:                     to,
		Actor:                  actor,
		Force:                  moveTaskForce,
		Reason:                 moveTaskReason,
		ReviewRef:              moveTaskReviewRef,
		WorkspaceContext:       moveTaskWorkspace,
		SubtasksComplete:       wpf.SubtasksComplete(),
		ImplementationEvidence: moveTaskEvidence,
	}
	if moveTaskVerdict != "" {
		req.Evidence = &lane.Evidence{Review: &lane.ReviewEvidence{
			Reviewer:  moveTaskReviewer,
			Verdict:   moveTaskVerdict,
			Reference: moveTaskReviewRef,
		}}
	}
	if err := lane.Validate(req); err != nil {
		return coded(codeValidation, err)
	}

	ev := &eventstore.StatusEvent{
		EventID:       eventstore.NewEventID(),
		FeatureSlug:   f.Slug,
		WPID:          wpID,
		FromLane:      from,
		ToLane:        to,
		At:            time.Now().UTC(),
		Actor:         actor,
		Force:         moveTaskForce,
		ExecutionMode: cfg.Orchestration.ExecutionMode,
		Reason:        moveTaskReason,
		ReviewRef:     moveTaskReviewRef,
		Evidence:      req.Evidence,
	}
	if err := store.Append(ev); err != nil {
		return coded(codeValidation, err)
	}

	if em, done, emErr := newEmitter(f); emErr == nil && em != nil {
		em.EmitStatusTransition(ctx, ev)
		done()
	}

	emitSuccess(cmd.Name(), map[string]any{
		"feature_slug": f.Slug,
		"wp_id":        wpID,
		"from":         string(ev.FromLane),
		"to":           string(ev.ToLane),
		"event_id":     ev.EventID,
		"force":        ev.Force,
	}, func() {
		okLine("%s: %s → %s", wpID,
			laneStyle(ev.FromLane).Render(string(ev.FromLane)),
			laneStyle(ev.ToLane).Render(string(ev.ToLane)))
		if ev.Force {
			warnLine("forced by %s: %s", actor, ev.Reason)
		}
	})
	return nil
}
