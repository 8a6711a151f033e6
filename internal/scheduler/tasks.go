package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/speckitty/speckitty/internal/agent"
	"github.com/speckitty/speckitty/internal/eventstore"
	"github.com/speckitty/speckitty/internal/lane"
	"github.com/speckitty/speckitty/internal/log"
	"github.com/speckitty/speckitty/internal/telemetry"
)

// implement runs one implementation round for a WP: claim it, ensure its
// workspace exists, invoke the implementer, and hand the result to review.
func (s *Scheduler) implement(ctx context.Context, wp *WPExecution) completion {
	fail := func(err error) completion {
		return completion{wpID: wp.WPID, phase: PhaseImplementation, outcome: outcomeError, err: err}
	}

	snap, err := s.store.LoadSnapshot()
	if err != nil {
		return fail(err)
	}
	current := snap.Lane(wp.WPID)

	if current == lane.Planned {
		if err := s.transition(wp, lane.Planned, lane.Claimed, lane.Request{Actor: wp.Agent}); err != nil {
			return fail(err)
		}
		current = lane.Claimed
	}

	workspace := wp.WorkspacePath
	if workspace == "" && s.backend != nil {
		workspace, err = s.backend.CreateWorkspace(ctx, wp.Branch, s.opts.TargetBranch)
		if err != nil {
			return fail(fmt.Errorf("creating workspace: %w", err))
		}
		s.noteWorkspace(wp.WPID, workspace)
	}

	if current == lane.Claimed {
		// Without a VCS backend the branch name stands in as the
		// workspace context.
		wsContext := workspace
		if wsContext == "" {
			wsContext = wp.Branch
		}
		if err := s.transition(wp, lane.Claimed, lane.InProgress, lane.Request{
			Actor:            wp.Agent,
			WorkspaceContext: wsContext,
		}); err != nil {
			return fail(err)
		}
	}

	invoker, ok := s.agents[wp.Agent]
	if !ok {
		return fail(fmt.Errorf("agent %q is not configured", wp.Agent))
	}

	start := time.Now()
	res, err := invoker.Invoke(ctx, agent.Request{
		Role:          agent.RoleImplementer,
		FeatureSlug:   s.feat.Slug,
		WPID:          wp.WPID,
		Prompt:        s.implementPrompt(wp),
		WorkspacePath: workspace,
	})
	s.recordExecution(wp, agent.RoleImplementer, start, err)
	if err != nil {
		return fail(fmt.Errorf("implementation: %w", err))
	}

	s.commitWorkspace(ctx, wp, workspace)

	subtasksDone := true
	if wpFile, ferr := s.feat.FindWPFile(wp.WPID); ferr == nil {
		subtasksDone = wpFile.SubtasksComplete()
	}
	if err := s.transition(wp, lane.InProgress, lane.ForReview, lane.Request{
		Actor:                  wp.Agent,
		SubtasksComplete:       subtasksDone,
		ImplementationEvidence: res != nil && res.Output != "",
	}); err != nil {
		return fail(err)
	}
	return completion{wpID: wp.WPID, phase: PhaseImplementation, outcome: outcomeImplemented}
}

// review invokes the reviewer on the WP's workspace and moves the lane by
// the parsed verdict.
func (s *Scheduler) review(ctx context.Context, wp *WPExecution) completion {
	fail := func(err error) completion {
		return completion{wpID: wp.WPID, phase: PhaseReview, outcome: outcomeError, err: err}
	}

	reviewerName := s.opts.ReviewerAgent
	if reviewerName == "" {
		reviewerName = wp.Agent
	}
	invoker, ok := s.agents[reviewerName]
	if !ok {
		return fail(fmt.Errorf("reviewer agent %q is not configured", reviewerName))
	}

	start := time.Now()
	res, err := invoker.Invoke(ctx, agent.Request{
		Role:          agent.RoleReviewer,
		FeatureSlug:   s.feat.Slug,
		WPID:          wp.WPID,
		Prompt:        s.reviewPrompt(wp),
		WorkspacePath: wp.WorkspacePath,
	})
	s.recordExecution(wp, agent.RoleReviewer, start, err)
	if err != nil {
		return fail(fmt.Errorf("review: %w", err))
	}

	reviewRef := fmt.Sprintf("review-%s-%s-%d", s.feat.Slug, strings.ToLower(wp.WPID), wp.ReviewRetries+1)
	if res.Verdict == agent.VerdictApproved {
		if err := s.transition(wp, lane.ForReview, lane.Done, lane.Request{
			Actor: reviewerName,
			Evidence: &lane.Evidence{Review: &lane.ReviewEvidence{
				Reviewer:  reviewerName,
				Verdict:   string(agent.VerdictApproved),
				Reference: reviewRef,
			}},
		}); err != nil {
			return fail(err)
		}
		return completion{wpID: wp.WPID, phase: PhaseReview, outcome: outcomeApproved}
	}

	if err := s.transition(wp, lane.ForReview, lane.InProgress, lane.Request{
		Actor:     reviewerName,
		ReviewRef: reviewRef,
	}); err != nil {
		return fail(err)
	}
	return completion{wpID: wp.WPID, phase: PhaseReview, outcome: outcomeChangesRequested}
}

// transition validates a lane move and appends the status event.
func (s *Scheduler) transition(wp *WPExecution, from, to lane.Lane, req lane.Request) error {
	req.From = from
	req.To = to
	if err := lane.Validate(req); err != nil {
		return err
	}
	return s.store.Append(&eventstore.StatusEvent{
		EventID:       eventstore.NewEventID(),
		FeatureSlug:   s.feat.Slug,
		WPID:          wp.WPID,
		FromLane:      from,
		ToLane:        to,
		At:            time.Now().UTC(),
		Actor:         req.Actor,
		ExecutionMode: s.opts.ExecutionMode,
		Reason:        req.Reason,
		ReviewRef:     req.ReviewRef,
		Evidence:      req.Evidence,
	})
}

// commitWorkspace commits whatever the agent left uncommitted. Best effort:
// review sees the working tree either way.
func (s *Scheduler) commitWorkspace(ctx context.Context, wp *WPExecution, workspace string) {
	if s.backend == nil || workspace == "" {
		return
	}
	changed, err := s.backend.HasChanges(ctx, workspace)
	if err != nil || !changed {
		return
	}
	msg := fmt.Sprintf("%s: implementation round %d", wp.WPID, wp.ImplementationRetries+1)
	if err := s.backend.Commit(ctx, workspace, msg); err != nil {
		log.Warn(log.CatSched, "Committing workspace changes failed",
			"wp", wp.WPID, "error", err)
	}
}

func (s *Scheduler) recordExecution(wp *WPExecution, role agent.Role, start time.Time, err error) {
	ev := telemetry.ExecutionEvent{
		WPID:       wp.WPID,
		Role:       string(role),
		Agent:      wp.Agent,
		Outcome:    telemetry.OutcomeSuccess,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		ev.Outcome = telemetry.OutcomeFailure
		ev.Error = err.Error()
	}
	s.recorder.Record(ev)
}

func (s *Scheduler) implementPrompt(wp *WPExecution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are implementing work package %s (%s) of feature %s.\n\n", wp.WPID, wp.Title, s.feat.Slug)
	if wpFile, err := s.feat.FindWPFile(wp.WPID); err == nil {
		b.WriteString(wpFile.Body)
		b.WriteString("\n\n")
	}
	b.WriteString("Complete every subtask, tick its checkbox in the work package file, and commit your changes.\n")
	return b.String()
}

func (s *Scheduler) reviewPrompt(wp *WPExecution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the implementation of work package %s (%s) of feature %s in this workspace.\n\n", wp.WPID, wp.Title, s.feat.Slug)
	if wpFile, err := s.feat.FindWPFile(wp.WPID); err == nil {
		b.WriteString(wpFile.Body)
		b.WriteString("\n\n")
	}
	b.WriteString("End your answer with exactly one line: REVIEW: approved or REVIEW: changes_requested.\n")
	return b.String()
}
