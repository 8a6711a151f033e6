package lane

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when the requested edge is not in the
// transition table and no force override applies.
var ErrIllegalTransition = errors.New("illegal lane transition")

// ErrGuardFailed is returned when the edge exists but its guard condition
// does not hold.
var ErrGuardFailed = errors.New("transition guard failed")

// ErrForceRequires is returned when force is requested without both an actor
// and a reason. Force is a capability, not a bypass: it relaxes guards but
// still demands an auditable who and why.
var ErrForceRequires = errors.New("force requires non-empty actor and reason")

// edge identifies one legal transition.
type edge struct {
	from, to Lane
}

// legalEdges is the closed transition table. Lifecycle forward chain,
// bidirectional abandonment back to planned, review rollback, blocking of any
// non-terminal lane, and cancellation of any non-terminal lane.
var legalEdges = map[edge]bool{
	{Planned, Claimed}:      true,
	{Claimed, Planned}:      true,
	{Claimed, InProgress}:   true,
	{InProgress, Planned}:   true,
	{InProgress, ForReview}: true,
	{ForReview, InProgress}: true,
	{ForReview, Done}:       true,
	{Planned, Blocked}:      true,
	{Claimed, Blocked}:      true,
	{InProgress, Blocked}:   true,
	{ForReview, Blocked}:    true,
	{Blocked, InProgress}:   true,
	{Planned, Canceled}:     true,
	{Claimed, Canceled}:     true,
	{InProgress, Canceled}:  true,
	{ForReview, Canceled}:   true,
	{Blocked, Canceled}:     true,
}

// ReviewEvidence is the approval record demanded by for_review -> done.
type ReviewEvidence struct {
	Reviewer  string `json:"reviewer"`
	Verdict   string `json:"verdict"`
	Reference string `json:"reference"`
}

// Evidence carries transition-specific proof. Currently only done-transitions
// use it, wrapping a review approval.
type Evidence struct {
	Review *ReviewEvidence `json:"review,omitempty"`
}

// Request carries everything a guard may need to admit a transition.
type Request struct {
	From  Lane
	To    Lane
	Actor string
	Force bool

	Reason    string
	ReviewRef string
	Evidence  *Evidence

	// WorkspaceContext is proof that an isolated workspace exists for the WP
	// (the workspace path or branch). Required by claimed -> in_progress.
	WorkspaceContext string

	// SubtasksComplete and ImplementationEvidence gate in_progress -> for_review.
	SubtasksComplete       bool
	ImplementationEvidence bool
}

// guard is a per-edge invariant returning a concrete diagnostic on failure.
type guard func(r Request) string

// guards keys guard conditions by (from, to). Edges absent here have no
// guard beyond table membership.
var guards = map[edge]guard{
	{Planned, Claimed}: func(r Request) string {
		if r.Actor == "" {
			return "claiming a work package requires an actor"
		}
		return ""
	},
	{Claimed, InProgress}: func(r Request) string {
		if r.WorkspaceContext == "" {
			return "starting work requires a workspace (no workspace context provided)"
		}
		return ""
	},
	{InProgress, ForReview}: func(r Request) string {
		if !r.SubtasksComplete {
			return "cannot request review with incomplete subtasks"
		}
		if !r.ImplementationEvidence {
			return "cannot request review without implementation evidence"
		}
		return ""
	},
	{ForReview, InProgress}: func(r Request) string {
		if r.ReviewRef == "" {
			return "review rollback requires a review_ref"
		}
		return ""
	},
	{ForReview, Done}: func(r Request) string {
		if r.Evidence == nil || r.Evidence.Review == nil {
			return "completing review requires review evidence"
		}
		rev := r.Evidence.Review
		if rev.Reviewer == "" || rev.Verdict == "" || rev.Reference == "" {
			return "review evidence requires reviewer, verdict, and reference"
		}
		return ""
	},
	{InProgress, Planned}: requireReason("abandoning in-progress work requires a reason"),
	{Planned, Blocked}:    requireReason("blocking requires a reason"),
	{Claimed, Blocked}:    requireReason("blocking requires a reason"),
	{InProgress, Blocked}: requireReason("blocking requires a reason"),
	{ForReview, Blocked}:  requireReason("blocking requires a reason"),
}

func requireReason(diag string) guard {
	return func(r Request) string {
		if r.Reason == "" {
			return diag
		}
		return ""
	}
}

// Validate checks a transition request against the table and its guard.
//
// Force admits ANY edge, including transitions out of terminal lanes, but
// only when both actor and reason are provided; guards are then bypassed.
// Forced transitions are still recorded and audited by the event store.
func Validate(r Request) error {
	if !r.From.IsValid() {
		return fmt.Errorf("%w: invalid source lane %q", ErrIllegalTransition, r.From)
	}
	if !r.To.IsValid() {
		return fmt.Errorf("%w: invalid target lane %q", ErrIllegalTransition, r.To)
	}

	if r.Force {
		if r.Actor == "" || r.Reason == "" {
			return ErrForceRequires
		}
		return nil
	}

	e := edge{r.From, r.To}
	if !legalEdges[e] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.From, r.To)
	}

	if g, ok := guards[e]; ok {
		if diag := g(r); diag != "" {
			return fmt.Errorf("%w: %s -> %s: %s", ErrGuardFailed, r.From, r.To, diag)
		}
	}

	return nil
}

// LegalTargets returns the lanes reachable from the given lane without force.
func LegalTargets(from Lane) []Lane {
	var targets []Lane
	for _, to := range All() {
		if legalEdges[edge{from, to}] {
			targets = append(targets, to)
		}
	}
	return targets
}
