// Package lane defines the canonical work-package lanes and the closed
// transition table that governs movement between them. It is a pure
// computational layer: callers translate returned errors into envelopes.
package lane

import "fmt"

// Lane is the canonical status of a work package. Exactly seven values exist;
// the alias "doing" is accepted on input and resolves to in_progress before
// anything is persisted.
type Lane string

const (
	Planned    Lane = "planned"
	Claimed    Lane = "claimed"
	InProgress Lane = "in_progress"
	ForReview  Lane = "for_review"
	Done       Lane = "done"
	Blocked    Lane = "blocked"
	Canceled   Lane = "canceled"
)

// aliasDoing is accepted on input in place of in_progress.
const aliasDoing = "doing"

// All returns the canonical lanes in lifecycle order.
func All() []Lane {
	return []Lane{Planned, Claimed, InProgress, ForReview, Done, Blocked, Canceled}
}

// String returns the string representation of the lane.
func (l Lane) String() string {
	return string(l)
}

// IsValid returns true for one of the seven canonical lanes.
func (l Lane) IsValid() bool {
	switch l {
	case Planned, Claimed, InProgress, ForReview, Done, Blocked, Canceled:
		return true
	}
	return false
}

// IsTerminal reports whether the lane is terminal (done or canceled).
func (l Lane) IsTerminal() bool {
	return l == Done || l == Canceled
}

// Parse resolves an input string to a canonical lane. The alias "doing"
// resolves to in_progress; anything else must already be canonical.
func Parse(s string) (Lane, error) {
	if s == aliasDoing {
		return InProgress, nil
	}
	l := Lane(s)
	if !l.IsValid() {
		return "", fmt.Errorf("unknown lane %q", s)
	}
	return l, nil
}

// MergePriority orders lanes by how far along the lifecycle they are.
// Used by the merge coordinator's "more-done wins" conflict policy:
// done > for_review > in_progress > claimed > planned > blocked > canceled.
func (l Lane) MergePriority() int {
	switch l {
	case Done:
		return 6
	case ForReview:
		return 5
	case InProgress:
		return 4
	case Claimed:
		return 3
	case Planned:
		return 2
	case Blocked:
		return 1
	case Canceled:
		return 0
	default:
		return -1
	}
}
