// Package agent abstracts the headless AI agents that implement and review
// work packages. Each provider is an external command invoked with a prompt
// and a workspace; the scheduler only sees the Invoker interface.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role distinguishes the two invocation modes of an agent.
type Role string

const (
	RoleImplementer Role = "implementer"
	RoleReviewer    Role = "reviewer"
)

// ReviewVerdict is the parsed outcome of a review invocation.
type ReviewVerdict string

const (
	VerdictApproved         ReviewVerdict = "approved"
	VerdictChangesRequested ReviewVerdict = "changes_requested"
)

// ErrTimeout is returned when an agent invocation exceeds its deadline.
var ErrTimeout = errors.New("agent invocation timed out")

// Request describes one agent invocation.
type Request struct {
	Role          Role
	FeatureSlug   string
	WPID          string
	Prompt        string
	WorkspacePath string
}

// Result is what an invocation produced.
type Result struct {
	Output   string
	Verdict  ReviewVerdict
	Duration time.Duration
}

// Invoker runs one agent provider.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// ParseReviewVerdict extracts the review outcome from agent output. The
// contract with review prompts is a final marker line REVIEW: approved or
// REVIEW: changes_requested; a bare keyword anywhere in the output is
// accepted as a fallback.
func ParseReviewVerdict(output string) (ReviewVerdict, error) {
	lower := strings.ToLower(output)
	for _, line := range strings.Split(lower, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "review:"); ok {
			switch strings.TrimSpace(rest) {
			case string(VerdictApproved):
				return VerdictApproved, nil
			case string(VerdictChangesRequested):
				return VerdictChangesRequested, nil
			}
		}
	}
	if strings.Contains(lower, string(VerdictChangesRequested)) {
		return VerdictChangesRequested, nil
	}
	if strings.Contains(lower, string(VerdictApproved)) {
		return VerdictApproved, nil
	}
	return "", fmt.Errorf("no review verdict found in agent output")
}
