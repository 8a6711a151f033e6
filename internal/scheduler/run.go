// Package scheduler advances every WP of a feature through implementation
// and review, driving the lane state machine as the authoritative substrate.
package scheduler

import (
	"time"
)

// Phase is a WP's position in the orchestration pipeline.
type Phase string

const (
	PhasePending        Phase = "PENDING"
	PhaseReady          Phase = "READY"
	PhaseImplementation Phase = "IMPLEMENTATION"
	PhaseReview         Phase = "REVIEW"
	PhaseCompleted      Phase = "COMPLETED"
	PhaseFailed         Phase = "FAILED"
)

// IsTerminal reports whether the phase is a final scheduler state.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// ErrBlockedByDeps is the last_error recorded on WPs failed by cascade.
const ErrBlockedByDeps = "Blocked by failed dependencies"

// WPExecution tracks one WP's progress through a run. Mutated only inside
// the scheduler loop.
type WPExecution struct {
	WPID         string   `json:"wp_id"`
	Title        string   `json:"title"`
	Phase        Phase    `json:"phase"`
	Dependencies []string `json:"dependencies"`

	Agent                 string    `json:"agent,omitempty"`
	Branch                string    `json:"branch,omitempty"`
	WorkspacePath         string    `json:"workspace_path,omitempty"`
	ImplementationRetries int       `json:"implementation_retries"`
	ReviewRetries         int       `json:"review_retries"`
	FallbackAgentsTried   []string  `json:"fallback_agents_tried,omitempty"`
	LastError             string    `json:"last_error,omitempty"`
	Stale                 bool      `json:"stale"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// OrchestrationRun is the full state of one scheduler run over a feature.
type OrchestrationRun struct {
	RunID       string                  `json:"run_id"`
	FeatureSlug string                  `json:"feature_slug"`
	Order       []string                `json:"order"`
	WPs         map[string]*WPExecution `json:"work_packages"`
	StartedAt   time.Time               `json:"started_at"`
	FinishedAt  time.Time               `json:"finished_at,omitempty"`
}

// Done reports whether every WP has reached a terminal phase.
func (r *OrchestrationRun) Done() bool {
	for _, wp := range r.WPs {
		if !wp.Phase.IsTerminal() {
			return false
		}
	}
	return true
}

// Counts returns per-phase totals for progress reporting.
func (r *OrchestrationRun) Counts() map[Phase]int {
	counts := make(map[Phase]int)
	for _, wp := range r.WPs {
		counts[wp.Phase]++
	}
	return counts
}

// depsCompleted reports whether every dependency of wp is COMPLETED.
func (r *OrchestrationRun) depsCompleted(wp *WPExecution) bool {
	for _, dep := range wp.Dependencies {
		if d, ok := r.WPs[dep]; !ok || d.Phase != PhaseCompleted {
			return false
		}
	}
	return true
}

// depFailed reports whether any dependency of wp is FAILED.
func (r *OrchestrationRun) depFailed(wp *WPExecution) bool {
	for _, dep := range wp.Dependencies {
		if d, ok := r.WPs[dep]; ok && d.Phase == PhaseFailed {
			return true
		}
	}
	return false
}
