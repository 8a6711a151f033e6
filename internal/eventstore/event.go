// Package eventstore owns the per-feature append-only status event log
// (events.jsonl), the pure reducer that derives the snapshot (status.json),
// and the drift checks between the canonical snapshot and derived views.
package eventstore

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/speckitty/speckitty/internal/lane"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID generates a new ULID string for a status event.
func NewEventID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// StatusEvent is one immutable lane transition record, one JSON line in
// events.jsonl. Events are deduplicated by EventID (first occurrence wins).
type StatusEvent struct {
	EventID       string         `json:"event_id"`
	FeatureSlug   string         `json:"feature_slug"`
	WPID          string         `json:"wp_id"`
	FromLane      lane.Lane      `json:"from_lane"`
	ToLane        lane.Lane      `json:"to_lane"`
	At            time.Time      `json:"at"`
	Actor         string         `json:"actor"`
	Force         bool           `json:"force"`
	ExecutionMode string         `json:"execution_mode"`
	Reason        string         `json:"reason,omitempty"`
	ReviewRef     string         `json:"review_ref,omitempty"`
	Evidence      *lane.Evidence `json:"evidence,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// IsRollback reports whether this event is a review rollback: a transition
// out of for_review into a non-terminal lane carrying a review_ref. At equal
// timestamps a rollback beats concurrent forward progression.
func (e *StatusEvent) IsRollback() bool {
	return e.FromLane == lane.ForReview && !e.ToLane.IsTerminal() && e.ReviewRef != ""
}

// rollbackRank orders events at equal timestamps: forward transitions apply
// first (rank 0), rollbacks apply last (rank 1) and therefore win.
func (e *StatusEvent) rollbackRank() int {
	if e.IsRollback() {
		return 1
	}
	return 0
}

// Validate checks the structural shape of an event before it may be appended.
func (e *StatusEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.FeatureSlug == "" {
		return fmt.Errorf("feature_slug is required")
	}
	if e.WPID == "" {
		return fmt.Errorf("wp_id is required")
	}
	if !e.FromLane.IsValid() {
		return fmt.Errorf("invalid from_lane %q", e.FromLane)
	}
	if !e.ToLane.IsValid() {
		return fmt.Errorf("invalid to_lane %q", e.ToLane)
	}
	if e.At.IsZero() {
		return fmt.Errorf("at timestamp is required")
	}
	return nil
}

// Normalize resolves lane aliases on both sides and forces the timestamp to
// UTC. Aliases never enter storage; only canonical forms do.
func (e *StatusEvent) Normalize() error {
	from, err := lane.Parse(string(e.FromLane))
	if err != nil {
		return fmt.Errorf("from_lane: %w", err)
	}
	to, err := lane.Parse(string(e.ToLane))
	if err != nil {
		return fmt.Errorf("to_lane: %w", err)
	}
	e.FromLane = from
	e.ToLane = to
	e.At = e.At.UTC()
	return nil
}
