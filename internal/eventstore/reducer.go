package eventstore

import (
	"sort"
	"time"

	"github.com/speckitty/speckitty/internal/lane"
)

// WPState is the reduced view of one work package.
type WPState struct {
	Lane        lane.Lane `json:"lane"`
	Actor       string    `json:"actor,omitempty"`
	LastEventID string    `json:"last_event_id"`
	ForceCount  int       `json:"force_count"`
	ReviewRef   string    `json:"review_ref,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snapshot is the materialized view derived from the event log. It is
// regenerable from the log via Reduce and is authoritative for reads.
type Snapshot struct {
	WorkPackages map[string]WPState `json:"work_packages"`
	Summary      map[string]int     `json:"summary"`
	EventCount   int                `json:"event_count"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		WorkPackages: make(map[string]WPState),
		Summary:      make(map[string]int),
	}
}

// Lane returns the reduced lane for a WP, defaulting to planned for WPs the
// log has never mentioned.
func (s *Snapshot) Lane(wpID string) lane.Lane {
	if st, ok := s.WorkPackages[wpID]; ok {
		return st.Lane
	}
	return lane.Planned
}

// Reduce deterministically folds events into a snapshot:
//
//  1. Deduplicate by event_id, first occurrence wins.
//  2. Sort by (at, rollback_rank, event_id): at equal timestamps forward
//     transitions apply first and a review rollback applies last, so the
//     rollback beats concurrent forward progression. Equal-rank ties fall
//     back to event_id order, meaning the later id wins on application.
//  3. Apply in order, last write wins per WP; count forced transitions.
//
// Reduce is pure: it never touches the filesystem and never mutates input.
func Reduce(events []*StatusEvent) *Snapshot {
	deduped := Dedup(events)
	sorted := make([]*StatusEvent, len(deduped))
	copy(sorted, deduped)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		if ra, rb := a.rollbackRank(), b.rollbackRank(); ra != rb {
			return ra < rb
		}
		return a.EventID < b.EventID
	})

	snap := NewSnapshot()
	for _, e := range sorted {
		applyEvent(snap, e)
	}
	snap.EventCount = len(deduped)
	snap.recount()
	snap.GeneratedAt = time.Now().UTC()
	return snap
}

// Dedup removes duplicate event ids, keeping the first occurrence in input
// order.
func Dedup(events []*StatusEvent) []*StatusEvent {
	seen := make(map[string]bool, len(events))
	var out []*StatusEvent
	for _, e := range events {
		if e == nil || seen[e.EventID] {
			continue
		}
		seen[e.EventID] = true
		out = append(out, e)
	}
	return out
}

// Apply folds a single event into an existing snapshot. Appending an event
// to the log and re-reducing is equivalent to Apply on the prior snapshot.
func Apply(snap *Snapshot, e *StatusEvent) *Snapshot {
	applyEvent(snap, e)
	snap.EventCount++
	snap.recount()
	snap.GeneratedAt = time.Now().UTC()
	return snap
}

func applyEvent(snap *Snapshot, e *StatusEvent) {
	st := snap.WorkPackages[e.WPID]
	st.Lane = e.ToLane
	if e.Actor != "" {
		st.Actor = e.Actor
	}
	st.LastEventID = e.EventID
	st.ReviewRef = e.ReviewRef
	if e.Force {
		st.ForceCount++
	}
	st.UpdatedAt = e.At
	snap.WorkPackages[e.WPID] = st
}

// recount rebuilds the per-lane summary from the WP map.
func (s *Snapshot) recount() {
	summary := make(map[string]int)
	for _, st := range s.WorkPackages {
		summary[string(st.Lane)]++
	}
	s.Summary = summary
}

// Equal compares the reduced content of two snapshots, ignoring generation
// timestamps. Used by drift validation.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s.EventCount != other.EventCount {
		return false
	}
	if len(s.WorkPackages) != len(other.WorkPackages) {
		return false
	}
	for id, st := range s.WorkPackages {
		ot, ok := other.WorkPackages[id]
		if !ok {
			return false
		}
		if st.Lane != ot.Lane || st.Actor != ot.Actor ||
			st.LastEventID != ot.LastEventID || st.ForceCount != ot.ForceCount ||
			st.ReviewRef != ot.ReviewRef || !st.UpdatedAt.Equal(ot.UpdatedAt) {
			return false
		}
	}
	return true
}
