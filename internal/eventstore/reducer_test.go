package eventstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/speckitty/speckitty/internal/lane"
)

var baseTime = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func evt(id, wp string, from, to lane.Lane, at time.Time) *StatusEvent {
	return &StatusEvent{
		EventID:       id,
		FeatureSlug:   "001-test",
		WPID:          wp,
		FromLane:      from,
		ToLane:        to,
		At:            at,
		Actor:         "tester",
		ExecutionMode: "single-ai",
	}
}

func TestReduce_Empty(t *testing.T) {
	snap := Reduce(nil)
	assert.Empty(t, snap.WorkPackages)
	assert.Equal(t, 0, snap.EventCount)
	assert.Equal(t, lane.Planned, snap.Lane("WP01"))
}

func TestReduce_LastWriteWinsPerWP(t *testing.T) {
	events := []*StatusEvent{
		evt("01A", "WP01", lane.Planned, lane.Claimed, baseTime),
		evt("01B", "WP01", lane.Claimed, lane.InProgress, baseTime.Add(time.Minute)),
		evt("01C", "WP02", lane.Planned, lane.Claimed, baseTime.Add(2*time.Minute)),
	}
	snap := Reduce(events)
	assert.Equal(t, lane.InProgress, snap.Lane("WP01"))
	assert.Equal(t, lane.Claimed, snap.Lane("WP02"))
	assert.Equal(t, "01B", snap.WorkPackages["WP01"].LastEventID)
	assert.Equal(t, 3, snap.EventCount)
	assert.Equal(t, 1, snap.Summary[string(lane.InProgress)])
	assert.Equal(t, 1, snap.Summary[string(lane.Claimed)])
}

// A review rollback at the same timestamp as a concurrent forward transition
// must win.
func TestReduce_RollbackBeatsConcurrentForward(t *testing.T) {
	rollback := evt("ZZZ", "WP01", lane.ForReview, lane.InProgress, baseTime)
	rollback.ReviewRef = "review-7"
	forward := evt("AAA", "WP01", lane.ForReview, lane.Done, baseTime)

	// Rollback wins regardless of log order and of event_id ordering.
	for name, events := range map[string][]*StatusEvent{
		"rollback first": {rollback, forward},
		"forward first":  {forward, rollback},
	} {
		t.Run(name, func(t *testing.T) {
			snap := Reduce(events)
			assert.Equal(t, lane.InProgress, snap.Lane("WP01"))
			assert.Equal(t, "review-7", snap.WorkPackages["WP01"].ReviewRef)
		})
	}
}

func TestReduce_RollbackRankOnlyAppliesAtEqualTimestamps(t *testing.T) {
	rollback := evt("ZZZ", "WP01", lane.ForReview, lane.InProgress, baseTime)
	rollback.ReviewRef = "review-7"
	later := evt("AAA", "WP01", lane.InProgress, lane.Done, baseTime.Add(time.Second))

	snap := Reduce([]*StatusEvent{later, rollback})
	assert.Equal(t, lane.Done, snap.Lane("WP01"))
}

func TestReduce_DuplicatesFirstWins(t *testing.T) {
	a := evt("SAME", "WP01", lane.Planned, lane.Claimed, baseTime)
	b := evt("SAME", "WP01", lane.Planned, lane.Canceled, baseTime)
	snap := Reduce([]*StatusEvent{a, b, a})
	assert.Equal(t, 1, snap.EventCount)
	assert.Equal(t, lane.Claimed, snap.Lane("WP01"))
}

func TestReduce_ForceCountAccumulates(t *testing.T) {
	e1 := evt("001", "WP01", lane.Planned, lane.Done, baseTime)
	e1.Force = true
	e1.Reason = "hotfix shipped out of band"
	e2 := evt("002", "WP01", lane.Done, lane.InProgress, baseTime.Add(time.Minute))
	e2.Force = true
	e2.Reason = "reopening"

	snap := Reduce([]*StatusEvent{e1, e2})
	assert.Equal(t, 2, snap.WorkPackages["WP01"].ForceCount)
	assert.Equal(t, lane.InProgress, snap.Lane("WP01"))
}

func TestApply_EquivalentToFullReduce(t *testing.T) {
	events := []*StatusEvent{
		evt("001", "WP01", lane.Planned, lane.Claimed, baseTime),
		evt("002", "WP01", lane.Claimed, lane.InProgress, baseTime.Add(time.Minute)),
	}
	next := evt("003", "WP01", lane.InProgress, lane.ForReview, baseTime.Add(2*time.Minute))

	incremental := Apply(Reduce(events), next)
	full := Reduce(append(events, next))
	assert.True(t, full.Equal(incremental), "apply(reduce(log), e) != reduce(log+e)")
}

// Reduce must be a pure function of the event set: any permutation of the
// log, with or without duplicate lines, reduces to the same snapshot.
func TestReduce_OrderIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lanes := lane.All()
		n := rapid.IntRange(1, 12).Draw(t, "n")
		events := make([]*StatusEvent, n)
		for i := range events {
			wp := fmt.Sprintf("WP%02d", rapid.IntRange(1, 3).Draw(t, fmt.Sprintf("wp%d", i)))
			from := lanes[rapid.IntRange(0, len(lanes)-1).Draw(t, fmt.Sprintf("from%d", i))]
			to := lanes[rapid.IntRange(0, len(lanes)-1).Draw(t, fmt.Sprintf("to%d", i))]
			at := baseTime.Add(time.Duration(rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("at%d", i))) * time.Second)
			e := evt(fmt.Sprintf("%03d", i), wp, from, to, at)
			if from == lane.ForReview && !to.IsTerminal() && rapid.Bool().Draw(t, fmt.Sprintf("rb%d", i)) {
				e.ReviewRef = "review-1"
			}
			events[i] = e
		}

		perm := rapid.Permutation(events).Draw(t, "perm")
		withDup := append(append([]*StatusEvent{}, perm...), perm[0])

		want := Reduce(events)
		if !want.Equal(Reduce(perm)) {
			t.Fatalf("permuted log reduced differently")
		}
		if !want.Equal(Reduce(withDup)) {
			t.Fatalf("duplicated log reduced differently")
		}
	})
}

func TestSnapshot_EqualIgnoresGeneratedAt(t *testing.T) {
	events := []*StatusEvent{evt("001", "WP01", lane.Planned, lane.Claimed, baseTime)}
	a := Reduce(events)
	b := Reduce(events)
	b.GeneratedAt = b.GeneratedAt.Add(time.Hour)
	assert.True(t, a.Equal(b))
}

func TestNewEventID_MonotonicWithinProcess(t *testing.T) {
	prev := NewEventID()
	for i := 0; i < 100; i++ {
		next := NewEventID()
		require.Greater(t, next, prev)
		prev = next
	}
}
