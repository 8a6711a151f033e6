package emitter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckitty/speckitty/internal/eventstore"
	"github.com/speckitty/speckitty/internal/lane"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"ulid upper", "01ARZ3NDEKTSV4RRFFQ69G5FAV", "01ARZ3NDEKTSV4RRFFQ69G5FAV", false},
		{"ulid lower canonicalized", "01arz3ndektsv4rrffq69g5fav", "01ARZ3NDEKTSV4RRFFQ69G5FAV", false},
		{"ulid excluded char", "01ARZ3NDEKTSV4RRFFQ69G5FAL", "", true},
		{"uuid hyphenated", "C73BCDCC-2669-4BF6-81D3-E4AE73FB11FD", "c73bcdcc-2669-4bf6-81d3-e4ae73fb11fd", false},
		{"uuid bare normalized", "c73bcdcc26694bf681d3e4ae73fb11fd", "c73bcdcc-2669-4bf6-81d3-e4ae73fb11fd", false},
		{"wrong length", "abc123", "", true},
		{"empty", "", "", true},
		{"garbage 26 chars", "!!!!!!!!!!!!!!!!!!!!!!!!!!", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeID(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClock_TickPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".telemetry-clock.json")

	c := LoadClock(path)
	assert.Equal(t, uint64(0), c.Value())
	assert.Equal(t, uint64(1), c.Tick())
	assert.Equal(t, uint64(2), c.Tick())

	reloaded := LoadClock(path)
	assert.Equal(t, uint64(2), reloaded.Value())
}

func TestClock_ObserveReconcilesViaMax(t *testing.T) {
	c := LoadClock(filepath.Join(t.TempDir(), "clock.json"))
	c.Tick()
	assert.Equal(t, uint64(101), c.Observe(100))
	assert.Equal(t, uint64(102), c.Observe(5), "stale remote value must not rewind")
}

func TestClock_CorruptFileResetsToZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clock.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))
	c := LoadClock(path)
	assert.Equal(t, uint64(0), c.Value())
}

func TestNodeID_StableTwelveHexChars(t *testing.T) {
	id := NodeID()
	assert.Len(t, id, 12)
	assert.Regexp(t, "^[0-9a-f]{12}$", id)
	assert.Equal(t, id, NodeID())
}

type fakeTransport struct {
	connected bool
	err       error
	sent      []*Envelope
}

func (f *fakeTransport) Connected() bool { return f.connected }
func (f *fakeTransport) Send(_ context.Context, env *Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

type fakeQueue struct {
	err      error
	enqueued []*Envelope
	scopes   []Scope
}

func (f *fakeQueue) Enqueue(scope Scope, env *Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.scopes = append(f.scopes, scope)
	f.enqueued = append(f.enqueued, env)
	return nil
}

func testEmitter(t *testing.T, tr Transport, q Queue) *Emitter {
	t.Helper()
	scope := Scope{ServerURL: "https://kitty.example", Username: "casey", TeamSlug: "platform"}
	return New(scope, LoadClock(filepath.Join(t.TempDir(), "clock.json")), tr, q)
}

func TestEmit_SendsWhenConnected(t *testing.T) {
	tr := &fakeTransport{connected: true}
	q := &fakeQueue{}
	em := testEmitter(t, tr, q)

	env := em.Emit(context.Background(), TypeFeatureCreated, AggregateFeature, "001-test", map[string]any{"slug": "001-test"})
	require.NotNil(t, env)
	assert.Len(t, tr.sent, 1)
	assert.Empty(t, q.enqueued)
	assert.Equal(t, "platform", env.TeamSlug)
	assert.Equal(t, NodeID(), env.NodeID)
	assert.Equal(t, uint64(1), env.LamportClock)
}

func TestEmit_FallsBackToQueueOnTransportFailure(t *testing.T) {
	tr := &fakeTransport{connected: true, err: fmt.Errorf("connection reset")}
	q := &fakeQueue{}
	em := testEmitter(t, tr, q)

	env := em.Emit(context.Background(), TypeWPCreated, AggregateWorkPackage, "001-test/WP01", nil)
	require.NotNil(t, env)
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, "casey", q.scopes[0].Username)
}

func TestEmit_QueuesDirectlyWhenOffline(t *testing.T) {
	tr := &fakeTransport{connected: false}
	q := &fakeQueue{}
	em := testEmitter(t, tr, q)

	require.NotNil(t, em.Emit(context.Background(), TypeHistoryNote, AggregateWorkPackage, "001-test/WP01", nil))
	assert.Empty(t, tr.sent)
	assert.Len(t, q.enqueued, 1)
}

func TestEmit_QueueRejectionStillReturnsEnvelope(t *testing.T) {
	q := &fakeQueue{err: fmt.Errorf("queue full")}
	em := testEmitter(t, nil, q)

	env := em.Emit(context.Background(), TypeExecution, AggregateExecution, "001-test", nil)
	assert.NotNil(t, env, "capacity rejection must not surface to the caller")
}

func TestEmit_LamportClockMonotonePerEnvelope(t *testing.T) {
	em := testEmitter(t, nil, &fakeQueue{})
	var prev uint64
	for i := 0; i < 5; i++ {
		env := em.Emit(context.Background(), TypeHistoryNote, AggregateWorkPackage, "001-test/WP01", nil)
		require.NotNil(t, env)
		assert.Greater(t, env.LamportClock, prev)
		prev = env.LamportClock
	}
}

func TestEmitCaused_RejectsBadLineageIDs(t *testing.T) {
	em := testEmitter(t, nil, &fakeQueue{})
	env := em.EmitCaused(context.Background(), TypeHistoryNote, AggregateWorkPackage, "001-test/WP01", nil, "not-an-id", "")
	assert.Nil(t, env)
}

func TestEmitStatusTransition_ReusesEventID(t *testing.T) {
	q := &fakeQueue{}
	em := testEmitter(t, nil, q)

	e := &eventstore.StatusEvent{
		EventID:       eventstore.NewEventID(),
		FeatureSlug:   "001-test",
		WPID:          "WP01",
		FromLane:      lane.InProgress,
		ToLane:        lane.ForReview,
		At:            time.Now().UTC(),
		Actor:         "agent-a",
		ExecutionMode: "single-ai",
		ReviewRef:     "review-3",
	}
	env := em.EmitStatusTransition(context.Background(), e)
	require.NotNil(t, env)
	assert.Equal(t, e.EventID, env.EventID)
	assert.Equal(t, TypeStatusTransition, env.EventType)
	assert.Equal(t, "001-test/WP01", env.AggregateID)
	assert.Equal(t, "for_review", env.Payload["to_lane"])
	assert.Equal(t, "review-3", env.Payload["review_ref"])
	require.Len(t, q.enqueued, 1)
}
