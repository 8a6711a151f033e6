package syncqueue

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckitty/speckitty/internal/emitter"
	"github.com/speckitty/speckitty/internal/eventstore"
)

var testScope = emitter.Scope{
	ServerURL: "https://kitty.example",
	Username:  "casey",
	TeamSlug:  "platform",
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func testEnvelope() *emitter.Envelope {
	return &emitter.Envelope{
		EventID:       eventstore.NewEventID(),
		EventType:     emitter.TypeStatusTransition,
		AggregateID:   "001-test/WP01",
		AggregateType: emitter.AggregateWorkPackage,
		Payload:       map[string]any{"to_lane": "claimed"},
		NodeID:        "abcdef012345",
		LamportClock:  1,
		Timestamp:     time.Now().UTC(),
		TeamSlug:      "platform",
	}
}

func TestQueue_EnqueueAndPending(t *testing.T) {
	q := newTestQueue(t)

	first := testEnvelope()
	second := testEnvelope()
	require.NoError(t, q.Enqueue(testScope, first))
	require.NoError(t, q.Enqueue(testScope, second))

	n, err := q.CountPending(testScope)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := q.Pending(testScope, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.EventID, entries[0].EventID, "oldest first")
	assert.Equal(t, "claimed", entries[0].Envelope.Payload["to_lane"])
}

func TestQueue_EnqueueDuplicateIsIdempotent(t *testing.T) {
	q := newTestQueue(t)
	env := testEnvelope()
	require.NoError(t, q.Enqueue(testScope, env))
	require.NoError(t, q.Enqueue(testScope, env))

	n, err := q.CountPending(testScope)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueue_ScopesAreIsolated(t *testing.T) {
	q := newTestQueue(t)
	other := emitter.Scope{ServerURL: testScope.ServerURL, Username: "robin", TeamSlug: "platform"}

	require.NoError(t, q.Enqueue(testScope, testEnvelope()))

	n, err := q.CountPending(other)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	has, err := q.HasPending(testScope)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = q.HasPending(other)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestQueue_CapRejectsOverflow(t *testing.T) {
	q := newTestQueue(t)

	// Fill to the cap behind the API to keep the test fast.
	tx, err := q.db.Begin()
	require.NoError(t, err)
	stmt, err := tx.Prepare(`
		INSERT INTO queue_events (event_id, scope_server, scope_username, scope_team, envelope)
		VALUES (?, ?, ?, ?, '{}')`)
	require.NoError(t, err)
	for i := 0; i < MaxPendingPerScope; i++ {
		_, err = stmt.Exec(fmt.Sprintf("filler-%05d", i), testScope.ServerURL, testScope.Username, testScope.TeamSlug)
		require.NoError(t, err)
	}
	require.NoError(t, stmt.Close())
	require.NoError(t, tx.Commit())

	err = q.Enqueue(testScope, testEnvelope())
	assert.ErrorIs(t, err, ErrQueueFull)

	n, err := q.CountPending(testScope)
	require.NoError(t, err)
	assert.Equal(t, MaxPendingPerScope, n, "events are never dropped to make room")
}

func TestQueue_ConcurrentEnqueueRespectsCap(t *testing.T) {
	q := newTestQueue(t)

	// One slot left before the cap.
	tx, err := q.db.Begin()
	require.NoError(t, err)
	stmt, err := tx.Prepare(`
		INSERT INTO queue_events (event_id, scope_server, scope_username, scope_team, envelope)
		VALUES (?, ?, ?, ?, '{}')`)
	require.NoError(t, err)
	for i := 0; i < MaxPendingPerScope-1; i++ {
		_, err = stmt.Exec(fmt.Sprintf("filler-%05d", i), testScope.ServerURL, testScope.Username, testScope.TeamSlug)
		require.NoError(t, err)
	}
	require.NoError(t, stmt.Close())
	require.NoError(t, tx.Commit())

	// Racing writers must not squeeze more than one event into that slot.
	results := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < cap(results); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- q.Enqueue(testScope, testEnvelope())
		}()
	}
	wg.Wait()
	close(results)

	accepted, rejected := 0, 0
	for err := range results {
		if err == nil {
			accepted++
			continue
		}
		require.ErrorIs(t, err, ErrQueueFull)
		rejected++
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 7, rejected)

	n, err := q.CountPending(testScope)
	require.NoError(t, err)
	assert.Equal(t, MaxPendingPerScope, n)
}

func TestQueue_MarkTransitions(t *testing.T) {
	q := newTestQueue(t)
	a, b, c := testEnvelope(), testEnvelope(), testEnvelope()
	for _, env := range []*emitter.Envelope{a, b, c} {
		require.NoError(t, q.Enqueue(testScope, env))
	}
	entries, err := q.Pending(testScope, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.NoError(t, q.MarkDelivered([]int64{entries[0].ID}))
	require.NoError(t, q.MarkRetry([]int64{entries[1].ID}))
	require.NoError(t, q.MarkFailed([]int64{entries[2].ID}))

	remaining, err := q.Pending(testScope, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, b.EventID, remaining[0].EventID)
	assert.Equal(t, 1, remaining[0].RetryCount)
}

func TestQueue_PendingSkipsCorruptEnvelopes(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(testScope, testEnvelope()))
	_, err := q.db.Exec(`
		INSERT INTO queue_events (event_id, scope_server, scope_username, scope_team, envelope)
		VALUES ('corrupt-row', ?, ?, ?, '{{{')`,
		testScope.ServerURL, testScope.Username, testScope.TeamSlug)
	require.NoError(t, err)

	entries, err := q.Pending(testScope, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestQueue_OpenIsIdempotentAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(testScope, testEnvelope()))
	require.NoError(t, q.Close())

	q, err = Open(path)
	require.NoError(t, err)
	defer q.Close()
	n, err := q.CountPending(testScope)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
