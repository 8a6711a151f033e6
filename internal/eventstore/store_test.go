package eventstore

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckitty/speckitty/internal/feature"
	"github.com/speckitty/speckitty/internal/lane"
)

func newTestStore(t *testing.T) (*Store, *feature.Feature) {
	t.Helper()
	f, err := feature.Create(t.TempDir(), "event store test", "tester")
	require.NoError(t, err)
	return New(f), f
}

func storeEvt(f *feature.Feature, id, wp string, from, to lane.Lane, at time.Time) *StatusEvent {
	e := evt(id, wp, from, to, at)
	e.FeatureSlug = f.Slug
	return e
}

func TestStore_AppendAndLoad(t *testing.T) {
	s, f := newTestStore(t)

	require.NoError(t, s.Append(storeEvt(f, NewEventID(), "WP01", lane.Planned, lane.Claimed, baseTime)))
	require.NoError(t, s.Append(storeEvt(f, NewEventID(), "WP01", lane.Claimed, lane.InProgress, baseTime.Add(time.Minute))))

	snap, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, lane.InProgress, snap.Lane("WP01"))
	assert.Equal(t, 2, snap.EventCount)

	events, err := s.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, lane.Claimed, events[0].ToLane)
}

func TestStore_AppendDuplicateIsIdempotent(t *testing.T) {
	s, f := newTestStore(t)

	e := storeEvt(f, NewEventID(), "WP01", lane.Planned, lane.Claimed, baseTime)
	require.NoError(t, s.Append(e))
	require.NoError(t, s.Append(e))

	events, err := s.ReadEvents()
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestStore_AppendRejectsInvalid(t *testing.T) {
	s, f := newTestStore(t)

	e := storeEvt(f, "", "WP01", lane.Planned, lane.Claimed, baseTime)
	assert.Error(t, s.Append(e))

	e = storeEvt(f, NewEventID(), "WP01", "nonsense", lane.Claimed, baseTime)
	assert.Error(t, s.Append(e))
}

func TestStore_AppendNormalizesAlias(t *testing.T) {
	s, f := newTestStore(t)

	e := storeEvt(f, NewEventID(), "WP01", lane.Claimed, "doing", baseTime)
	require.NoError(t, s.Append(e))

	events, err := s.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, lane.InProgress, events[0].ToLane)

	snap, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, lane.InProgress, snap.Lane("WP01"))
}

func TestStore_DualWriteUpdatesFrontmatter(t *testing.T) {
	s, f := newTestStore(t)
	wp, err := f.CreateWP(feature.Frontmatter{WPID: "WP01", Title: "Dual write", Dependencies: []string{}}, "")
	require.NoError(t, err)

	require.NoError(t, s.Append(storeEvt(f, NewEventID(), "WP01", lane.Planned, lane.Claimed, baseTime)))

	parsed, err := feature.ParseWPFile(wp.Path)
	require.NoError(t, err)
	assert.Equal(t, lane.Claimed, parsed.Front.Lane)
}

func TestStore_AppendWithoutWPFileSucceeds(t *testing.T) {
	s, f := newTestStore(t)
	require.NoError(t, s.Append(storeEvt(f, NewEventID(), "WP09", lane.Planned, lane.Claimed, baseTime)))
}

func TestStore_ReadEventsSkipsCorruptLines(t *testing.T) {
	s, f := newTestStore(t)
	require.NoError(t, s.Append(storeEvt(f, NewEventID(), "WP01", lane.Planned, lane.Claimed, baseTime)))

	log, err := os.OpenFile(s.eventsPath(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = log.WriteString("{not json\n\n{\"event_id\":\"X\"}\n")
	require.NoError(t, err)
	require.NoError(t, log.Close())
	require.NoError(t, s.Append(storeEvt(f, NewEventID(), "WP01", lane.Claimed, lane.InProgress, baseTime.Add(time.Minute))))

	events, err := s.ReadEvents()
	require.NoError(t, err)
	assert.Len(t, events, 2)

	snap, err := s.Materialize()
	require.NoError(t, err)
	assert.Equal(t, lane.InProgress, snap.Lane("WP01"))
}

func TestStore_LoadSnapshotRebuildsWhenMissing(t *testing.T) {
	s, f := newTestStore(t)
	require.NoError(t, s.Append(storeEvt(f, NewEventID(), "WP01", lane.Planned, lane.Claimed, baseTime)))
	require.NoError(t, os.Remove(s.snapshotPath()))

	snap, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, lane.Claimed, snap.Lane("WP01"))

	_, err = os.Stat(s.snapshotPath())
	assert.NoError(t, err, "rebuild should rewrite status.json")
}

func TestStore_LoadSnapshotEmptyWhenNothingExists(t *testing.T) {
	s, _ := newTestStore(t)
	snap, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.WorkPackages)
	assert.Equal(t, 0, snap.EventCount)
}

func TestStore_LoadSnapshotRecoversFromCorruptFile(t *testing.T) {
	s, f := newTestStore(t)
	require.NoError(t, s.Append(storeEvt(f, NewEventID(), "WP01", lane.Planned, lane.Claimed, baseTime)))
	require.NoError(t, os.WriteFile(s.snapshotPath(), []byte("{{{"), 0644))

	snap, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, lane.Claimed, snap.Lane("WP01"))
}

func TestStore_ValidateMaterializationDrift(t *testing.T) {
	s, f := newTestStore(t)
	require.NoError(t, s.Append(storeEvt(f, NewEventID(), "WP01", lane.Planned, lane.Claimed, baseTime)))
	assert.NoError(t, s.ValidateMaterializationDrift())

	// Hand-edit the snapshot behind the store's back.
	stale := NewSnapshot()
	stale.WorkPackages["WP01"] = WPState{Lane: lane.Done, LastEventID: "bogus"}
	stale.EventCount = 1
	require.NoError(t, s.writeSnapshot(stale))
	assert.Error(t, s.ValidateMaterializationDrift())
}

func TestStore_ValidateDerivedViews(t *testing.T) {
	s, f := newTestStore(t)
	wp, err := f.CreateWP(feature.Frontmatter{WPID: "WP01", Title: "Drift", Dependencies: []string{}}, "")
	require.NoError(t, err)
	require.NoError(t, s.Append(storeEvt(f, NewEventID(), "WP01", lane.Planned, lane.InProgress, baseTime)))

	issues, err := s.ValidateDerivedViews(1)
	require.NoError(t, err)
	assert.Empty(t, issues, "dual-written file should match the snapshot")

	// Desync the frontmatter.
	require.NoError(t, feature.SetLane(wp.Path, lane.Done))

	issues, err = s.ValidateDerivedViews(1)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, DriftWarning, issues[0].Severity)
	assert.Equal(t, lane.Done, issues[0].FileLane)
	assert.Equal(t, lane.InProgress, issues[0].Canonical)

	issues, err = s.ValidateDerivedViews(2)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, DriftError, issues[0].Severity)
}

func TestStore_ConcurrentAppendsSerialize(t *testing.T) {
	s, f := newTestStore(t)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(n int) {
			e := storeEvt(f, NewEventID(), "WP01", lane.Planned, lane.Claimed, baseTime.Add(time.Duration(n)*time.Millisecond))
			done <- s.Append(e)
		}(i)
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	events, err := s.ReadEvents()
	require.NoError(t, err)
	assert.Len(t, events, 8)
	assert.NoError(t, s.ValidateMaterializationDrift())
}

func TestAcquireLock_TimesOutAndBreaksStale(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/.events.lock"

	held, err := acquireLock(path, time.Second)
	require.NoError(t, err)
	_, err = acquireLock(path, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	held.release()

	// A lock left behind by a dead process is broken once stale.
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0644))
	old := time.Now().Add(-2 * lockStaleAfter)
	require.NoError(t, os.Chtimes(path, old, old))
	l, err := acquireLock(path, time.Second)
	require.NoError(t, err)
	l.release()
}
