package eventstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/speckitty/speckitty/internal/feature"
	"github.com/speckitty/speckitty/internal/lane"
	"github.com/speckitty/speckitty/internal/log"
)

// lockFileName sits next to events.jsonl and serializes writers.
const lockFileName = ".events.lock"

// defaultLockTimeout bounds how long an append waits on a concurrent writer.
const defaultLockTimeout = 10 * time.Second

// Store binds the event log and snapshot of a single feature directory.
type Store struct {
	feat *feature.Feature
}

// New creates a store for the feature.
func New(f *feature.Feature) *Store {
	return &Store{feat: f}
}

func (s *Store) eventsPath() string   { return s.feat.Path(feature.EventsFile) }
func (s *Store) snapshotPath() string { return s.feat.Path(feature.SnapshotFile) }
func (s *Store) lockPath() string     { return s.feat.Path(lockFileName) }

// Append validates, normalizes, and appends one event, then atomically
// regenerates the snapshot and rewrites the affected WP file's frontmatter
// lane (the dual-write). Appending an already-present event_id is idempotent.
func (s *Store) Append(e *StatusEvent) error {
	if err := e.Normalize(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	lock, err := acquireLock(s.lockPath(), defaultLockTimeout)
	if err != nil {
		return err
	}
	defer lock.release()

	events, err := s.ReadEvents()
	if err != nil {
		return err
	}
	for _, existing := range events {
		if existing.EventID == e.EventID {
			log.Debug(log.CatStore, "Duplicate event append ignored",
				"feature", s.feat.Slug, "eventID", e.EventID)
			return nil
		}
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	f, err := os.OpenFile(s.eventsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path is inside the feature dir
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending event: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing event log: %w", err)
	}

	events = append(events, e)
	if err := s.writeSnapshot(Reduce(events)); err != nil {
		return err
	}

	s.dualWriteFrontmatter(e)

	log.Debug(log.CatStore, "Appended event",
		"feature", s.feat.Slug, "wp", e.WPID,
		"from", e.FromLane, "to", e.ToLane, "eventID", e.EventID)
	return nil
}

// dualWriteFrontmatter mirrors the new lane into the WP file so pre-cutover
// consumers see a consistent view. Best effort: a WP file may legitimately
// not exist yet when events lead file creation.
func (s *Store) dualWriteFrontmatter(e *StatusEvent) {
	wp, err := s.feat.FindWPFile(e.WPID)
	if err != nil {
		log.Warn(log.CatStore, "Dual-write skipped: WP file not found",
			"feature", s.feat.Slug, "wp", e.WPID, "error", err)
		return
	}
	if err := feature.SetLane(wp.Path, e.ToLane); err != nil {
		log.ErrorErr(log.CatStore, "Dual-write failed", err,
			"feature", s.feat.Slug, "wp", e.WPID)
	}
}

// ReadEvents loads every parseable event from events.jsonl in append order.
// Corrupt lines are skipped; the condition is logged once per read and must
// never crash a consumer. A missing log yields no events.
func (s *Store) ReadEvents() ([]*StatusEvent, error) {
	f, err := os.Open(s.eventsPath()) //nolint:gosec // G304: path is inside the feature dir
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	var events []*StatusEvent
	corrupt := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e StatusEvent
		if err := json.Unmarshal(line, &e); err != nil {
			corrupt++
			continue
		}
		if e.Normalize() != nil || e.Validate() != nil {
			corrupt++
			continue
		}
		events = append(events, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	if corrupt > 0 {
		log.Warn(log.CatStore, "Skipped corrupt event lines",
			"feature", s.feat.Slug, "count", corrupt)
	}
	return events, nil
}

// LoadSnapshot reads status.json. A missing snapshot is rebuilt from the
// event log; missing events and snapshot yield an empty state.
func (s *Store) LoadSnapshot() (*Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath())
	if os.IsNotExist(err) {
		return s.Materialize()
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn(log.CatStore, "Corrupt snapshot; rebuilding from events",
			"feature", s.feat.Slug, "error", err)
		return s.Materialize()
	}
	if snap.WorkPackages == nil {
		snap.WorkPackages = make(map[string]WPState)
	}
	return &snap, nil
}

// Materialize reruns the reduce over the full log and writes status.json.
func (s *Store) Materialize() (*Snapshot, error) {
	events, err := s.ReadEvents()
	if err != nil {
		return nil, err
	}
	snap := Reduce(events)
	if err := s.writeSnapshot(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// writeSnapshot atomically replaces status.json (write-to-temp + rename).
func (s *Store) writeSnapshot(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.snapshotPath())
	tmp, err := os.CreateTemp(dir, ".status.json.tmp-*")
	if err != nil {
		return fmt.Errorf("creating snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.snapshotPath()); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// DriftSeverity classifies a derived-view mismatch.
type DriftSeverity string

const (
	DriftWarning DriftSeverity = "warning"
	DriftError   DriftSeverity = "error"
)

// DriftIssue describes one WP whose derived view disagrees with the
// canonical snapshot.
type DriftIssue struct {
	WPID      string
	FileLane  lane.Lane
	Canonical lane.Lane
	Severity  DriftSeverity
}

func (d DriftIssue) String() string {
	return fmt.Sprintf("%s: frontmatter lane %q != canonical %q", d.WPID, d.FileLane, d.Canonical)
}

// ValidateMaterializationDrift re-reduces the log and compares the result to
// the snapshot on disk.
func (s *Store) ValidateMaterializationDrift() error {
	events, err := s.ReadEvents()
	if err != nil {
		return err
	}
	onDisk, err := s.LoadSnapshot()
	if err != nil {
		return err
	}
	if !Reduce(events).Equal(onDisk) {
		return fmt.Errorf("snapshot drift: status.json does not match reduce(events.jsonl) for %s", s.feat.Slug)
	}
	return nil
}

// ValidateDerivedViews compares every WP file's frontmatter lane against the
// canonical snapshot. Phase 1 reports mismatches as warnings, Phase 2 as
// errors.
func (s *Store) ValidateDerivedViews(phase int) ([]DriftIssue, error) {
	snap, err := s.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	files, err := s.feat.ListWPFiles()
	if err != nil {
		return nil, err
	}

	severity := DriftWarning
	if phase >= 2 {
		severity = DriftError
	}

	var issues []DriftIssue
	for _, wp := range files {
		canonical := snap.Lane(wp.Front.WPID)
		if wp.Front.Lane != canonical {
			issue := DriftIssue{
				WPID:      wp.Front.WPID,
				FileLane:  wp.Front.Lane,
				Canonical: canonical,
				Severity:  severity,
			}
			issues = append(issues, issue)
			if severity == DriftError {
				log.Error(log.CatStore, "Derived view drift", "feature", s.feat.Slug, "issue", issue.String())
			} else {
				log.Warn(log.CatStore, "Derived view drift", "feature", s.feat.Slug, "issue", issue.String())
			}
		}
	}
	return issues, nil
}
