// Package merge reintegrates completed WP branches into the target branch in
// dependency order, with automatic resolution of status-file conflicts and a
// resumable on-disk state.
package merge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/speckitty/speckitty/internal/feature"
)

// State is the persisted progress of one merge sequence. It lives at
// merge-state.json inside the feature directory only while a merge is in
// flight.
type State struct {
	FeatureSlug         string    `json:"feature_slug"`
	TargetBranch        string    `json:"target_branch"`
	Strategy            string    `json:"strategy"`
	WPOrder             []string  `json:"wp_order"`
	CompletedWPs        []string  `json:"completed_wps"`
	CurrentWP           string    `json:"current_wp,omitempty"`
	HasPendingConflicts bool      `json:"has_pending_conflicts"`
	PendingPaths        []string  `json:"pending_paths,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// RemainingWPs returns the WPs not yet merged, excluding the current one.
func (s *State) RemainingWPs() []string {
	done := make(map[string]bool, len(s.CompletedWPs))
	for _, wp := range s.CompletedWPs {
		done[wp] = true
	}
	var remaining []string
	for _, wp := range s.WPOrder {
		if !done[wp] && wp != s.CurrentWP {
			remaining = append(remaining, wp)
		}
	}
	return remaining
}

// ProgressPercent is completed over total, 0..100.
func (s *State) ProgressPercent() float64 {
	if len(s.WPOrder) == 0 {
		return 0
	}
	return float64(len(s.CompletedWPs)) / float64(len(s.WPOrder)) * 100
}

func statePath(f *feature.Feature) string {
	return f.Path(feature.MergeStateFile)
}

// LoadState reads the in-flight merge state, returning nil when none exists.
func LoadState(f *feature.Feature) (*State, error) {
	data, err := os.ReadFile(statePath(f)) //nolint:gosec // G304
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading merge state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding merge state: %w", err)
	}
	return &st, nil
}

// SaveState atomically persists the state.
func SaveState(f *feature.Feature, st *State) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding merge state: %w", err)
	}
	tmp, err := os.CreateTemp(f.Dir, ".merge-state-*")
	if err != nil {
		return fmt.Errorf("writing merge state: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("writing merge state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("writing merge state: %w", err)
	}
	if err := os.Rename(name, statePath(f)); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("writing merge state: %w", err)
	}
	return nil
}

// ClearState removes the state file after a completed sequence.
func ClearState(f *feature.Feature) error {
	err := os.Remove(statePath(f))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// statusFilePrefix returns the repo-relative directory that holds the
// feature's recognized status files.
func statusFilePrefix(slug string) string {
	return filepath.ToSlash(filepath.Join(feature.SpecsDirName, slug))
}

// isStatusFile reports whether a repo-relative conflicted path is one the
// coordinator may auto-resolve: the feature's tasks.md or a WP file under
// its tasks/ directory.
func isStatusFile(slug, path string) bool {
	prefix := statusFilePrefix(slug)
	path = filepath.ToSlash(path)
	if path == prefix+"/"+feature.TasksFile {
		return true
	}
	dir := prefix + "/" + feature.TasksDir + "/"
	return len(path) > len(dir) && path[:len(dir)] == dir
}
