// Package feature manages feature directories under kitty-specs/: the slug
// scheme, the on-disk layout, the meta descriptor, and the per-WP task files
// with their YAML frontmatter.
package feature

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/speckitty/speckitty/internal/log"
)

// SpecsDirName is the directory under the repository root that owns all
// feature directories.
const SpecsDirName = "kitty-specs"

// Well-known file names inside a feature directory.
const (
	MetaFile       = "meta.json"
	SpecFile       = "spec.md"
	PlanFile       = "plan.md"
	TasksFile      = "tasks.md"
	EventsFile     = "events.jsonl"
	SnapshotFile   = "status.json"
	ExecutionFile  = "execution.events.jsonl"
	ClockFile      = ".telemetry-clock.json"
	MergeStateFile = "merge-state.json"
	TasksDir       = "tasks"
)

var (
	slugPattern = regexp.MustCompile(`^[0-9]{3}-[a-z0-9]+(-[a-z0-9]+)*$`)
	wpIDPattern = regexp.MustCompile(`^WP[0-9]{2}$`)
)

// ValidateSlug checks a feature slug of the form NNN-kebab-name.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid feature slug %q (expected NNN-kebab-name)", slug)
	}
	return nil
}

// ValidateWPID checks a work-package id of the form WPdd.
func ValidateWPID(id string) error {
	if !wpIDPattern.MatchString(id) {
		return fmt.Errorf("invalid work package id %q (expected WP followed by two digits)", id)
	}
	return nil
}

// Slugify converts a human name into the kebab part of a feature slug.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// Meta is the feature descriptor persisted as meta.json.
// StatusPhase selects drift strictness: 1 = dual-write with warnings,
// 2 = snapshot-authoritative with drift errors.
type Meta struct {
	StatusPhase int    `json:"status_phase"`
	CreatedBy   string `json:"created_by,omitempty"`
	Description string `json:"description,omitempty"`
}

// Feature is a handle to one feature directory.
type Feature struct {
	Slug string
	Dir  string
}

// Path joins names onto the feature directory.
func (f *Feature) Path(names ...string) string {
	return filepath.Join(append([]string{f.Dir}, names...)...)
}

// TasksPath returns the tasks/ subdirectory.
func (f *Feature) TasksPath() string {
	return f.Path(TasksDir)
}

// BranchFor returns the workspace branch name for a WP: <feature>-<wp>.
func (f *Feature) BranchFor(wpID string) string {
	return f.Slug + "-" + strings.ToLower(wpID)
}

// Create makes a new feature directory under root/kitty-specs with the next
// available number, seeded with meta.json and empty artefact files.
// Features are never destroyed by the core.
func Create(root, name, actor string) (*Feature, error) {
	kebab := Slugify(name)
	if kebab == "" {
		return nil, fmt.Errorf("feature name %q produces an empty slug", name)
	}

	specsDir := filepath.Join(root, SpecsDirName)
	if err := os.MkdirAll(specsDir, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", SpecsDirName, err)
	}

	num, err := nextFeatureNumber(specsDir)
	if err != nil {
		return nil, err
	}

	slug := fmt.Sprintf("%03d-%s", num, kebab)
	f := &Feature{Slug: slug, Dir: filepath.Join(specsDir, slug)}

	if err := os.MkdirAll(f.TasksPath(), 0755); err != nil {
		return nil, fmt.Errorf("creating feature directory: %w", err)
	}

	meta := Meta{StatusPhase: 1, CreatedBy: actor}
	if err := f.SaveMeta(meta); err != nil {
		return nil, err
	}

	for _, name := range []string{SpecFile, PlanFile, TasksFile} {
		p := f.Path(name)
		if _, statErr := os.Stat(p); os.IsNotExist(statErr) {
			if err := os.WriteFile(p, []byte(""), 0644); err != nil {
				return nil, fmt.Errorf("seeding %s: %w", name, err)
			}
		}
	}

	log.Info(log.CatStore, "Created feature", "slug", slug, "dir", f.Dir)
	return f, nil
}

// Open locates an existing feature by slug under root/kitty-specs.
func Open(root, slug string) (*Feature, error) {
	if err := ValidateSlug(slug); err != nil {
		return nil, err
	}
	dir := filepath.Join(root, SpecsDirName, slug)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("feature %s not found under %s: %w", slug, SpecsDirName, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("feature path %s is not a directory", dir)
	}
	return &Feature{Slug: slug, Dir: dir}, nil
}

// List enumerates all feature directories under root/kitty-specs, sorted by slug.
func List(root string) ([]*Feature, error) {
	specsDir := filepath.Join(root, SpecsDirName)
	entries, err := os.ReadDir(specsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", specsDir, err)
	}

	var features []*Feature
	for _, e := range entries {
		if !e.IsDir() || ValidateSlug(e.Name()) != nil {
			continue
		}
		features = append(features, &Feature{Slug: e.Name(), Dir: filepath.Join(specsDir, e.Name())})
	}
	sort.Slice(features, func(i, j int) bool { return features[i].Slug < features[j].Slug })
	return features, nil
}

// LoadMeta reads meta.json. A missing file yields the Phase 1 default.
func (f *Feature) LoadMeta() (Meta, error) {
	data, err := os.ReadFile(f.Path(MetaFile))
	if os.IsNotExist(err) {
		return Meta{StatusPhase: 1}, nil
	}
	if err != nil {
		return Meta{}, fmt.Errorf("reading meta.json: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("parsing meta.json: %w", err)
	}
	if meta.StatusPhase == 0 {
		meta.StatusPhase = 1
	}
	return meta, nil
}

// SaveMeta writes meta.json atomically (temp + rename).
func (f *Feature) SaveMeta(meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding meta.json: %w", err)
	}
	return atomicWrite(f.Path(MetaFile), append(data, '\n'))
}

// nextFeatureNumber scans existing slugs and returns max+1, starting at 1.
func nextFeatureNumber(specsDir string) (int, error) {
	entries, err := os.ReadDir(specsDir)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", specsDir, err)
	}
	max := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(e.Name(), "%03d-", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

// atomicWrite writes data to path via a sibling temp file and rename.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
