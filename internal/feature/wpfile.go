package feature

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/speckitty/speckitty/internal/lane"
)

// frontmatterDelimiter is the standard YAML frontmatter delimiter.
const frontmatterDelimiter = "---"

// HistoryEntry is one line of a WP file's frontmatter history array.
type HistoryEntry struct {
	At   time.Time `yaml:"at"`
	By   string    `yaml:"by,omitempty"`
	Note string    `yaml:"note,omitempty"`
}

// Frontmatter is the YAML header of a WP task file. Keys are written in a
// fixed order; dependencies and lane are required.
type Frontmatter struct {
	WPID         string         `yaml:"wp_id"`
	Title        string         `yaml:"title"`
	Lane         lane.Lane      `yaml:"lane"`
	Dependencies []string       `yaml:"dependencies"`
	Assignee     string         `yaml:"assignee,omitempty"`
	Agent        string         `yaml:"agent,omitempty"`
	History      []HistoryEntry `yaml:"history,omitempty"`
}

// Subtask is one checkbox line from a WP file body.
type Subtask struct {
	Text string
	Done bool
}

// WPFile is a parsed WP task file: frontmatter plus markdown body.
type WPFile struct {
	Path  string
	Front Frontmatter
	Body  string
}

// ParseWPFile reads and parses a WP task file.
func ParseWPFile(path string) (*WPFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the feature tasks dir
	if err != nil {
		return nil, fmt.Errorf("reading WP file: %w", err)
	}

	front, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return nil, fmt.Errorf("%s: parsing frontmatter: %w", filepath.Base(path), err)
	}

	if err := ValidateWPID(fm.WPID); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	canonical, err := lane.Parse(string(fm.Lane))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	fm.Lane = canonical

	return &WPFile{Path: path, Front: fm, Body: body}, nil
}

// splitFrontmatter separates the YAML header from the markdown body.
func splitFrontmatter(content string) (front, body string, err error) {
	if !strings.HasPrefix(content, frontmatterDelimiter) {
		return "", "", fmt.Errorf("missing frontmatter delimiter")
	}
	rest := strings.TrimPrefix(content, frontmatterDelimiter)
	rest = strings.TrimPrefix(rest, "\n")
	idx := strings.Index(rest, "\n"+frontmatterDelimiter)
	if idx < 0 {
		return "", "", fmt.Errorf("unterminated frontmatter")
	}
	front = rest[:idx]
	body = rest[idx+len("\n"+frontmatterDelimiter):]
	body = strings.TrimPrefix(body, "\n")
	return front, body, nil
}

// Write persists the WP file with frontmatter keys in the fixed order.
func (w *WPFile) Write() error {
	node, err := frontmatterNode(w.Front)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString(frontmatterDelimiter + "\n")
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return fmt.Errorf("encoding frontmatter: %w", err)
	}
	_ = enc.Close()
	sb.WriteString(frontmatterDelimiter + "\n")
	if w.Body != "" {
		sb.WriteString("\n" + strings.TrimLeft(w.Body, "\n"))
	}

	return atomicWrite(w.Path, []byte(sb.String()))
}

// frontmatterNode builds a yaml mapping with deterministic key order:
// wp_id, title, lane, dependencies, assignee, agent, history.
func frontmatterNode(fm Frontmatter) (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}

	add := func(key string, value any) error {
		var vn yaml.Node
		if err := vn.Encode(value); err != nil {
			return fmt.Errorf("encoding %s: %w", key, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key}, &vn)
		return nil
	}

	deps := fm.Dependencies
	if deps == nil {
		deps = []string{}
	}

	if err := add("wp_id", fm.WPID); err != nil {
		return nil, err
	}
	if err := add("title", fm.Title); err != nil {
		return nil, err
	}
	if err := add("lane", string(fm.Lane)); err != nil {
		return nil, err
	}
	if err := add("dependencies", deps); err != nil {
		return nil, err
	}
	if fm.Assignee != "" {
		if err := add("assignee", fm.Assignee); err != nil {
			return nil, err
		}
	}
	if fm.Agent != "" {
		if err := add("agent", fm.Agent); err != nil {
			return nil, err
		}
	}
	if len(fm.History) > 0 {
		if err := add("history", fm.History); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// SetLane rewrites only the frontmatter lane of a WP file. This is the
// dual-write half of an event append: pre-cutover consumers read lanes from
// frontmatter, so it must track the snapshot.
func SetLane(path string, l lane.Lane) error {
	wp, err := ParseWPFile(path)
	if err != nil {
		return err
	}
	wp.Front.Lane = l
	return wp.Write()
}

// Subtasks extracts checkbox lines from the body.
func (w *WPFile) Subtasks() []Subtask {
	var subtasks []Subtask
	for _, line := range strings.Split(w.Body, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "- [ ] "):
			subtasks = append(subtasks, Subtask{Text: strings.TrimPrefix(trimmed, "- [ ] ")})
		case strings.HasPrefix(trimmed, "- [x] "), strings.HasPrefix(trimmed, "- [X] "):
			subtasks = append(subtasks, Subtask{Text: trimmed[6:], Done: true})
		}
	}
	return subtasks
}

// SubtasksComplete reports whether every checkbox in the body is checked.
// A body with no checkboxes counts as complete.
func (w *WPFile) SubtasksComplete() bool {
	for _, st := range w.Subtasks() {
		if !st.Done {
			return false
		}
	}
	return true
}

// WPFileName builds the flat task file name for a WP.
func WPFileName(wpID, title string) string {
	kebab := Slugify(title)
	if kebab == "" {
		kebab = "untitled"
	}
	return fmt.Sprintf("%s-%s.md", wpID, kebab)
}

// ListWPFiles parses every WP file under the feature's tasks/ directory,
// sorted by WP id. Unparseable files are reported, not skipped: the WP file
// set is an authoritative input to finalization.
func (f *Feature) ListWPFiles() ([]*WPFile, error) {
	entries, err := os.ReadDir(f.TasksPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tasks dir: %w", err)
	}

	var files []*WPFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		wp, err := ParseWPFile(filepath.Join(f.TasksPath(), e.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, wp)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Front.WPID < files[j].Front.WPID })
	return files, nil
}

// FindWPFile locates the task file for a WP id.
func (f *Feature) FindWPFile(wpID string) (*WPFile, error) {
	if err := ValidateWPID(wpID); err != nil {
		return nil, err
	}
	files, err := f.ListWPFiles()
	if err != nil {
		return nil, err
	}
	for _, wp := range files {
		if wp.Front.WPID == wpID {
			return wp, nil
		}
	}
	return nil, fmt.Errorf("work package %s not found in %s", wpID, f.Slug)
}

// CreateWP writes a new WP task file in the feature's tasks directory.
func (f *Feature) CreateWP(fm Frontmatter, body string) (*WPFile, error) {
	if err := ValidateWPID(fm.WPID); err != nil {
		return nil, err
	}
	if fm.Lane == "" {
		fm.Lane = lane.Planned
	}
	if err := os.MkdirAll(f.TasksPath(), 0755); err != nil {
		return nil, fmt.Errorf("creating tasks dir: %w", err)
	}
	wp := &WPFile{
		Path:  filepath.Join(f.TasksPath(), WPFileName(fm.WPID, fm.Title)),
		Front: fm,
		Body:  body,
	}
	if err := wp.Write(); err != nil {
		return nil, err
	}
	return wp, nil
}
