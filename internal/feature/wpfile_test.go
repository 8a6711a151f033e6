package feature

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckitty/speckitty/internal/lane"
)

func newTestFeature(t *testing.T) *Feature {
	t.Helper()
	f, err := Create(t.TempDir(), "wp test", "tester")
	require.NoError(t, err)
	return f
}

func TestCreateWP_AndParseRoundTrip(t *testing.T) {
	f := newTestFeature(t)

	wp, err := f.CreateWP(Frontmatter{
		WPID:         "WP01",
		Title:        "Event Store",
		Dependencies: []string{},
	}, "## Work\n\n- [ ] write reducer\n- [x] define types\n")
	require.NoError(t, err)

	parsed, err := ParseWPFile(wp.Path)
	require.NoError(t, err)
	assert.Equal(t, "WP01", parsed.Front.WPID)
	assert.Equal(t, "Event Store", parsed.Front.Title)
	assert.Equal(t, lane.Planned, parsed.Front.Lane)
	assert.Empty(t, parsed.Front.Dependencies)

	subtasks := parsed.Subtasks()
	require.Len(t, subtasks, 2)
	assert.False(t, subtasks[0].Done)
	assert.True(t, subtasks[1].Done)
	assert.False(t, parsed.SubtasksComplete())
}

func TestFrontmatter_FixedKeyOrder(t *testing.T) {
	f := newTestFeature(t)

	wp, err := f.CreateWP(Frontmatter{
		WPID:         "WP02",
		Title:        "Scheduler",
		Lane:         lane.Claimed,
		Dependencies: []string{"WP01"},
		Assignee:     "agent-a",
	}, "")
	require.NoError(t, err)

	data, err := os.ReadFile(wp.Path)
	require.NoError(t, err)
	content := string(data)

	// wp_id, title, lane, dependencies, assignee — in that order.
	idxWP := strings.Index(content, "wp_id:")
	idxTitle := strings.Index(content, "title:")
	idxLane := strings.Index(content, "lane:")
	idxDeps := strings.Index(content, "dependencies:")
	idxAssignee := strings.Index(content, "assignee:")
	require.True(t, idxWP >= 0 && idxTitle > idxWP && idxLane > idxTitle &&
		idxDeps > idxLane && idxAssignee > idxDeps, "unexpected key order:\n%s", content)
}

func TestParseWPFile_ResolvesLaneAlias(t *testing.T) {
	f := newTestFeature(t)
	path := f.Path(TasksDir, "WP03-alias.md")
	content := "---\nwp_id: WP03\ntitle: Alias\nlane: doing\ndependencies: []\n---\n\nbody\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	wp, err := ParseWPFile(path)
	require.NoError(t, err)
	assert.Equal(t, lane.InProgress, wp.Front.Lane)
}

func TestSetLane_PersistsCanonicalForm(t *testing.T) {
	f := newTestFeature(t)
	wp, err := f.CreateWP(Frontmatter{WPID: "WP04", Title: "Dual write", Dependencies: []string{}}, "notes\n")
	require.NoError(t, err)

	require.NoError(t, SetLane(wp.Path, lane.InProgress))

	data, err := os.ReadFile(wp.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "lane: in_progress")
	assert.Contains(t, string(data), "notes")
}

func TestParseWPFile_Malformed(t *testing.T) {
	f := newTestFeature(t)

	tests := []struct {
		name    string
		content string
	}{
		{"no frontmatter", "just a body\n"},
		{"unterminated", "---\nwp_id: WP05\n"},
		{"bad wp id", "---\nwp_id: TASK5\ntitle: x\nlane: planned\ndependencies: []\n---\n"},
		{"bad lane", "---\nwp_id: WP05\ntitle: x\nlane: reviewing\ndependencies: []\n---\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := f.Path(TasksDir, "WP05-bad.md")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			_, err := ParseWPFile(path)
			assert.Error(t, err)
		})
	}
}

func TestListWPFiles_SortedByID(t *testing.T) {
	f := newTestFeature(t)
	for _, id := range []string{"WP03", "WP01", "WP02"} {
		_, err := f.CreateWP(Frontmatter{WPID: id, Title: "t " + id, Dependencies: []string{}}, "")
		require.NoError(t, err)
	}

	files, err := f.ListWPFiles()
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "WP01", files[0].Front.WPID)
	assert.Equal(t, "WP02", files[1].Front.WPID)
	assert.Equal(t, "WP03", files[2].Front.WPID)
}

func TestHistory_RoundTrip(t *testing.T) {
	f := newTestFeature(t)
	at := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	wp, err := f.CreateWP(Frontmatter{
		WPID:         "WP06",
		Title:        "History",
		Dependencies: []string{},
		History:      []HistoryEntry{{At: at, By: "agent-a", Note: "claimed"}},
	}, "")
	require.NoError(t, err)

	parsed, err := ParseWPFile(wp.Path)
	require.NoError(t, err)
	require.Len(t, parsed.Front.History, 1)
	assert.Equal(t, "agent-a", parsed.Front.History[0].By)
	assert.True(t, parsed.Front.History[0].At.Equal(at))
}

func TestValidateDependencies(t *testing.T) {
	mk := func(id string, deps ...string) *WPFile {
		return &WPFile{Front: Frontmatter{WPID: id, Dependencies: deps}}
	}

	t.Run("valid dag", func(t *testing.T) {
		err := ValidateDependencies([]*WPFile{mk("WP01"), mk("WP02", "WP01"), mk("WP03", "WP01", "WP02")})
		assert.NoError(t, err)
	})

	t.Run("unknown reference", func(t *testing.T) {
		err := ValidateDependencies([]*WPFile{mk("WP01", "WP09")})
		assert.ErrorContains(t, err, "unknown work package")
	})

	t.Run("self dependency", func(t *testing.T) {
		err := ValidateDependencies([]*WPFile{mk("WP01", "WP01")})
		assert.ErrorContains(t, err, "depends on itself")
	})

	t.Run("cycle", func(t *testing.T) {
		err := ValidateDependencies([]*WPFile{mk("WP01", "WP02"), mk("WP02", "WP03"), mk("WP03", "WP01")})
		assert.ErrorContains(t, err, "cycle")
	})

	t.Run("duplicate id", func(t *testing.T) {
		err := ValidateDependencies([]*WPFile{mk("WP01"), mk("WP01")})
		assert.ErrorContains(t, err, "duplicate")
	})
}

func TestTopoOrder_TiesBrokenByID(t *testing.T) {
	files := []*WPFile{
		{Front: Frontmatter{WPID: "WP03", Dependencies: []string{"WP01"}}},
		{Front: Frontmatter{WPID: "WP02", Dependencies: []string{"WP01"}}},
		{Front: Frontmatter{WPID: "WP01"}},
		{Front: Frontmatter{WPID: "WP04", Dependencies: []string{"WP02", "WP03"}}},
	}
	assert.Equal(t, []string{"WP01", "WP02", "WP03", "WP04"}, TopoOrder(files))
}
