package merge

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"

	"github.com/speckitty/speckitty/internal/feature"
	"github.com/speckitty/speckitty/internal/lane"
	"github.com/speckitty/speckitty/internal/log"
)

// Conflict markers as git writes them.
const (
	markerOurs   = "<<<<<<<"
	markerSplit  = "======="
	markerTheirs = ">>>>>>>"
)

var (
	laneLineRe     = regexp.MustCompile(`^(\s*)lane:\s*(\S+)\s*$`)
	checkboxLineRe = regexp.MustCompile(`^(\s*)- \[( |x)\] (.*)$`)
	historyItemRe  = regexp.MustCompile(`^\s*- at:`)
)

// region is one conflicted hunk with both sides.
type region struct {
	ours   []string
	theirs []string
}

// ResolveStatusFile rewrites a conflicted status file by content-type rule.
// It returns the resolved content and whether every region was resolvable.
// Unresolvable regions keep their markers; the caller pauses the merge.
func ResolveStatusFile(content string) (string, bool) {
	lines := strings.Split(content, "\n")
	var out []string
	resolvedAll := true

	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], markerOurs) {
			out = append(out, lines[i])
			continue
		}
		reg, end, err := parseRegion(lines, i)
		if err != nil {
			// Malformed markers: keep the remainder untouched.
			out = append(out, lines[i:]...)
			resolvedAll = false
			break
		}
		resolved, ok := resolveRegion(reg)
		if ok {
			out = append(out, resolved...)
		} else {
			out = append(out, lines[i:end+1]...)
			resolvedAll = false
			logRegionDiff(reg)
		}
		i = end
	}
	return strings.Join(out, "\n"), resolvedAll
}

// parseRegion extracts the conflict hunk starting at lines[start].
func parseRegion(lines []string, start int) (*region, int, error) {
	reg := &region{}
	side := &reg.ours
	for i := start + 1; i < len(lines); i++ {
		switch {
		case strings.HasPrefix(lines[i], markerSplit):
			side = &reg.theirs
		case strings.HasPrefix(lines[i], markerTheirs):
			return reg, i, nil
		default:
			*side = append(*side, lines[i])
		}
	}
	return nil, 0, fmt.Errorf("unterminated conflict region at line %d", start+1)
}

// resolveRegion applies the content-type rules: lane fields, checkbox lines,
// history arrays. Anything else is unresolvable.
func resolveRegion(reg *region) ([]string, bool) {
	if resolved, ok := resolveLane(reg); ok {
		return resolved, true
	}
	if resolved, ok := resolveCheckboxes(reg); ok {
		return resolved, true
	}
	if resolved, ok := resolveHistory(reg); ok {
		return resolved, true
	}
	return nil, false
}

// resolveLane handles a single conflicting lane field: more-done wins, equal
// priority prefers ours.
func resolveLane(reg *region) ([]string, bool) {
	if len(reg.ours) != 1 || len(reg.theirs) != 1 {
		return nil, false
	}
	mo := laneLineRe.FindStringSubmatch(reg.ours[0])
	mt := laneLineRe.FindStringSubmatch(reg.theirs[0])
	if mo == nil || mt == nil {
		return nil, false
	}
	ourLane, err1 := lane.Parse(mo[2])
	theirLane, err2 := lane.Parse(mt[2])
	if err1 != nil || err2 != nil {
		return nil, false
	}
	if theirLane.MergePriority() > ourLane.MergePriority() {
		return []string{mt[1] + "lane: " + string(theirLane)}, true
	}
	return []string{mo[1] + "lane: " + string(ourLane)}, true
}

// resolveCheckboxes merges two runs of checkbox lines, preferring [x] for
// tasks present on both sides and keeping side-only tasks.
func resolveCheckboxes(reg *region) ([]string, bool) {
	if len(reg.ours) == 0 && len(reg.theirs) == 0 {
		return nil, false
	}
	type box struct {
		indent string
		done   bool
		text   string
	}
	parse := func(lines []string) ([]box, bool) {
		var boxes []box
		for _, l := range lines {
			m := checkboxLineRe.FindStringSubmatch(l)
			if m == nil {
				return nil, false
			}
			boxes = append(boxes, box{indent: m[1], done: m[2] == "x", text: m[3]})
		}
		return boxes, true
	}
	ours, ok := parse(reg.ours)
	if !ok {
		return nil, false
	}
	theirs, ok := parse(reg.theirs)
	if !ok {
		return nil, false
	}

	theirsDone := make(map[string]bool, len(theirs))
	seen := make(map[string]bool, len(ours))
	for _, b := range theirs {
		if b.done {
			theirsDone[b.text] = true
		}
	}

	var out []string
	render := func(b box) string {
		mark := " "
		if b.done || theirsDone[b.text] {
			mark = "x"
		}
		return b.indent + "- [" + mark + "] " + b.text
	}
	for _, b := range ours {
		seen[b.text] = true
		out = append(out, render(b))
	}
	for _, b := range theirs {
		if !seen[b.text] {
			out = append(out, render(b))
		}
	}
	return out, true
}

// resolveHistory YAML-merges two history lists: union, dedupe by identity,
// chronological order.
func resolveHistory(reg *region) ([]string, bool) {
	if len(reg.ours) == 0 || len(reg.theirs) == 0 {
		return nil, false
	}
	if !historyItemRe.MatchString(reg.ours[0]) || !historyItemRe.MatchString(reg.theirs[0]) {
		return nil, false
	}

	indent := leadingWhitespace(reg.ours[0])
	ours, err1 := parseHistoryLines(reg.ours)
	theirs, err2 := parseHistoryLines(reg.theirs)
	if err1 != nil || err2 != nil {
		return nil, false
	}

	type key struct {
		at   int64
		by   string
		note string
	}
	seen := make(map[key]bool)
	var merged []feature.HistoryEntry
	for _, e := range append(ours, theirs...) {
		k := key{at: e.At.UnixNano(), by: e.By, note: e.Note}
		if seen[k] {
			continue
		}
		seen[k] = true
		merged = append(merged, e)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].At.Before(merged[j].At) })

	rendered, err := renderHistory(merged, indent)
	if err != nil {
		return nil, false
	}
	return rendered, true
}

func leadingWhitespace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

// parseHistoryLines dedents the hunk and parses it as a YAML list.
func parseHistoryLines(lines []string) ([]feature.HistoryEntry, error) {
	indent := leadingWhitespace(lines[0])
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(strings.TrimPrefix(l, indent))
		b.WriteString("\n")
	}
	var entries []feature.HistoryEntry
	if err := yaml.Unmarshal([]byte(b.String()), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func renderHistory(entries []feature.HistoryEntry, indent string) ([]string, error) {
	data, err := yaml.Marshal(entries)
	if err != nil {
		return nil, err
	}
	raw := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		out = append(out, indent+l)
	}
	return out, nil
}

// logRegionDiff surfaces a readable diff of an unresolvable region.
func logRegionDiff(reg *region) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(strings.Join(reg.ours, "\n"), strings.Join(reg.theirs, "\n"), false)
	log.Warn(log.CatMerge, "Conflict region needs manual resolution",
		"diff", dmp.DiffPrettyText(diffs))
}
