package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/speckitty/speckitty/internal/lane"
)

// out is where all command output goes. Tests swap it for a buffer.
var out io.Writer = os.Stdout

var (
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	styleFail    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleSubtle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleHeader  = lipgloss.NewStyle().Bold(true)
)

// laneColors matches the kanban board palette.
var laneColors = map[lane.Lane]string{
	lane.Planned:    "245",
	lane.Claimed:    "110",
	lane.InProgress: "214",
	lane.ForReview:  "135",
	lane.Done:       "42",
	lane.Blocked:    "196",
	lane.Canceled:   "240",
}

func laneStyle(l lane.Lane) lipgloss.Style {
	color, ok := laneColors[l]
	if !ok {
		color = "245"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color))
}

func okLine(format string, args ...any) {
	fmt.Fprintln(out, styleSuccess.Render("✓")+" "+fmt.Sprintf(format, args...))
}

func failLine(format string, args ...any) {
	fmt.Fprintln(out, styleFail.Render("✗")+" "+fmt.Sprintf(format, args...))
}

func warnLine(format string, args ...any) {
	fmt.Fprintln(out, styleWarn.Render("!")+" "+fmt.Sprintf(format, args...))
}

func dimLine(format string, args ...any) {
	fmt.Fprintln(out, styleSubtle.Render(fmt.Sprintf(format, args...)))
}

func headerLine(format string, args ...any) {
	fmt.Fprintln(out, styleHeader.Render(fmt.Sprintf(format, args...)))
}

// treeNode is one rendered line of a progress tree.
type treeNode struct {
	label  string
	status string
	style  lipgloss.Style
}

// renderTree prints a single-level progress tree under a header.
func renderTree(title string, nodes []treeNode) {
	headerLine("%s", title)
	for i, n := range nodes {
		branch := "├─"
		if i == len(nodes)-1 {
			branch = "└─"
		}
		line := styleSubtle.Render(branch) + " " + n.label
		if n.status != "" {
			line += " " + n.style.Render(n.status)
		}
		fmt.Fprintln(out, line)
	}
}
