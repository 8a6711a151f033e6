package feature

import (
	"fmt"
	"sort"
)

// ValidateDependencies checks the declared dependency sets of a WP file set:
// every reference must name another WP of the same feature, no WP may depend
// on itself, and the graph must be acyclic. Run at finalization.
func ValidateDependencies(files []*WPFile) error {
	ids := make(map[string]bool, len(files))
	for _, wp := range files {
		if ids[wp.Front.WPID] {
			return fmt.Errorf("duplicate work package id %s", wp.Front.WPID)
		}
		ids[wp.Front.WPID] = true
	}

	deps := make(map[string][]string, len(files))
	for _, wp := range files {
		for _, dep := range wp.Front.Dependencies {
			if dep == wp.Front.WPID {
				return fmt.Errorf("%s depends on itself", wp.Front.WPID)
			}
			if !ids[dep] {
				return fmt.Errorf("%s depends on unknown work package %s", wp.Front.WPID, dep)
			}
			deps[wp.Front.WPID] = append(deps[wp.Front.WPID], dep)
		}
	}

	if cycle := findCycle(deps); cycle != nil {
		return fmt.Errorf("dependency cycle: %v", cycle)
	}
	return nil
}

// TopoOrder returns WP ids in dependency order, ties broken by WP id.
// Assumes ValidateDependencies has passed.
func TopoOrder(files []*WPFile) []string {
	deps := make(map[string][]string, len(files))
	var ids []string
	for _, wp := range files {
		ids = append(ids, wp.Front.WPID)
		deps[wp.Front.WPID] = append([]string(nil), wp.Front.Dependencies...)
	}
	sort.Strings(ids)

	var order []string
	placed := make(map[string]bool, len(ids))
	for len(order) < len(ids) {
		progressed := false
		for _, id := range ids {
			if placed[id] {
				continue
			}
			ready := true
			for _, dep := range deps[id] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				order = append(order, id)
				placed[id] = true
				progressed = true
			}
		}
		if !progressed {
			// Cyclic input; return what we have rather than spin.
			break
		}
	}
	return order
}

// findCycle runs a colored DFS and returns one cycle if present.
func findCycle(deps map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(node string) bool
	visit = func(node string) bool {
		color[node] = gray
		stack = append(stack, node)
		for _, dep := range deps[node] {
			switch color[dep] {
			case gray:
				// Found the back edge; slice the cycle out of the stack.
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
		return false
	}

	var nodes []string
	for n := range deps {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}
