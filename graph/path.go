package graph

import (
	"math"
	"slices"

	"github.com/flowsmith/taskflow/core"
)

// PathOptions controls how task durations are weighed.
type PathOptions struct {
	// UseActualHours weighs tasks by recorded actual hours instead of the
	// estimate. Tasks without recorded actual hours keep their estimate.
	UseActualHours bool
}

// CriticalPath returns the longest root-to-leaf chain in the dependency tree
// spanned by the given tasks, and its cumulative duration in hours. Ties are
// broken by stable input order. Tasks whose parent is not in the slice act as
// roots.
func CriticalPath(tasks []*core.Task, opts PathOptions) ([]*core.Task, float64) {
	if len(tasks) == 0 {
		return nil, 0
	}

	g := newPathGraph(tasks, opts)

	var root *core.Task
	best := -1.0
	for _, t := range g.roots {
		if d := g.down(t.ID); d > best {
			best = d
			root = t
		}
	}

	path := []*core.Task{root}
	current := root
	for {
		var next *core.Task
		nextBest := -1.0
		for _, c := range g.children[current.ID] {
			if d := g.down(c.ID); d > nextBest {
				nextBest = d
				next = c
			}
		}

		if next == nil {
			break
		}

		path = append(path, next)
		current = next
	}

	return path, best
}

// AllCriticalPaths returns every root-to-leaf path whose duration equals the
// critical duration, in stable input order.
func AllCriticalPaths(tasks []*core.Task, opts PathOptions) [][]*core.Task {
	if len(tasks) == 0 {
		return nil
	}

	g := newPathGraph(tasks, opts)

	best := 0.0
	for _, t := range g.roots {
		if d := g.down(t.ID); d > best {
			best = d
		}
	}

	var paths [][]*core.Task
	for _, t := range g.roots {
		if g.down(t.ID) == best {
			g.collect(t, nil, &paths)
		}
	}

	return paths
}

// Slack computes, per task, how much the task can slip without extending the
// critical duration. Tasks on a critical path have zero slack.
func Slack(tasks []*core.Task) map[string]float64 {
	slack := make(map[string]float64, len(tasks))
	if len(tasks) == 0 {
		return slack
	}

	g := newPathGraph(tasks, PathOptions{})

	critical := 0.0
	for _, t := range g.roots {
		if d := g.down(t.ID); d > critical {
			critical = d
		}
	}

	for _, t := range tasks {
		through := g.up(t.ID) + g.down(t.ID) - g.duration(t)
		slack[t.ID] = math.Max(0, critical-through)
	}

	return slack
}

type pathGraph struct {
	opts PathOptions

	byID     map[string]*core.Task
	children map[string][]*core.Task
	roots    []*core.Task

	downMemo map[string]float64
	upMemo   map[string]float64
	walking  map[string]bool
}

func newPathGraph(tasks []*core.Task, opts PathOptions) *pathGraph {
	g := &pathGraph{
		opts:     opts,
		byID:     make(map[string]*core.Task, len(tasks)),
		children: map[string][]*core.Task{},
		downMemo: map[string]float64{},
		upMemo:   map[string]float64{},
		walking:  map[string]bool{},
	}

	for _, t := range tasks {
		g.byID[t.ID] = t
	}

	for _, t := range tasks {
		if t.ParentID != nil {
			if _, ok := g.byID[*t.ParentID]; ok {
				g.children[*t.ParentID] = append(g.children[*t.ParentID], t)
				continue
			}
		}

		g.roots = append(g.roots, t)
	}

	return g
}

func (g *pathGraph) duration(t *core.Task) float64 {
	if g.opts.UseActualHours && t.ActualHours > 0 {
		return t.ActualHours
	}

	return t.EstimatedHours
}

// down returns the duration of the longest chain starting at the given task.
func (g *pathGraph) down(id string) float64 {
	if d, ok := g.downMemo[id]; ok {
		return d
	}

	// Cycle guard; a revisited task contributes nothing.
	if g.walking[id] {
		return 0
	}
	g.walking[id] = true

	best := 0.0
	for _, c := range g.children[id] {
		if d := g.down(c.ID); d > best {
			best = d
		}
	}

	d := g.duration(g.byID[id]) + best
	g.downMemo[id] = d
	delete(g.walking, id)

	return d
}

// up returns the duration of the chain from the task's root down to and
// including the task. The parent chain is unique, so no tie-breaking applies.
func (g *pathGraph) up(id string) float64 {
	if d, ok := g.upMemo[id]; ok {
		return d
	}

	if g.walking[id] {
		return 0
	}
	g.walking[id] = true

	t := g.byID[id]

	d := g.duration(t)
	if t.ParentID != nil {
		if _, ok := g.byID[*t.ParentID]; ok {
			d += g.up(*t.ParentID)
		}
	}

	g.upMemo[id] = d
	delete(g.walking, id)

	return d
}

func (g *pathGraph) collect(t *core.Task, prefix []*core.Task, paths *[][]*core.Task) {
	prefix = append(prefix, t)

	children := g.children[t.ID]
	if len(children) == 0 {
		*paths = append(*paths, slices.Clone(prefix))
		return
	}

	best := 0.0
	for _, c := range children {
		if d := g.down(c.ID); d > best {
			best = d
		}
	}

	for _, c := range children {
		if g.down(c.ID) == best {
			g.collect(c, prefix, paths)
		}
	}
}
