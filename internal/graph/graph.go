// Package graph tracks must-complete-before edges between deployments and
// answers readiness queries.
//
// Nodes live in an arena (a slice) and edges are stored as slot indices in
// both directions, so the graph holds no pointers between nodes and can be
// rebuilt from stored dependency lists. Freed slots are reused.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/me/berth/pkg/model"
)

var (
	// ErrCycleDetected is returned when an edge would close a cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")
	// ErrCrossClusterDependency is returned when the two ends belong to different clusters.
	ErrCrossClusterDependency = errors.New("dependency crosses clusters")
	// ErrUnknownNode is returned for ids the graph does not contain.
	ErrUnknownNode = errors.New("unknown deployment in dependency graph")
	// ErrDuplicateNode is returned by AddNode for an id already present.
	ErrDuplicateNode = errors.New("deployment already in dependency graph")
)

// StatusFunc reports the current state of a deployment by id.
type StatusFunc func(id string) model.DeploymentState

type node struct {
	id         string
	cluster    string
	live       bool
	deps       []int // slots this node waits on
	dependents []int // slots waiting on this node
}

// Graph is a dependency graph safe for concurrent use. Its lock is never
// held while calling anything other than a StatusFunc.
type Graph struct {
	mu    sync.RWMutex
	nodes []node
	index map[string]int
	free  []int
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{index: make(map[string]int)}
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.index)
}

// Has reports whether id is in the graph.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.index[id]
	return ok
}

// AddNode inserts id for cluster with edges to deps. Every dependency is
// validated before anything is linked.
func (g *Graph) AddNode(id, cluster string, deps ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.index[id]; ok {
		return fmt.Errorf("add %s: %w", id, ErrDuplicateNode)
	}

	depSlots := make([]int, 0, len(deps))
	seen := make(map[int]bool, len(deps))
	for _, dep := range deps {
		slot, ok := g.index[dep]
		if !ok {
			return fmt.Errorf("add %s: dependency %s: %w", id, dep, ErrUnknownNode)
		}
		if g.nodes[slot].cluster != cluster {
			return fmt.Errorf("add %s: dependency %s is in cluster %s, not %s: %w",
				id, dep, g.nodes[slot].cluster, cluster, ErrCrossClusterDependency)
		}
		if !seen[slot] {
			seen[slot] = true
			depSlots = append(depSlots, slot)
		}
	}

	var slot int
	if n := len(g.free); n > 0 {
		slot = g.free[n-1]
		g.free = g.free[:n-1]
	} else {
		slot = len(g.nodes)
		g.nodes = append(g.nodes, node{})
	}
	g.nodes[slot] = node{id: id, cluster: cluster, live: true, deps: depSlots}
	g.index[id] = slot
	for _, d := range depSlots {
		g.nodes[d].dependents = append(g.nodes[d].dependents, slot)
	}
	return nil
}

// AddEdge records that dependent must wait for dependency. Adding an
// existing edge is a no-op.
func (g *Graph) AddEdge(dependent, dependency string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	from, ok := g.index[dependent]
	if !ok {
		return fmt.Errorf("edge %s -> %s: %s: %w", dependent, dependency, dependent, ErrUnknownNode)
	}
	to, ok := g.index[dependency]
	if !ok {
		return fmt.Errorf("edge %s -> %s: %s: %w", dependent, dependency, dependency, ErrUnknownNode)
	}
	if g.nodes[from].cluster != g.nodes[to].cluster {
		return fmt.Errorf("edge %s -> %s: %w", dependent, dependency, ErrCrossClusterDependency)
	}
	for _, d := range g.nodes[from].deps {
		if d == to {
			return nil
		}
	}
	if from == to || g.reachable(to, from) {
		return fmt.Errorf("edge %s -> %s: %w", dependent, dependency, ErrCycleDetected)
	}

	g.nodes[from].deps = append(g.nodes[from].deps, to)
	g.nodes[to].dependents = append(g.nodes[to].dependents, from)
	return nil
}

// reachable reports whether target is reachable from start by following
// dependency edges. Iterative DFS, O(V+E).
func (g *Graph) reachable(start, target int) bool {
	visited := make([]bool, len(g.nodes))
	stack := []int{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, g.nodes[cur].deps...)
	}
	return false
}

// RemoveNode drops id and every edge touching it. It returns the ids that
// were waiting on id, sorted.
func (g *Graph) RemoveNode(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	slot, ok := g.index[id]
	if !ok {
		return nil, fmt.Errorf("remove %s: %w", id, ErrUnknownNode)
	}
	n := g.nodes[slot]

	orphans := make([]string, 0, len(n.dependents))
	for _, d := range n.dependents {
		g.nodes[d].deps = without(g.nodes[d].deps, slot)
		orphans = append(orphans, g.nodes[d].id)
	}
	for _, d := range n.deps {
		g.nodes[d].dependents = without(g.nodes[d].dependents, slot)
	}

	g.nodes[slot] = node{}
	delete(g.index, id)
	g.free = append(g.free, slot)
	sort.Strings(orphans)
	return orphans, nil
}

func without(slots []int, slot int) []int {
	out := slots[:0]
	for _, s := range slots {
		if s != slot {
			out = append(out, s)
		}
	}
	return out
}

// IsReady reports whether every dependency of id is COMPLETED. A node with
// no dependencies is ready; an unknown id is not.
func (g *Graph) IsReady(id string, status StatusFunc) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slot, ok := g.index[id]
	if !ok {
		return false
	}
	return g.ready(slot, status)
}

func (g *Graph) ready(slot int, status StatusFunc) bool {
	for _, d := range g.nodes[slot].deps {
		if status(g.nodes[d].id) != model.DeploymentStateCompleted {
			return false
		}
	}
	return true
}

// OnCompleted returns the dependents of id that are ready now that id has
// completed, sorted. status must already report id as COMPLETED.
func (g *Graph) OnCompleted(id string, status StatusFunc) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slot, ok := g.index[id]
	if !ok {
		return nil
	}
	var ready []string
	for _, d := range g.nodes[slot].dependents {
		if g.ready(d, status) {
			ready = append(ready, g.nodes[d].id)
		}
	}
	sort.Strings(ready)
	return ready
}

// Dependencies returns the ids id waits on, sorted.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slot, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.ids(g.nodes[slot].deps)
}

// Dependents returns the ids waiting on id, sorted.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slot, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.ids(g.nodes[slot].dependents)
}

func (g *Graph) ids(slots []int) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, g.nodes[s].id)
	}
	sort.Strings(out)
	return out
}

// SortByDependencies orders the keys of deps so that every id comes after the
// ids it depends on. Dependencies that are not keys of deps are ignored.
// It uses Kahn's algorithm and reports a cycle if one exists.
func SortByDependencies(deps map[string][]string) ([]string, error) {
	// forward[A] = [B, C] means A must complete before B and C.
	forward := make(map[string][]string, len(deps))
	inDegree := make(map[string]int, len(deps))
	for id := range deps {
		inDegree[id] = 0
	}
	for id, ds := range deps {
		seen := make(map[string]bool, len(ds))
		for _, d := range ds {
			if _, ok := deps[d]; !ok || seen[d] {
				continue
			}
			if d == id {
				return nil, fmt.Errorf("%s depends on itself: %w", id, ErrCycleDetected)
			}
			seen[d] = true
			forward[d] = append(forward[d], id)
			inDegree[id]++
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(deps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		successors := forward[id]
		sort.Strings(successors)
		for _, succ := range successors {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Strings(queue)
	}

	if len(order) != len(deps) {
		var cycle []string
		for id, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, fmt.Errorf("cycle involving %s: %w", strings.Join(cycle, ", "), ErrCycleDetected)
	}
	return order, nil
}
