// Package depcheck validates task dependency graphs: no self-references, no
// duplicate edges, and no cycles. Single-task checks use a per-branch
// path-set depth-first search rather than a single global visited set, so
// that a dependency already cleared on one branch does not falsely clear a
// cycle reachable only through another branch of the same diamond. Batch
// checks (used by project breakdown, where many tasks are created together)
// use a topological sort over the whole proposed graph instead.
package depcheck

import (
	"context"
	"fmt"

	"github.com/taskcoord/coordinator/coordinaterr"
)

// Resolver looks up the dependency ids of an existing task, keyed by id.
// The store package's TaskStore satisfies this via a thin adapter.
type Resolver interface {
	DependenciesOf(ctx context.Context, taskID int64) ([]int64, error)
}

// ValidateNew checks a new task's proposed dependency list before it is
// persisted. id is the new task's id if already known (0 if not yet
// assigned, e.g. pre-insert); deps must not contain id, duplicates, or an
// id that would close a cycle with deps already in the store.
func ValidateNew(ctx context.Context, r Resolver, id int64, deps []int64) error {
	seen := make(map[int64]bool, len(deps))
	for _, d := range deps {
		if d == id && id != 0 {
			return coordinaterr.New(coordinaterr.CodeDependencyInvalid, "task cannot depend on itself")
		}
		if seen[d] {
			return coordinaterr.Newf(coordinaterr.CodeDependencyInvalid, "duplicate dependency %d", d)
		}
		seen[d] = true
	}

	for _, d := range deps {
		if err := walk(ctx, r, d, id, map[int64]bool{}); err != nil {
			return err
		}
	}
	return nil
}

// walk performs a depth-first search from node, looking for target. path
// tracks only the current branch (not a global visited set): a node may
// legitimately appear on two different branches of a diamond without that
// being a cycle, so a node is only an error when it reappears on its own
// branch's path.
func walk(ctx context.Context, r Resolver, node, target int64, path map[int64]bool) error {
	if node == target {
		return coordinaterr.Newf(coordinaterr.CodeDependencyInvalid, "dependency on %d would create a cycle", target)
	}
	if path[node] {
		return coordinaterr.Newf(coordinaterr.CodeDependencyInvalid, "dependency graph contains a cycle at task %d", node)
	}

	next := make(map[int64]bool, len(path)+1)
	for k := range path {
		next[k] = true
	}
	next[node] = true

	deps, err := r.DependenciesOf(ctx, node)
	if err != nil {
		return fmt.Errorf("depcheck: resolve dependencies of %d: %w", node, err)
	}
	for _, d := range deps {
		if err := walk(ctx, r, d, target, next); err != nil {
			return err
		}
	}
	return nil
}

// Edge is one proposed dependency relation within a batch being validated
// together, e.g. the child tasks of a single project breakdown.
type Edge struct {
	TaskRef   string
	DependsOn []string
}

// ValidateBatch checks a whole proposed batch of tasks (identified by
// caller-chosen string refs, since none have database ids yet) for cycles
// using Kahn's algorithm: repeatedly remove nodes with no remaining
// incoming edges until none remain, or until a cycle is proven by no node
// being removable.
func ValidateBatch(edges []Edge) error {
	indegree := make(map[string]int)
	adj := make(map[string][]string)
	nodes := make(map[string]bool)

	for _, e := range edges {
		nodes[e.TaskRef] = true
		if _, ok := indegree[e.TaskRef]; !ok {
			indegree[e.TaskRef] = 0
		}
		for _, dep := range e.DependsOn {
			if dep == e.TaskRef {
				return coordinaterr.Newf(coordinaterr.CodeDependencyInvalid, "task %q cannot depend on itself", e.TaskRef)
			}
			nodes[dep] = true
			adj[dep] = append(adj[dep], e.TaskRef)
			indegree[e.TaskRef]++
		}
	}

	var queue []string
	for n := range nodes {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[n] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(nodes) {
		return coordinaterr.New(coordinaterr.CodeDependencyInvalid, "dependency graph contains a cycle")
	}
	return nil
}
