// Package deps parses inter-task dependency declarations and filters task
// lists to those whose blockers are resolved.
package deps

import (
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bazelment/rlph/sources"
)

var (
	// "blocked by #N" or "depends on #N"
	inlineRe = regexp.MustCompile(`(?i)(?:blocked\s+by|depends\s+on)\s+#(\d+)`)
	// "blockedBy: [N, M, ...]"
	listRe = regexp.MustCompile(`(?i)blockedBy:\s*\[([^\]]+)\]`)
)

// ParseDependencies extracts blocker issue numbers from a task body.
// The result is sorted and deduplicated.
func ParseDependencies(body string) []uint64 {
	var found []uint64

	for _, m := range inlineRe.FindAllStringSubmatch(body, -1) {
		if n, err := strconv.ParseUint(m[1], 10, 64); err == nil {
			found = append(found, n)
		}
	}
	for _, m := range listRe.FindAllStringSubmatch(body, -1) {
		for _, part := range strings.Split(m[1], ",") {
			if n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64); err == nil {
				found = append(found, n)
			}
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	deduped := found[:0]
	var prev uint64
	for i, n := range found {
		if i == 0 || n != prev {
			deduped = append(deduped, n)
		}
		prev = n
	}
	return deduped
}

// Graph maps task IDs to the set of task IDs they depend on. It is rebuilt
// from a freshly fetched task list each iteration; nothing is persisted.
type Graph struct {
	edges map[uint64]map[uint64]bool
}

// Build constructs a Graph by parsing each task's body.
func Build(tasks []sources.Task) *Graph {
	edges := make(map[uint64]map[uint64]bool)
	for _, task := range tasks {
		id, err := strconv.ParseUint(task.ID, 10, 64)
		if err != nil {
			continue
		}
		blockers := ParseDependencies(task.Body)
		if len(blockers) == 0 {
			continue
		}
		set := make(map[uint64]bool, len(blockers))
		for _, b := range blockers {
			set[b] = true
		}
		edges[id] = set
	}
	return &Graph{edges: edges}
}

// DetectCycles returns the node lists of the cycles found by a depth-first
// search, one per back edge; a cycle that only passes through nodes whose
// search has already finished is not listed separately. Children are
// visited in ascending numeric order so results are deterministic.
func (g *Graph) DetectCycles() [][]uint64 {
	nodeSet := make(map[uint64]bool)
	for id, blockers := range g.edges {
		nodeSet[id] = true
		for b := range blockers {
			nodeSet[b] = true
		}
	}
	nodes := sortedKeys(nodeSet)

	visited := make(map[uint64]bool)
	onStack := make(map[uint64]bool)
	var path []uint64
	var cycles [][]uint64

	var dfs func(node uint64)
	dfs = func(node uint64) {
		visited[node] = true
		onStack[node] = true
		path = append(path, node)

		for _, dep := range sortedKeys(g.edges[node]) {
			if !visited[dep] {
				dfs(dep)
			} else if onStack[dep] {
				for i, n := range path {
					if n == dep {
						cycle := make([]uint64, len(path)-i)
						copy(cycle, path[i:])
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}

		path = path[:len(path)-1]
		onStack[node] = false
	}

	for _, node := range nodes {
		if !visited[node] {
			dfs(node)
		}
	}
	return cycles
}

// FilterEligible returns the tasks whose blockers are all in doneIDs.
// Cycle-internal blockers are ignored (with a warning), but blockers
// external to a task's cycle are still enforced.
func (g *Graph) FilterEligible(tasks []sources.Task, doneIDs map[uint64]bool) []sources.Task {
	cycles := g.DetectCycles()
	cycleNodes := make(map[uint64]bool)
	for _, cycle := range cycles {
		for _, n := range cycle {
			cycleNodes[n] = true
		}
	}
	if len(cycleNodes) > 0 {
		slog.Warn("dependency cycles detected; ignoring cycle-internal blockers",
			"cycles", cycles)
	}

	// A blocker shares a cycle with the task exactly when it can reach the
	// task back through the graph.
	reaches := func(from, to uint64) bool {
		seen := map[uint64]bool{from: true}
		stack := []uint64{from}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if n == to {
				return true
			}
			for next := range g.edges[n] {
				if !seen[next] {
					seen[next] = true
					stack = append(stack, next)
				}
			}
		}
		return false
	}

	var eligible []sources.Task
	for _, task := range tasks {
		id, err := strconv.ParseUint(task.ID, 10, 64)
		if err != nil {
			eligible = append(eligible, task)
			continue
		}
		blockers, ok := g.edges[id]
		if !ok {
			eligible = append(eligible, task)
			continue
		}

		blocked := false
		for dep := range blockers {
			if reaches(dep, id) {
				continue
			}
			if !doneIDs[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			eligible = append(eligible, task)
		}
	}
	return eligible
}

func sortedKeys(set map[uint64]bool) []uint64 {
	keys := make([]uint64, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
