package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/ir"
)

// emitActionName is the action whose descendants can re-enter the engine.
const emitActionName = "EmitEvent"

// CascadeWarning reports rules that can trigger each other through
// unsealed descendant events.
//
// Cascades are warnings, not errors: the engine's depth limit stops them
// at runtime and some are intentional (a bounded follow-up chain).
type CascadeWarning struct {
	Path    []string `json:"path"`    // ["rule-a", "rule-b", "rule-a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning"
}

// AnalyzeCascades builds the rule dependency graph and reports every
// strongly connected component that can loop.
//
// An edge A → B exists when A emits an unsealed event with a literal topic
// that B's pattern matches. Templated topics are resolved per event and
// are not analyzed.
//
// A DAG (no cycles) returns an empty warning list.
func AnalyzeCascades(rules []ir.Rule) []CascadeWarning {
	if len(rules) == 0 {
		return []CascadeWarning{}
	}

	graph, order := buildDependencyGraph(rules)
	sccs := tarjanSCC(graph, order)

	warnings := []CascadeWarning{}
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, sccToWarning(scc, graph))
		}
	}
	return warnings
}

// dependencyGraph maps rule_id → rule_ids its descendants could trigger.
type dependencyGraph map[string][]string

// buildDependencyGraph constructs the graph and returns the node order
// (declaration order) so traversal is deterministic.
func buildDependencyGraph(rules []ir.Rule) (dependencyGraph, []string) {
	graph := make(dependencyGraph)
	order := make([]string, 0, len(rules))

	patterns := make(map[string]event.Pattern, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		p, err := event.CompilePattern(r.Topic)
		if err != nil {
			continue
		}
		patterns[r.ID] = p
	}

	for _, r := range rules {
		if _, ok := patterns[r.ID]; !ok {
			continue
		}
		order = append(order, r.ID)
		graph[r.ID] = []string{}
		for _, topic := range unsealedEmits(r) {
			for _, target := range rules {
				p, ok := patterns[target.ID]
				if ok && p.Match(topic) && !contains(graph[r.ID], target.ID) {
					graph[r.ID] = append(graph[r.ID], target.ID)
				}
			}
		}
	}
	return graph, order
}

// unsealedEmits lists the literal topics a rule emits without sealing.
func unsealedEmits(r ir.Rule) []string {
	if r.SealDescendants {
		return nil
	}
	var topics []string
	for _, a := range r.Actions {
		if a.Name != emitActionName {
			continue
		}
		if sealed, _ := a.Args["sealed"].(bool); sealed {
			continue
		}
		topic, _ := a.Args["topic"].(string)
		if topic == "" || strings.Contains(topic, "${") {
			continue
		}
		topics = append(topics, topic)
	}
	return topics
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	return contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Returns a list of SCCs, where each SCC is a list of rule IDs.
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(graph dependencyGraph, order []string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// If v is a root node, pop the stack and create an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// sccToWarning converts an SCC to a CascadeWarning.
func sccToWarning(scc []string, graph dependencyGraph) CascadeWarning {
	if len(scc) == 1 {
		id := scc[0]
		return CascadeWarning{
			Path:    []string{id, id},
			Message: fmt.Sprintf("rule %s re-triggers itself through unsealed events", id),
			Level:   "warning",
		}
	}

	path := reconstructCyclePath(scc, graph)
	return CascadeWarning{
		Path:    path,
		Message: fmt.Sprintf("potential cascade: %s", strings.Join(path, " → ")),
		Level:   "warning",
	}
}

// reconstructCyclePath follows edges inside the SCC from its first node
// until it returns to the start.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	sccSet := make(map[string]bool)
	for _, node := range scc {
		sccSet[node] = true
	}

	start := scc[len(scc)-1]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph[current] {
			if sccSet[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
