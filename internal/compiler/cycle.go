package compiler

import (
	"fmt"
	"slices"
	"strings"
)

// dependencyGraph maps a node name to the names it must be built after.
type dependencyGraph map[string][]string

// buildDependencyGraph collects, for one scope, the references between
// its own nodes. References to the blueprint input or to enclosing scopes
// are already built when the scope is and add no edge. A pad's bind target
// adds no edge either: pads are bound once the whole scope exists, which is
// what lets a feedback loop close through a pad.
//
// For the root scope, bodies holds the blueprints: a node that instantiates
// a body also depends on every root node the body reads, since a restored
// switch builds its arm as soon as it is created.
func buildDependencyGraph(nodes []NodeDef, bodies map[string]*BlueprintDef) dependencyGraph {
	local := make(map[string]bool, len(nodes))
	for _, d := range nodes {
		local[d.Name] = true
	}
	graph := make(dependencyGraph, len(nodes))
	for i := range nodes {
		d := &nodes[i]
		deps := []string{}
		add := func(s string) {
			r, err := ParseRef(s)
			if err != nil || !local[r.Node] || slices.Contains(deps, r.Node) {
				return
			}
			deps = append(deps, r.Node)
		}
		for _, s := range d.refs() {
			add(s)
		}
		if bodies != nil {
			visited := make(map[string]bool)
			for _, name := range d.blueprints() {
				for _, s := range outerRefs(name, bodies, visited) {
					add(s)
				}
			}
		}
		graph[d.Name] = deps
	}
	return graph
}

// outerRefs lists the references blueprint name and the blueprints it
// instantiates make to names they do not define themselves.
func outerRefs(name string, bodies map[string]*BlueprintDef, visited map[string]bool) []string {
	bp, ok := bodies[name]
	if !ok || visited[name] {
		return nil
	}
	visited[name] = true
	own := make(map[string]bool, len(bp.Nodes))
	for _, d := range bp.Nodes {
		own[d.Name] = true
	}
	var out []string
	keep := func(s string) {
		r, err := ParseRef(s)
		if err == nil && r.Node != InputName && !own[r.Node] {
			out = append(out, s)
		}
	}
	keep(bp.Output)
	for i := range bp.Nodes {
		d := &bp.Nodes[i]
		for _, s := range d.refs() {
			keep(s)
		}
		if d.Bind != "" {
			keep(d.Bind)
		}
		for _, nested := range d.blueprints() {
			out = append(out, outerRefs(nested, bodies, visited)...)
		}
	}
	return out
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Returns a list of SCCs, where each SCC is a list of node names.
// Single-node SCCs without self-loops are NOT cycles. Nodes are visited in
// name order so the result is stable.
func tarjanSCC(graph dependencyGraph) [][]string {
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
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	for _, node := range sortedKeys(graph) {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// cycles returns every SCC of graph that is a real cycle.
func cycles(graph dependencyGraph) [][]string {
	var out [][]string
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			out = append(out, scc)
		}
	}
	slices.SortFunc(out, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	return out
}

// reconstructCyclePath builds a readable cycle path through an SCC,
// starting and ending at its first member.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}
	if len(scc) == 1 {
		return []string{scc[0], scc[0]}
	}

	sccSet := make(map[string]bool)
	for _, node := range scc {
		sccSet[node] = true
	}

	start := scc[0]
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

// cycleErrors reports reference cycles within the graph and each
// blueprint, and blueprints that call themselves through call nodes.
// Switch arms and collection bodies instantiate lazily, so recursion
// through them is allowed.
func cycleErrors(g *GraphDef, blueprints map[string]*BlueprintDef) []ValidationError {
	var errs []ValidationError
	report := func(scope string, nodes []NodeDef, bodies map[string]*BlueprintDef) {
		graph := buildDependencyGraph(nodes, bodies)
		for _, scc := range cycles(graph) {
			errs = append(errs, ValidationError{
				Field: scope,
				Code:  ErrReferenceCycle,
				Message: fmt.Sprintf("cycle without a pad: %s",
					strings.Join(reconstructCyclePath(scc, graph), " -> ")),
			})
		}
	}

	report("graph", g.Nodes, blueprints)
	calls := make(dependencyGraph, len(blueprints))
	for _, name := range sortedKeys(blueprints) {
		bp := blueprints[name]
		report("blueprints."+name, bp.Nodes, nil)
		deps := []string{}
		for _, d := range bp.Nodes {
			if d.Kind == "call" && d.Body != "" {
				if _, ok := blueprints[d.Body]; ok && !slices.Contains(deps, d.Body) {
					deps = append(deps, d.Body)
				}
			}
		}
		calls[name] = deps
	}
	for _, scc := range cycles(calls) {
		errs = append(errs, ValidationError{
			Field: "blueprints." + scc[0],
			Code:  ErrReferenceCycle,
			Message: fmt.Sprintf("blueprint calls itself: %s",
				strings.Join(reconstructCyclePath(scc, calls), " -> ")),
		})
	}
	return errs
}

// buildOrder returns the indices of nodes in an order where every node
// follows its dependencies, breaking ties by name. The graph must be
// acyclic.
func buildOrder(nodes []NodeDef, bodies map[string]*BlueprintDef) []int {
	graph := buildDependencyGraph(nodes, bodies)
	index := make(map[string]int, len(nodes))
	for i, d := range nodes {
		index[d.Name] = i
	}

	done := make(map[string]bool, len(nodes))
	order := make([]int, 0, len(nodes))
	var visit func(string)
	visit = func(name string) {
		if done[name] {
			return
		}
		done[name] = true
		for _, dep := range graph[name] {
			visit(dep)
		}
		order = append(order, index[name])
	}
	for _, name := range sortedKeys(graph) {
		visit(name)
	}
	return order
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
