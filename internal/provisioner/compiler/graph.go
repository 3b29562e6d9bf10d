package compiler

import (
	"fmt"
	"reflect"
	"sort"
)

// Edge types.
const (
	// EdgeDependsOn is an explicit ordering edge, compiled to depends_on.
	EdgeDependsOn = "depends_on"
	// EdgeReference is implied by an expression in the dependent's spec.
	// The engine infers it on its own, so it is not compiled.
	EdgeReference = "reference"
)

// Graph is the set of declared records and the dependency edges between them.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is one resource or data source record.
type Node struct {
	Type string `json:"type"` // e.g. "google_cloud_run_v2_service"
	Name string `json:"name"`
	Data bool   `json:"data,omitempty"`
	Spec any    `json:"spec"`
}

// Address is the engine address of the node.
func (n Node) Address() string {
	if n.Data {
		return "data." + n.Type + "." + n.Name
	}
	return n.Type + "." + n.Name
}

// Ref references an attribute of the node.
func (n Node) Ref(attr string) Ref {
	return Ref(n.Address() + "." + attr)
}

// Edge states that To must be created after From.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// Add appends a node and returns it for chaining references.
func (g *Graph) Add(n Node) Node {
	g.Nodes = append(g.Nodes, n)
	return n
}

// DependOn records explicit edges making dependent wait for each of deps.
func (g *Graph) DependOn(dependent Node, deps ...Node) {
	for _, d := range deps {
		g.Edges = append(g.Edges, Edge{From: d.Address(), To: dependent.Address(), Type: EdgeDependsOn})
	}
}

// Find returns the node with the given address.
func (g *Graph) Find(address string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.Address() == address {
			return n, true
		}
	}
	return Node{}, false
}

// OfType returns all nodes of a resource type, in declaration order.
func (g *Graph) OfType(typ string) []Node {
	var out []Node
	for _, n := range g.Nodes {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

// withReferenceEdges returns the explicit edges plus one reference edge per
// distinct Ref in a node spec that points at another node.
func (g *Graph) withReferenceEdges() []Edge {
	edges := append([]Edge(nil), g.Edges...)
	for _, n := range g.Nodes {
		seen := map[string]bool{}
		for _, r := range specRefs(n.Spec) {
			addr := r.Address()
			if addr == "" || addr == n.Address() || seen[addr] {
				continue
			}
			seen[addr] = true
			edges = append(edges, Edge{From: addr, To: n.Address(), Type: EdgeReference})
		}
	}
	return edges
}

// explicitDeps returns the sorted depends_on addresses for a node.
func (g *Graph) explicitDeps(address string) []string {
	set := map[string]bool{}
	for _, e := range g.Edges {
		if e.To == address && e.Type == EdgeDependsOn {
			set[e.From] = true
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// TopoOrder returns node addresses in an order the engine could create them:
// every node after all of its dependencies, explicit or referential. Ties
// are broken by declaration order. It fails on duplicates, dangling edges,
// and cycles.
func (g *Graph) TopoOrder() ([]string, error) {
	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		addr := n.Address()
		if _, dup := index[addr]; dup {
			return nil, fmt.Errorf("duplicate node %s", addr)
		}
		index[addr] = i
	}

	indeg := make([]int, len(g.Nodes))
	out := make([][]int, len(g.Nodes))
	seen := map[[2]int]bool{}
	for _, e := range g.withReferenceEdges() {
		from, ok := index[e.From]
		if !ok {
			return nil, fmt.Errorf("edge %s -> %s: unknown node %s", e.From, e.To, e.From)
		}
		to, ok := index[e.To]
		if !ok {
			return nil, fmt.Errorf("edge %s -> %s: unknown node %s", e.From, e.To, e.To)
		}
		if seen[[2]int{from, to}] {
			continue
		}
		seen[[2]int{from, to}] = true
		out[from] = append(out[from], to)
		indeg[to]++
	}

	var ready []int
	for i := range g.Nodes {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		sort.Ints(ready)
		cur := ready[0]
		ready = ready[1:]
		order = append(order, g.Nodes[cur].Address())
		for _, next := range out[cur] {
			indeg[next]--
			if indeg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(g.Nodes) {
		var stuck []string
		for i, d := range indeg {
			if d > 0 {
				stuck = append(stuck, g.Nodes[i].Address())
			}
		}
		return nil, fmt.Errorf("dependency cycle among %v", stuck)
	}
	return order, nil
}

// DependsOn reports whether dependent transitively depends on dependency.
func (g *Graph) DependsOn(dependent, dependency string) bool {
	parents := map[string][]string{}
	for _, e := range g.withReferenceEdges() {
		parents[e.To] = append(parents[e.To], e.From)
	}
	visited := map[string]bool{}
	stack := []string{dependent}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range parents[cur] {
			if p == dependency {
				return true
			}
			if !visited[p] {
				visited[p] = true
				stack = append(stack, p)
			}
		}
	}
	return false
}

var (
	refType  = reflect.TypeOf(Ref(""))
	callType = reflect.TypeOf(Call{})
)

// specRefs walks a spec value and returns every Ref inside it.
func specRefs(spec any) []Ref {
	var out []Ref
	var walk func(v reflect.Value)
	walk = func(v reflect.Value) {
		if !v.IsValid() {
			return
		}
		switch {
		case v.Type() == refType:
			out = append(out, Ref(v.String()))
			return
		case v.Type() == callType:
			out = append(out, refsIn(v.Interface())...)
			return
		}
		switch v.Kind() {
		case reflect.Pointer, reflect.Interface:
			if !v.IsNil() {
				walk(v.Elem())
			}
		case reflect.Struct:
			for i := 0; i < v.NumField(); i++ {
				if v.Type().Field(i).IsExported() {
					walk(v.Field(i))
				}
			}
		case reflect.Slice, reflect.Array:
			for i := 0; i < v.Len(); i++ {
				walk(v.Index(i))
			}
		case reflect.Map:
			iter := v.MapRange()
			for iter.Next() {
				walk(iter.Value())
			}
		}
	}
	walk(reflect.ValueOf(spec))
	return out
}
