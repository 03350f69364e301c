package core

import (
	"fmt"
	"strings"

	"github.com/maouw/cloudknot/api"
)

// dependencies lists, per kind, the kinds it references.
var dependencies = map[api.Kind][]api.Kind{
	api.KindVpc:                nil,
	api.KindSubnet:             {api.KindVpc},
	api.KindSecurityGroup:      {api.KindVpc},
	api.KindRole:               nil,
	api.KindRepository:         nil,
	api.KindComputeEnvironment: {api.KindSubnet, api.KindSecurityGroup, api.KindRole},
	api.KindJobQueue:           {api.KindComputeEnvironment},
	api.KindJobDefinition:      {api.KindRepository, api.KindRole},
}

// CycleError means the dependency table is not a DAG.
type CycleError struct {
	Path []api.Kind
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, k := range e.Path {
		parts[i] = string(k)
	}
	return "dependency cycle: " + strings.Join(parts, " -> ")
}

// Graph is the fixed dependency graph of knot resource kinds.
type Graph struct {
	deps  map[api.Kind][]api.Kind
	order []api.Kind
	rank  map[api.Kind]int
}

// NewGraph returns the knot topology graph.
func NewGraph() *Graph {
	g, err := newGraph(api.Kinds, dependencies)
	if err != nil {
		panic(err)
	}
	return g
}

func newGraph(kinds []api.Kind, deps map[api.Kind][]api.Kind) (*Graph, error) {
	g := &Graph{
		deps: deps,
		rank: make(map[api.Kind]int, len(kinds)),
	}
	for i, k := range kinds {
		g.rank[k] = i
	}
	for k, ds := range deps {
		if _, ok := g.rank[k]; !ok {
			return nil, fmt.Errorf("dependency table names unknown kind %q", k)
		}
		for _, d := range ds {
			if _, ok := g.rank[d]; !ok {
				return nil, fmt.Errorf("%s depends on unknown kind %q", k, d)
			}
		}
	}
	order, err := g.sort(kinds)
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// sort is a depth-first topological sort. Roots and dependencies are
// visited in canonical rank order so the result is deterministic.
func (g *Graph) sort(kinds []api.Kind) ([]api.Kind, error) {
	const (
		stateNew uint8 = iota
		stateVisiting
		stateDone
	)
	state := make(map[api.Kind]uint8, len(kinds))
	stack := make([]api.Kind, 0, len(kinds))
	stackPos := make(map[api.Kind]int, len(kinds))
	topo := make([]api.Kind, 0, len(kinds))

	var dfs func(k api.Kind) error
	dfs = func(k api.Kind) error {
		switch state[k] {
		case stateDone:
			return nil
		case stateVisiting:
			cycle := append([]api.Kind(nil), stack[stackPos[k]:]...)
			return &CycleError{Path: append(cycle, k)}
		}
		state[k] = stateVisiting
		stackPos[k] = len(stack)
		stack = append(stack, k)
		for _, d := range g.sortedDeps(k) {
			if err := dfs(d); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		delete(stackPos, k)
		state[k] = stateDone
		topo = append(topo, k)
		return nil
	}
	for _, k := range kinds {
		if err := dfs(k); err != nil {
			return nil, err
		}
	}
	return topo, nil
}

func (g *Graph) sortedDeps(k api.Kind) []api.Kind {
	ds := append([]api.Kind(nil), g.deps[k]...)
	for i := 1; i < len(ds); i++ {
		for j := i; j > 0 && g.rank[ds[j]] < g.rank[ds[j-1]]; j-- {
			ds[j], ds[j-1] = ds[j-1], ds[j]
		}
	}
	return ds
}

// Order returns every kind in creation order.
func (g *Graph) Order() []api.Kind {
	return append([]api.Kind(nil), g.order...)
}

// Dependencies returns the kinds k references.
func (g *Graph) Dependencies(k api.Kind) []api.Kind {
	return g.sortedDeps(k)
}

// Known reports whether k belongs to the graph.
func (g *Graph) Known(k api.Kind) bool {
	_, ok := g.rank[k]
	return ok
}

// Depth returns the length of the longest dependency chain below k.
func (g *Graph) Depth(k api.Kind) int {
	d := 0
	for _, dep := range g.deps[k] {
		if dd := g.Depth(dep) + 1; dd > d {
			d = dd
		}
	}
	return d
}

// Plan is the ordered work for one knot.
type Plan struct {
	// Create excludes external kinds.
	Create []api.Kind
	// Destroy is the exact reverse of the full order, external kinds included.
	Destroy []api.Kind
	// Levels groups Create by depth; kinds within a level share no edge.
	Levels [][]api.Kind
	// External holds the kinds the user supplied identifiers for.
	External map[api.Kind]string
}

// Plan builds create and destroy orderings for spec.
func (g *Graph) Plan(spec api.KnotSpec) Plan {
	p := Plan{External: make(map[api.Kind]string)}
	for _, k := range g.order {
		if id, ok := spec.External[k]; ok && id != "" {
			p.External[k] = id
			continue
		}
		p.Create = append(p.Create, k)
	}
	for i := len(g.order) - 1; i >= 0; i-- {
		p.Destroy = append(p.Destroy, g.order[i])
	}
	for _, k := range p.Create {
		d := g.Depth(k)
		for len(p.Levels) <= d {
			p.Levels = append(p.Levels, nil)
		}
		p.Levels[d] = append(p.Levels[d], k)
	}
	out := p.Levels[:0]
	for _, lvl := range p.Levels {
		if len(lvl) > 0 {
			out = append(out, lvl)
		}
	}
	p.Levels = out
	return p
}

// IsExternal reports whether k was supplied by the user.
func (p Plan) IsExternal(k api.Kind) bool {
	_, ok := p.External[k]
	return ok
}
