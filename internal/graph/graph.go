package graph

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/uabbasi/good-measure-giving/internal/model"
)

// Graph holds the phase dependency structure: each phase's upstream phases
// as declared, plus the inverted downstream view computed once at build time.
type Graph struct {
	phases     map[string]model.PhaseDefinition
	order      []string
	downstream map[string][]string
}

// Build validates the phase set and constructs the graph. It rejects unknown
// upstream references and cycles.
func Build(defs []model.PhaseDefinition) (*Graph, error) {
	g := &Graph{
		phases:     make(map[string]model.PhaseDefinition, len(defs)),
		downstream: make(map[string][]string),
	}
	for _, d := range defs {
		g.phases[d.Name] = d
		g.order = append(g.order, d.Name)
	}
	for _, d := range defs {
		for _, up := range d.Upstream {
			if _, ok := g.phases[up]; !ok {
				return nil, eris.Errorf("graph: phase %q references unknown upstream %q", d.Name, up)
			}
			g.downstream[up] = append(g.downstream[up], d.Name)
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// Phase returns the definition for a phase name.
func (g *Graph) Phase(name string) (model.PhaseDefinition, bool) {
	d, ok := g.phases[name]
	return d, ok
}

// Phases returns phase names in declaration order.
func (g *Graph) Phases() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Downstream returns the full transitive closure of phases that depend on
// the given phase, directly or indirectly. Each reachable phase appears
// exactly once; order is not significant but is sorted for stable output.
func (g *Graph) Downstream(phase string) []string {
	visited := make(map[string]bool)
	queue := append([]string(nil), g.downstream[phase]...)
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		out = append(out, cur)
		queue = append(queue, g.downstream[cur]...)
	}
	sort.Strings(out)
	return out
}

// checkAcyclic runs a depth-first walk over upstream edges, failing on any
// back edge.
func (g *Graph) checkAcyclic() error {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.phases))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case inStack:
			return eris.Errorf("graph: cycle through phase %q", name)
		}
		state[name] = inStack
		for _, up := range g.phases[name].Upstream {
			if err := visit(up); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, name := range g.order {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
