// Package updategraph derives the dependency structure between packages:
// the prerequisite DAG and category membership.
package updategraph

import (
	"bytes"
	"iter"
	"sort"

	"github.com/google/uuid"

	"github.com/quay/ussync"
)

// Graph is the prerequisite DAG over a set of packages.
//
// Edges come from flattening every prerequisite (Simple entries and the
// members of AtLeastOne groups alike) into outgoing edges; category groups
// are excluded, they express membership rather than dependency. Reverse
// edges are materialized at build time.
type Graph struct {
	pkgs map[uuid.UUID]*ussync.Package
	out  map[uuid.UUID][]uuid.UUID
	in   map[uuid.UUID][]uuid.UUID
}

// Build walks every package the sequence yields.
//
// Multiple revisions of the same update may appear; the highest one wins.
func Build(seq iter.Seq[*ussync.Package]) *Graph {
	g := Graph{
		pkgs: make(map[uuid.UUID]*ussync.Package),
		out:  make(map[uuid.UUID][]uuid.UUID),
		in:   make(map[uuid.UUID][]uuid.UUID),
	}
	for pkg := range seq {
		id := pkg.ID.UpdateID
		if prev, ok := g.pkgs[id]; ok && prev.ID.Revision >= pkg.ID.Revision {
			continue
		}
		g.pkgs[id] = pkg
	}
	for id, pkg := range g.pkgs {
		seen := make(map[uuid.UUID]struct{})
		for i := range pkg.Prerequisites {
			p := &pkg.Prerequisites[i]
			if p.Category() {
				continue
			}
			for _, dep := range p.IDs() {
				if _, dup := seen[dep]; dup || dep == uuid.Nil {
					continue
				}
				seen[dep] = struct{}{}
				g.out[id] = append(g.out[id], dep)
				g.in[dep] = append(g.in[dep], id)
			}
		}
	}
	return &g
}

// Roots reports the ids with no prerequisites. Ids referenced as
// prerequisites but not present as packages count as roots: nothing is known
// to precede them.
func (g *Graph) Roots() []uuid.UUID {
	var out []uuid.UUID
	for id := range g.pkgs {
		if len(g.out[id]) == 0 {
			out = append(out, id)
		}
	}
	for id := range g.in {
		if _, ok := g.pkgs[id]; !ok {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out
}

// Leaves reports the ids no package depends on.
func (g *Graph) Leaves() []uuid.UUID {
	var out []uuid.UUID
	for id := range g.pkgs {
		if len(g.in[id]) == 0 {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out
}

// Inner reports the ids that both have and serve prerequisites.
func (g *Graph) Inner() []uuid.UUID {
	var out []uuid.UUID
	for id := range g.pkgs {
		if len(g.in[id]) > 0 && len(g.out[id]) > 0 {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out
}

// Ancestors reports every id reachable by following prerequisite edges from
// id, not including id itself.
func (g *Graph) Ancestors(id uuid.UUID) []uuid.UUID {
	return g.walk(id, g.out)
}

// Descendants reports every id that transitively depends on id.
func (g *Graph) Descendants(id uuid.UUID) []uuid.UUID {
	return g.walk(id, g.in)
}

func (g *Graph) walk(start uuid.UUID, edges map[uuid.UUID][]uuid.UUID) []uuid.UUID {
	seen := map[uuid.UUID]struct{}{start: {}}
	var out []uuid.UUID
	stack := append([]uuid.UUID(nil), edges[start]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		stack = append(stack, edges[id]...)
	}
	sortIDs(out)
	return out
}

// IsApplicable evaluates pkg's non-category prerequisites against a set of
// installed ids: conjunction across prerequisites, disjunction within an
// AtLeastOne group.
func IsApplicable(pkg *ussync.Package, installed []uuid.UUID) bool {
	have := make(map[uuid.UUID]struct{}, len(installed))
	for _, id := range installed {
		have[id] = struct{}{}
	}
	for i := range pkg.Prerequisites {
		p := &pkg.Prerequisites[i]
		if p.Category() {
			continue
		}
		ok := false
		for _, id := range p.IDs() {
			if _, hit := have[id]; hit {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(a, b int) bool {
		return bytes.Compare(ids[a][:], ids[b][:]) < 0
	})
}
