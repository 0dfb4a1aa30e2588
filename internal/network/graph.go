// Package network analyzes the entity relationship graph for shell-company
// indicators, risky clusters, centrality and circular ownership.
package network

import (
	"sort"

	"github.com/opensource-finance/harrier/internal/domain"
)

// edge is one directed relationship as seen from one endpoint.
type edge struct {
	peer string
	typ  domain.RelationshipType
}

// node holds an entity and its labeled adjacency.
type node struct {
	entity   *domain.Entity
	outgoing []edge
	incoming []edge
}

// graph is the relationship graph keyed by entity id.
type graph struct {
	ids   []string
	nodes map[string]*node
}

func newGraph(entities []domain.Entity) *graph {
	g := &graph{nodes: make(map[string]*node, len(entities))}
	for i := range entities {
		e := &entities[i]
		if _, dup := g.nodes[e.ID]; dup {
			continue
		}
		g.nodes[e.ID] = &node{entity: e}
		g.ids = append(g.ids, e.ID)
	}
	sort.Strings(g.ids)
	return g
}

func (g *graph) addEdge(r *domain.EntityRelationship) {
	g.nodes[r.SourceID].outgoing = append(g.nodes[r.SourceID].outgoing, edge{peer: r.TargetID, typ: r.Type})
	g.nodes[r.TargetID].incoming = append(g.nodes[r.TargetID].incoming, edge{peer: r.SourceID, typ: r.Type})
}

// neighbors returns the distinct undirected neighbors of id in sorted order.
func (g *graph) neighbors(id string) []string {
	n := g.nodes[id]
	seen := make(map[string]bool, len(n.outgoing)+len(n.incoming))
	var out []string
	for _, list := range [][]edge{n.outgoing, n.incoming} {
		for _, e := range list {
			if e.peer != id && !seen[e.peer] {
				seen[e.peer] = true
				out = append(out, e.peer)
			}
		}
	}
	sort.Strings(out)
	return out
}

// owned returns the sorted targets of id's owner edges.
func (g *graph) owned(id string) []string {
	var out []string
	for _, e := range g.nodes[id].outgoing {
		if e.typ == domain.RelOwner {
			out = append(out, e.peer)
		}
	}
	sort.Strings(out)
	return out
}

// components returns the connected components of the undirected graph,
// each sorted, in order of their smallest member.
func (g *graph) components() [][]string {
	visited := make(map[string]bool, len(g.ids))
	var out [][]string
	for _, start := range g.ids {
		if visited[start] {
			continue
		}
		visited[start] = true
		queue := []string{start}
		var members []string
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			members = append(members, id)
			for _, peer := range g.neighbors(id) {
				if !visited[peer] {
					visited[peer] = true
					queue = append(queue, peer)
				}
			}
		}
		sort.Strings(members)
		out = append(out, members)
	}
	return out
}
