package network

import (
	"context"
	"sort"
)

// centralityScores computes degree (incoming plus outgoing edges) and Brandes
// betweenness over the undirected graph. Neighbors are visited in sorted
// order so results are deterministic.
func centralityScores(ctx context.Context, g *graph) ([]Centrality, error) {
	betweenness := make(map[string]float64, len(g.ids))
	adj := make(map[string][]string, len(g.ids))
	for _, id := range g.ids {
		adj[id] = g.neighbors(id)
	}

	for _, s := range g.ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stack := make([]string, 0, len(g.ids))
		preds := make(map[string][]string)
		sigma := map[string]float64{s: 1}
		dist := map[string]int{s: 0}

		queue := []string{s}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			for _, w := range adj[v] {
				if _, seen := dist[w]; !seen {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}

		delta := make(map[string]float64, len(stack))
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				betweenness[w] += delta[w]
			}
		}
	}

	out := make([]Centrality, 0, len(g.ids))
	for _, id := range g.ids {
		n := g.nodes[id]
		out = append(out, Centrality{
			EntityID: id,
			Degree:   len(n.outgoing) + len(n.incoming),
			// Each undirected pair is counted from both ends.
			Betweenness: betweenness[id] / 2,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Degree != out[j].Degree {
			return out[i].Degree > out[j].Degree
		}
		if out[i].Betweenness != out[j].Betweenness {
			return out[i].Betweenness > out[j].Betweenness
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}
