package patterns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// graph is the directed transaction multigraph: source -> destination -> transactions,
// each edge list sorted by time.
type graph struct {
	nodes []string
	edges map[string]map[string][]*domain.Transaction
	succ  map[string][]string
}

func buildGraph(txs []*domain.Transaction) *graph {
	g := &graph{
		edges: make(map[string]map[string][]*domain.Transaction),
		succ:  make(map[string][]string),
	}
	seen := make(map[string]bool)
	for _, tx := range txs {
		out, ok := g.edges[tx.SourceID]
		if !ok {
			out = make(map[string][]*domain.Transaction)
			g.edges[tx.SourceID] = out
		}
		if _, ok := out[tx.DestinationID]; !ok {
			g.succ[tx.SourceID] = append(g.succ[tx.SourceID], tx.DestinationID)
		}
		out[tx.DestinationID] = append(out[tx.DestinationID], tx)

		for _, id := range []string{tx.SourceID, tx.DestinationID} {
			if !seen[id] {
				seen[id] = true
				g.nodes = append(g.nodes, id)
			}
		}
	}
	sort.Strings(g.nodes)
	for id := range g.succ {
		sort.Strings(g.succ[id])
	}
	return g
}

// nextHop returns the earliest transaction on from->to that is not earlier
// than after and not later than deadline.
func (g *graph) nextHop(from, to string, after, deadline time.Time) *domain.Transaction {
	for _, tx := range g.edges[from][to] {
		if tx.Timestamp.Before(after) {
			continue
		}
		if tx.Timestamp.After(deadline) {
			return nil
		}
		return tx
	}
	return nil
}

// frame is one pending DFS state. Slices are copied on push so frames never
// share backing arrays.
type frame struct {
	path []string
	txs  []*domain.Transaction
}

func (f frame) node() string { return f.path[len(f.path)-1] }

func (f frame) contains(id string) bool {
	for _, p := range f.path {
		if p == id {
			return true
		}
	}
	return false
}

func (f frame) extend(id string, tx *domain.Transaction) frame {
	path := make([]string, len(f.path), len(f.path)+1)
	copy(path, f.path)
	txs := make([]*domain.Transaction, len(f.txs), len(f.txs)+1)
	copy(txs, f.txs)
	return frame{path: append(path, id), txs: append(txs, tx)}
}

// walker runs bounded time-respecting depth-first searches over a graph.
type walker struct {
	g          *graph
	window     time.Duration
	maxDepth   int
	budget     int
	expansions int
}

// visit is called for every expansion. It receives the frame and the edge
// being considered and reports whether the walk should descend into it.
type visitFunc func(cur frame, next string, tx *domain.Transaction) bool

// leafFunc is called for frames that had no descendants pushed.
type leafFunc func(cur frame)

// walk explores time-ordered simple paths from start. Hops must not go back in
// time and the whole path must fit within the window measured from its first
// hop. Cancellation returns ctx.Err(); exhausting the expansion budget returns
// domain.ErrTraversalBudget.
func (w *walker) walk(ctx context.Context, start string, visit visitFunc, leaf leafFunc) error {
	stack := []frame{{path: []string{start}}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.expansions++
		if w.expansions > w.budget {
			return domain.ErrTraversalBudget
		}

		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		var after, deadline time.Time
		if len(cur.txs) > 0 {
			after = cur.txs[len(cur.txs)-1].Timestamp
			deadline = cur.txs[0].Timestamp.Add(w.window)
		}

		pushed := false
		if len(cur.path) <= w.maxDepth {
			succ := w.g.succ[cur.node()]
			// Reverse so the lowest id is explored first.
			for i := len(succ) - 1; i >= 0; i-- {
				next := succ[i]
				hops := w.hops(cur, next, after, deadline)
				for j := len(hops) - 1; j >= 0; j-- {
					if visit(cur, next, hops[j]) {
						stack = append(stack, cur.extend(next, hops[j]))
						pushed = true
					}
				}
			}
		}
		if !pushed && leaf != nil {
			leaf(cur)
		}
	}
	return nil
}

// hops returns the transactions a frame may continue with towards next. The
// first hop of a walk may start with any transaction on the edge, since each
// one opens its own window; later hops take the earliest feasible one.
func (w *walker) hops(cur frame, next string, after, deadline time.Time) []*domain.Transaction {
	if len(cur.txs) == 0 {
		return w.g.edges[cur.node()][next]
	}
	if tx := w.g.nextHop(cur.node(), next, after, deadline); tx != nil {
		return []*domain.Transaction{tx}
	}
	return nil
}

// walkAll runs walk from every node in id order. A budget overrun stops the
// scan early with a warning and keeps what was already found.
func (w *walker) walkAll(ctx context.Context, logger *slog.Logger, scan string, visit visitFunc, leaf leafFunc) error {
	for _, start := range w.g.nodes {
		err := w.walk(ctx, start, visit, leaf)
		if errors.Is(err, domain.ErrTraversalBudget) {
			logger.Warn("traversal budget exhausted, scan truncated",
				"scan", scan,
				"start_entity", start,
				"expansions", w.expansions,
			)
			return nil
		}
		if err != nil {
			return fmt.Errorf("walk from %s: %w", start, err)
		}
	}
	return nil
}

func (d *Detector) newWalker(g *graph, window time.Duration) *walker {
	return &walker{
		g:        g,
		window:   window,
		maxDepth: d.cfg.MaxTraversalDepth,
		budget:   d.cfg.MaxTraversalExpansions,
	}
}
