package network

import (
	"context"
	"sort"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// minOwnershipCycle is the smallest reported loop: more than two entities.
const minOwnershipCycle = 3

type ownershipFrame struct {
	path []string
}

// ownershipCycles walks owner edges from every entity with an explicit stack
// and reports loops of three or more entities, once per entity set. The walk
// is bounded by the traversal depth and expansion budget; exhausting the
// budget truncates the scan.
func (a *Analyzer) ownershipCycles(ctx context.Context, g *graph) ([]OwnershipCycle, error) {
	seen := make(map[string]bool)
	var out []OwnershipCycle
	expansions := 0

	for _, start := range g.ids {
		stack := []ownershipFrame{{path: []string{start}}}
		for len(stack) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			expansions++
			if expansions > a.cfg.MaxTraversalExpansions {
				a.logger.Warn("traversal budget exhausted, scan truncated",
					"scan", domain.PatternCircularOwnership,
					"start_entity", start,
					"expansions", expansions,
				)
				return out, nil
			}

			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(cur.path) > a.cfg.MaxTraversalDepth {
				continue
			}

			owned := g.owned(cur.path[len(cur.path)-1])
			for i := len(owned) - 1; i >= 0; i-- {
				next := owned[i]
				if next == start {
					if len(cur.path) >= minOwnershipCycle {
						key := setKey(cur.path)
						if !seen[key] {
							seen[key] = true
							out = append(out, OwnershipCycle{EntityIDs: append([]string(nil), cur.path...)})
						}
					}
					continue
				}
				if contains(cur.path, next) {
					continue
				}
				path := make([]string, len(cur.path), len(cur.path)+1)
				copy(path, cur.path)
				stack = append(stack, ownershipFrame{path: append(path, next)})
			}
		}
	}
	return out, nil
}

func setKey(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
