package patterns

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// minCycleEdges is the shortest reportable loop: origin plus three intermediaries.
const minCycleEdges = 4

// roundTrips finds funds that leave an entity and return to it through at
// least three intermediaries within the round-trip window.
func (d *Detector) roundTrips(ctx context.Context, in *input) ([]domain.DetectedPattern, error) {
	g := buildGraph(in.txs)
	w := d.newWalker(g, d.cfg.RoundTripWindow)

	seen := make(map[string]bool)
	var out []domain.DetectedPattern

	visit := func(cur frame, next string, tx *domain.Transaction) bool {
		if next == cur.path[0] {
			if len(cur.path) >= minCycleEdges {
				cycle := cur.extend(next, tx)
				key := canonicalCycle(cur.path)
				if !seen[key] {
					seen[key] = true
					out = append(out, d.roundTripPattern(cycle, in))
				}
			}
			return false
		}
		return !cur.contains(next)
	}

	if err := w.walkAll(ctx, d.logger, domain.PatternRoundTrip, visit, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Detector) roundTripPattern(cycle frame, in *input) domain.DetectedPattern {
	first := cycle.txs[0].Amount
	last := cycle.txs[len(cycle.txs)-1].Amount
	retention := math.Max(0, math.Min(last/first, 1))
	confidence := 0.6 + 0.35*retention

	entities := cycle.path[:len(cycle.path)-1]
	return d.newPattern(
		domain.PatternRoundTrip,
		fmt.Sprintf("funds returned to origin via %d intermediaries (%s); %.2f sent, %.2f returned",
			len(entities)-1, describePath(cycle.path, in.entities), first, last),
		append([]string(nil), entities...),
		cycle.txs,
		confidence,
	)
}

// canonicalCycle keys a cycle by its rotation starting at the smallest id.
func canonicalCycle(path []string) string {
	lo := 0
	for i := range path {
		if path[i] < path[lo] {
			lo = i
		}
	}
	rotated := append(append([]string(nil), path[lo:]...), path[:lo]...)
	return strings.Join(rotated, ">")
}
