package patterns

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

const minLayeringEntities = 4

// layering finds maximal time-ordered chains of at least four distinct
// entities within the layering window. Chains contained in a longer reported
// chain are dropped.
func (d *Detector) layering(ctx context.Context, in *input) ([]domain.DetectedPattern, error) {
	g := buildGraph(in.txs)
	w := d.newWalker(g, d.cfg.LayeringWindow)

	var chains []frame
	seen := make(map[string]bool)

	visit := func(cur frame, next string, _ *domain.Transaction) bool {
		return !cur.contains(next)
	}
	leaf := func(cur frame) {
		if len(cur.path) < minLayeringEntities {
			return
		}
		key := pathKey(cur.path)
		if seen[key] {
			return
		}
		seen[key] = true
		chains = append(chains, cur)
	}

	if err := w.walkAll(ctx, d.logger, domain.PatternLayering, visit, leaf); err != nil {
		return nil, err
	}

	// Longest first so containment only needs checking against kept chains.
	sort.SliceStable(chains, func(i, j int) bool { return len(chains[i].path) > len(chains[j].path) })

	var kept []frame
	for _, c := range chains {
		key := pathKey(c.path)
		contained := false
		for _, k := range kept {
			if len(k.path) > len(c.path) && strings.Contains(pathKey(k.path), key) {
				contained = true
				break
			}
		}
		if !contained {
			kept = append(kept, c)
		}
	}

	out := make([]domain.DetectedPattern, 0, len(kept))
	for _, c := range kept {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := len(c.path)
		confidence := math.Min(0.5+0.1*float64(n-3), 0.95)
		span := c.txs[len(c.txs)-1].Timestamp.Sub(c.txs[0].Timestamp)
		out = append(out, d.newPattern(
			domain.PatternLayering,
			fmt.Sprintf("funds passed through %d entities (%s) in %s, %s moved",
				n, describePath(c.path, in.entities), span.Round(time.Second), total(c.txs).StringFixed(2)),
			append([]string(nil), c.path...),
			c.txs,
			confidence,
		))
	}
	return out, nil
}

// pathKey delimits every id so substring checks match whole ids only.
func pathKey(path []string) string {
	return ">" + strings.Join(path, ">") + ">"
}
