package patterns

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	structuringMinCount = 3
	structuringBand     = 0.9

	smurfingMinCount   = 5
	smurfingMinSmall   = 4
	smurfingMinSources = 3
)

// structuring flags windows of near-threshold deposits into one destination
// whose combined value crosses the reporting threshold.
func (d *Detector) structuring(ctx context.Context, in *input) ([]domain.DetectedPattern, error) {
	threshold := d.cfg.ReportingThreshold
	limit := decimal.NewFromFloat(threshold)

	var out []domain.DetectedPattern
	dests, groups := byDestination(in.txs)
	for _, dest := range dests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var near []*domain.Transaction
		for _, tx := range groups[dest] {
			if tx.Amount > threshold*structuringBand && tx.Amount < threshold {
				near = append(near, tx)
			}
		}
		if len(near) < structuringMinCount {
			continue
		}

		for i := 0; i < len(near); {
			end := windowEnd(near, i, d.cfg.StructuringWindow)
			window := near[i:end]
			sum := total(window)
			if len(window) < structuringMinCount || !sum.GreaterThan(limit) {
				i++
				continue
			}

			confidence := math.Min(0.6+0.1*float64(len(window)-structuringMinCount), 0.95)
			entityIDs := append([]string{dest}, sourcesOf(window)...)
			out = append(out, d.newPattern(
				domain.PatternStructuring,
				fmt.Sprintf("%d deposits just below %.2f into %s totalling %s",
					len(window), threshold, dest, sum.StringFixed(2)),
				entityIDs, window, confidence,
			))
			i = end
		}
	}
	return out, nil
}

// smurfing flags windows where many small deposits from distinct sources
// converge on one destination.
func (d *Detector) smurfing(ctx context.Context, in *input) ([]domain.DetectedPattern, error) {
	small := d.cfg.SmallThreshold

	var out []domain.DetectedPattern
	dests, groups := byDestination(in.txs)
	for _, dest := range dests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		txs := groups[dest]
		if len(txs) < smurfingMinCount {
			continue
		}

		for i := 0; i < len(txs); {
			end := windowEnd(txs, i, d.cfg.SmurfingWindow)
			window := txs[i:end]

			var smallTxs []*domain.Transaction
			for _, tx := range window {
				if tx.Amount < small {
					smallTxs = append(smallTxs, tx)
				}
			}
			sources := sourcesOf(smallTxs)
			if len(window) < smurfingMinCount || len(smallTxs) < smurfingMinSmall || len(sources) < smurfingMinSources {
				i++
				continue
			}

			confidence := math.Min(0.5+0.05*float64(len(sources)), 0.9)
			out = append(out, d.newPattern(
				domain.PatternSmurfing,
				fmt.Sprintf("%d small deposits from %d sources into %s totalling %s",
					len(smallTxs), len(sources), dest, total(window).StringFixed(2)),
				append([]string{dest}, sources...), window, confidence,
			))
			i = end
		}
	}
	return out, nil
}

// windowEnd returns the exclusive end of the window that starts at txs[start].
func windowEnd(txs []*domain.Transaction, start int, window time.Duration) int {
	limit := txs[start].Timestamp.Add(window)
	end := start
	for end < len(txs) && !txs[end].Timestamp.After(limit) {
		end++
	}
	return end
}

// sourcesOf returns distinct source ids in first-seen order.
func sourcesOf(txs []*domain.Transaction) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tx := range txs {
		if !seen[tx.SourceID] {
			seen[tx.SourceID] = true
			out = append(out, tx.SourceID)
		}
	}
	return out
}
