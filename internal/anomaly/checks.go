package anomaly

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

func severity(ratio float64) float64 {
	return math.Max(0.3, math.Min(ratio/5, 1))
}

// velocity flags calendar days whose count is at least three times the
// average daily count over the direction's active span.
func velocity(direction string, txs []*domain.Transaction) []domain.AnomalyFinding {
	if len(txs) < velocityMinDay {
		return nil
	}

	buckets := make(map[string][]string)
	for _, tx := range txs {
		day := tx.Timestamp.UTC().Format(time.DateOnly)
		buckets[day] = append(buckets[day], tx.ID)
	}

	first := txs[0].Timestamp.UTC().Truncate(24 * time.Hour)
	last := txs[len(txs)-1].Timestamp.UTC().Truncate(24 * time.Hour)
	spanDays := last.Sub(first).Hours()/24 + 1
	mean := float64(len(txs)) / spanDays

	days := make([]string, 0, len(buckets))
	for day := range buckets {
		days = append(days, day)
	}
	sort.Strings(days)

	var findings []domain.AnomalyFinding
	for _, day := range days {
		ids := buckets[day]
		count := float64(len(ids))
		if len(ids) < velocityMinDay || count <= velocityFactor*mean {
			continue
		}
		ratio := count / mean
		findings = append(findings, domain.AnomalyFinding{
			Type:           domain.AnomalyVelocity,
			Description:    fmt.Sprintf("%d %s transactions on %s vs %.2f/day average", len(ids), direction, day, mean),
			Severity:       severity(ratio),
			TransactionIDs: ids,
		})
	}
	return findings
}

// volume flags transactions more than three standard deviations above the
// mean of the other transactions in the same direction.
func volume(direction string, txs []*domain.Transaction) []domain.AnomalyFinding {
	n := len(txs)
	if n < minVolumeSample {
		return nil
	}

	var sum, sumSq float64
	for _, tx := range txs {
		sum += tx.Amount
		sumSq += tx.Amount * tx.Amount
	}

	var findings []domain.AnomalyFinding
	for _, tx := range txs {
		others := float64(n - 1)
		mean := (sum - tx.Amount) / others
		variance := (sumSq-tx.Amount*tx.Amount)/others - mean*mean
		stddev := math.Max(math.Sqrt(math.Max(variance, 0)), stddevFloor)

		z := (tx.Amount - mean) / stddev
		if z <= zScoreLimit {
			continue
		}
		findings = append(findings, domain.AnomalyFinding{
			Type:           domain.AnomalyVolume,
			Description:    fmt.Sprintf("%s amount %.2f is %.1f standard deviations above mean %.2f", direction, tx.Amount, z, mean),
			Severity:       severity(z),
			TransactionIDs: []string{tx.ID},
		})
	}
	return findings
}

// fanIn flags an outgoing transaction preceded within the window by at least
// five incoming transactions whose sum it matches within 10%.
func fanIn(incoming, outgoing []*domain.Transaction, window time.Duration) []domain.AnomalyFinding {
	if len(incoming) < fanMinCount {
		return nil
	}

	var findings []domain.AnomalyFinding
	for _, out := range outgoing {
		var feeders []*domain.Transaction
		for _, in := range incoming {
			if in.Timestamp.Before(out.Timestamp) && !in.Timestamp.Before(out.Timestamp.Add(-window)) {
				feeders = append(feeders, in)
			}
		}
		if len(feeders) < fanMinCount {
			continue
		}
		total := sumAmounts(feeders)
		if !withinTolerance(decimal.NewFromFloat(out.Amount), total) {
			continue
		}
		findings = append(findings, domain.AnomalyFinding{
			Type: domain.AnomalyPattern,
			Description: fmt.Sprintf("fan-in: %d incoming totalling %s forwarded as %.2f",
				len(feeders), total.StringFixed(2), out.Amount),
			Severity:       fanSeverity,
			TransactionIDs: append(ids(feeders), out.ID),
		})
	}
	return findings
}

// fanOut flags an incoming transaction followed within the window by at least
// five outgoing transactions whose sum matches it within 10%.
func fanOut(incoming, outgoing []*domain.Transaction, window time.Duration) []domain.AnomalyFinding {
	if len(outgoing) < fanMinCount {
		return nil
	}

	var findings []domain.AnomalyFinding
	for _, in := range incoming {
		var spread []*domain.Transaction
		for _, out := range outgoing {
			if out.Timestamp.After(in.Timestamp) && !out.Timestamp.After(in.Timestamp.Add(window)) {
				spread = append(spread, out)
			}
		}
		if len(spread) < fanMinCount {
			continue
		}
		total := sumAmounts(spread)
		if !withinTolerance(total, decimal.NewFromFloat(in.Amount)) {
			continue
		}
		findings = append(findings, domain.AnomalyFinding{
			Type: domain.AnomalyPattern,
			Description: fmt.Sprintf("fan-out: %.2f received and split into %d outgoing totalling %s",
				in.Amount, len(spread), total.StringFixed(2)),
			Severity:       fanSeverity,
			TransactionIDs: append([]string{in.ID}, ids(spread)...),
		})
	}
	return findings
}

// roundNumbers flags large transactions that are exact multiples of 1,000.
func roundNumbers(f *flow, threshold float64) []domain.AnomalyFinding {
	var findings []domain.AnomalyFinding
	for _, group := range [][]*domain.Transaction{f.incoming, f.outgoing} {
		for _, tx := range group {
			if tx.Amount < threshold || math.Mod(tx.Amount, 1000) != 0 {
				continue
			}
			findings = append(findings, domain.AnomalyFinding{
				Type:           domain.AnomalyPattern,
				Description:    fmt.Sprintf("round amount %.2f", tx.Amount),
				Severity:       roundSeverity,
				TransactionIDs: []string{tx.ID},
			})
		}
	}
	return findings
}

// connection counts transactions with high or critical counterparties.
func (d *Detector) connection(f *flow, index map[string]*domain.Entity) (domain.AnomalyFinding, bool) {
	var hits []string
	check := func(tx *domain.Transaction, counterparty string) {
		e, ok := index[counterparty]
		if !ok {
			return
		}
		level := e.RiskLevel
		if level == "" {
			level = d.cfg.Bands.Level(e.RiskScore)
		}
		if level.IsElevated() {
			hits = append(hits, tx.ID)
		}
	}
	for _, tx := range f.incoming {
		check(tx, tx.SourceID)
	}
	for _, tx := range f.outgoing {
		check(tx, tx.DestinationID)
	}
	if len(hits) == 0 {
		return domain.AnomalyFinding{}, false
	}

	return domain.AnomalyFinding{
		Type:           domain.AnomalyConnection,
		Description:    fmt.Sprintf("%d transactions with high-risk counterparties", len(hits)),
		Severity:       math.Min(0.5+float64(len(hits))/10, 1),
		TransactionIDs: hits,
	}, true
}

func sumAmounts(txs []*domain.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(decimal.NewFromFloat(tx.Amount))
	}
	return total
}

// withinTolerance reports whether got is within 10% of want.
func withinTolerance(got, want decimal.Decimal) bool {
	if want.IsZero() {
		return false
	}
	limit := want.Mul(decimal.NewFromFloat(fanTolerance))
	return got.Sub(want).Abs().LessThanOrEqual(limit)
}

func ids(txs []*domain.Transaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.ID
	}
	return out
}
