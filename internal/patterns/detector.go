// Package patterns scans transaction flow for named laundering typologies:
// structuring, round-tripping, layering and smurfing.
package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Base risk levels per typology before confidence adjustment.
var baseLevels = map[string]domain.RiskLevel{
	domain.PatternStructuring: domain.RiskHigh,
	domain.PatternRoundTrip:   domain.RiskHigh,
	domain.PatternLayering:    domain.RiskCritical,
	domain.PatternSmurfing:    domain.RiskMedium,
}

// Options narrows a detection run.
type Options struct {
	// EntityID keeps only patterns implicating this entity when set.
	EntityID string
}

// Detector runs the four typology scans. It is stateless between runs and
// safe for concurrent use.
type Detector struct {
	cfg    domain.DetectionConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector creates a pattern detector.
func NewDetector(cfg domain.DetectionConfig, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// scan is one typology over the shared, time-sorted transaction slice.
type scan struct {
	name string
	run  func(ctx context.Context, in *input) ([]domain.DetectedPattern, error)
}

// input is the immutable view every scan reads.
type input struct {
	txs      []*domain.Transaction
	entities map[string]*domain.Entity
}

// Detect runs all scans concurrently. Output is sorted by pattern name and
// then by content fingerprint so repeated runs over the same data agree.
func (d *Detector) Detect(ctx context.Context, txs []domain.Transaction, entities []domain.Entity, opts Options) ([]domain.DetectedPattern, error) {
	in := &input{
		txs:      sortedByTime(txs),
		entities: domain.IndexEntities(entities),
	}

	scans := []scan{
		{domain.PatternStructuring, d.structuring},
		{domain.PatternRoundTrip, d.roundTrips},
		{domain.PatternLayering, d.layering},
		{domain.PatternSmurfing, d.smurfing},
	}
	found := make([][]domain.DetectedPattern, len(scans))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range scans {
		g.Go(func() error {
			patterns, err := s.run(gctx, in)
			if err != nil {
				return fmt.Errorf("%s scan: %w", s.name, err)
			}
			found[i] = patterns
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []domain.DetectedPattern
	for _, patterns := range found {
		for _, p := range patterns {
			if opts.EntityID != "" && !p.Implicates(opts.EntityID) {
				continue
			}
			out = append(out, p)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Fingerprint() < out[j].Fingerprint()
	})

	d.logger.Debug("pattern detection complete",
		"transactions", len(in.txs),
		"patterns", len(out),
		"entity_id", opts.EntityID,
	)
	return out, nil
}

// newPattern fills identity, timing and the confidence-adjusted risk level.
func (d *Detector) newPattern(name, description string, entityIDs []string, txs []*domain.Transaction, confidence float64) domain.DetectedPattern {
	return domain.DetectedPattern{
		ID:             uuid.NewString(),
		Name:           name,
		Description:    description,
		RiskLevel:      AdjustLevel(baseLevels[name], confidence),
		EntityIDs:      entityIDs,
		TransactionIDs: txIDs(txs),
		Confidence:     confidence,
		DetectedAt:     d.now(),
	}
}

// AdjustLevel escalates a base level one band at high confidence and
// de-escalates it one band at low confidence.
func AdjustLevel(base domain.RiskLevel, confidence float64) domain.RiskLevel {
	switch {
	case confidence >= 0.9:
		return base.Escalate()
	case confidence < 0.5:
		return base.Deescalate()
	default:
		return base
	}
}

func sortedByTime(txs []domain.Transaction) []*domain.Transaction {
	out := make([]*domain.Transaction, len(txs))
	for i := range txs {
		out[i] = &txs[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// byDestination groups the time-sorted transactions by receiving entity.
func byDestination(txs []*domain.Transaction) ([]string, map[string][]*domain.Transaction) {
	groups := make(map[string][]*domain.Transaction)
	for _, tx := range txs {
		groups[tx.DestinationID] = append(groups[tx.DestinationID], tx)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, groups
}

func total(txs []*domain.Transaction) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(decimal.NewFromFloat(tx.Amount))
	}
	return sum
}

func txIDs(txs []*domain.Transaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.ID
	}
	return out
}

// describePath renders an entity path using names where known.
func describePath(path []string, entities map[string]*domain.Entity) string {
	labels := make([]string, len(path))
	for i, id := range path {
		if e, ok := entities[id]; ok && e.Name != "" {
			labels[i] = e.Name
		} else {
			labels[i] = id
		}
	}
	return strings.Join(labels, " -> ")
}

// WithClock replaces the detection timestamp source and returns the detector.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}
