// Package anomaly flags per-entity statistical outliers in transaction flow.
package anomaly

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/opensource-finance/harrier/internal/domain"
)

// typeWeights weight each finding type in the entity aggregate.
var typeWeights = map[domain.AnomalyType]float64{
	domain.AnomalyVelocity:   0.8,
	domain.AnomalyVolume:     0.7,
	domain.AnomalyPattern:    1.0,
	domain.AnomalyConnection: 0.9,
}

const (
	// minVolumeSample is the smallest direction size the z-score check runs on.
	minVolumeSample = 5
	zScoreLimit     = 3.0
	stddevFloor     = 1.0

	velocityFactor = 3.0
	velocityMinDay = 3

	fanMinCount   = 5
	fanTolerance  = 0.10
	fanSeverity   = 0.8
	roundSeverity = 0.5
)

// Detector runs the velocity, volume, pattern and connection checks for
// every entity that appears in a transaction. It is safe for concurrent use.
type Detector struct {
	cfg     domain.DetectionConfig
	workers int
	logger  *slog.Logger
}

// NewDetector creates a detector. workers bounds per-entity parallelism.
func NewDetector(cfg domain.DetectionConfig, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Detector{cfg: cfg, workers: workers, logger: logger}
}

// flow is one entity's view of the transaction set, both directions sorted by time.
type flow struct {
	entityID string
	incoming []*domain.Transaction
	outgoing []*domain.Transaction
}

// Detect returns one result per entity with at least one finding, sorted by
// score descending and then entity id.
func (d *Detector) Detect(ctx context.Context, txs []domain.Transaction, entities []domain.Entity) ([]domain.EntityAnomalyResult, error) {
	flows := buildFlows(txs)
	index := domain.IndexEntities(entities)

	results := make([]*domain.EntityAnomalyResult, len(flows))

	var wg sync.WaitGroup
	sem := make(chan struct{}, d.workers)

	for i, f := range flows {
		wg.Add(1)
		go func(idx int, f *flow) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if ctx.Err() != nil {
				return
			}
			results[idx] = d.analyze(f, index)
		}(i, f)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.EntityAnomalyResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].EntityID < out[j].EntityID
	})

	d.logger.Debug("anomaly detection complete",
		"entities", len(flows),
		"flagged", len(out),
	)
	return out, nil
}

func (d *Detector) analyze(f *flow, index map[string]*domain.Entity) *domain.EntityAnomalyResult {
	var findings []domain.AnomalyFinding

	for _, dir := range []struct {
		label string
		txs   []*domain.Transaction
	}{
		{"incoming", f.incoming},
		{"outgoing", f.outgoing},
	} {
		findings = append(findings, velocity(dir.label, dir.txs)...)
		findings = append(findings, volume(dir.label, dir.txs)...)
	}

	findings = append(findings, fanIn(f.incoming, f.outgoing, d.cfg.FanWindow)...)
	findings = append(findings, fanOut(f.incoming, f.outgoing, d.cfg.FanWindow)...)
	findings = append(findings, roundNumbers(f, d.cfg.ReportingThreshold)...)

	if c, ok := d.connection(f, index); ok {
		findings = append(findings, c)
	}

	if len(findings) == 0 {
		return nil
	}
	return &domain.EntityAnomalyResult{
		EntityID: f.entityID,
		Score:    aggregate(findings),
		Findings: findings,
	}
}

// aggregate is the weight-normalized severity mean, scaled to 0-100.
func aggregate(findings []domain.AnomalyFinding) float64 {
	var weighted, weights float64
	for _, f := range findings {
		w := typeWeights[f.Type]
		weighted += f.Severity * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return domain.ClampScore(weighted / weights * 100)
}

func buildFlows(txs []domain.Transaction) []*flow {
	byID := make(map[string]*flow)
	get := func(id string) *flow {
		f, ok := byID[id]
		if !ok {
			f = &flow{entityID: id}
			byID[id] = f
		}
		return f
	}

	for i := range txs {
		tx := &txs[i]
		get(tx.SourceID).outgoing = append(get(tx.SourceID).outgoing, tx)
		get(tx.DestinationID).incoming = append(get(tx.DestinationID).incoming, tx)
	}

	flows := make([]*flow, 0, len(byID))
	for _, f := range byID {
		sortByTime(f.incoming)
		sortByTime(f.outgoing)
		flows = append(flows, f)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].entityID < flows[j].entityID })
	return flows
}

func sortByTime(txs []*domain.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].Timestamp.Before(txs[j].Timestamp)
		}
		return txs[i].ID < txs[j].ID
	})
}

// TransactionResults projects entity findings onto individual transactions.
// Each transaction scores 100 times the highest severity of any finding that
// implicates it.
func TransactionResults(results []domain.EntityAnomalyResult, txs []domain.Transaction) []domain.AnomalyResult {
	worst := make(map[string]float64)
	for _, r := range results {
		for _, f := range r.Findings {
			for _, id := range f.TransactionIDs {
				if f.Severity > worst[id] {
					worst[id] = f.Severity
				}
			}
		}
	}

	out := make([]domain.AnomalyResult, 0, len(txs))
	for _, tx := range txs {
		sev, flagged := worst[tx.ID]
		out = append(out, domain.AnomalyResult{
			TransactionID: tx.ID,
			Score:         sev * 100,
			IsAnomaly:     flagged,
		})
	}
	return out
}
