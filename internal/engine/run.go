package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/harrier/internal/alerts"
	"github.com/opensource-finance/harrier/internal/anomaly"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/network"
	"github.com/opensource-finance/harrier/internal/patterns"
	"github.com/opensource-finance/harrier/internal/risk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Run executes the full pipeline over a snapshot. Invalid records are skipped
// and reported in Result.Diagnostics; only cancellation, the run timeout or an
// internal failure returns an error.
func (e *Engine) Run(ctx context.Context, snap *domain.Snapshot) (*Result, error) {
	start := time.Now()

	if e.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
		defer cancel()
	}

	ctx, span := e.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("tenant.id", snap.TenantID),
		attribute.Int("snapshot.entities", len(snap.Entities)),
		attribute.Int("snapshot.transactions", len(snap.Transactions)),
	))
	defer span.End()

	result, err := e.run(ctx, snap)
	outcome := "success"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.ErrorContext(ctx, "detection run failed",
			"tenant_id", snap.TenantID,
			"error", err,
		)
	}
	if e.metrics != nil {
		e.metrics.ObserveRun(outcome, time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	e.logger.InfoContext(ctx, "detection run complete",
		"tenant_id", snap.TenantID,
		"transactions", len(result.Transactions),
		"entities", len(result.Entities),
		"patterns", len(result.Patterns),
		"alerts", len(result.Alerts),
		"diagnostics", len(result.Diagnostics),
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

func (e *Engine) run(ctx context.Context, snap *domain.Snapshot) (*Result, error) {
	now := e.now()
	res := &Result{TenantID: snap.TenantID}

	entities := append([]domain.Entity(nil), snap.Entities...)
	index := domain.IndexEntities(entities)

	var txs []domain.Transaction
	if err := e.stage(ctx, stageValidate, func(context.Context) error {
		var diags []domain.Diagnostic
		txs, diags = e.validTransactions(snap.Transactions, index)
		e.report(ctx, diags)
		res.Diagnostics = append(res.Diagnostics, diags...)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := e.stage(ctx, "score_transactions", func(ctx context.Context) error {
		updates, err := e.scoreTransactions(ctx, txs, index, now)
		res.TransactionUpdates = updates
		return err
	}); err != nil {
		return nil, err
	}

	if err := e.stage(ctx, "score_entities", func(ctx context.Context) error {
		updates, err := e.scoreEntities(ctx, entities, txs, now)
		res.EntityUpdates = updates
		return err
	}); err != nil {
		return nil, err
	}

	var (
		typologies []domain.DetectedPattern
		anomalies  []domain.EntityAnomalyResult
		analysis   *network.Analysis
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.stage(gctx, "anomalies", func(ctx context.Context) error {
			var err error
			anomalies, err = e.anomalies.Detect(ctx, txs, entities)
			return err
		})
	})
	g.Go(func() error {
		return e.stage(gctx, "patterns", func(ctx context.Context) error {
			var err error
			typologies, err = e.patterns.Detect(ctx, txs, entities, patterns.Options{})
			return err
		})
	})
	g.Go(func() error {
		return e.stage(gctx, "network", func(ctx context.Context) error {
			var err error
			analysis, err = e.network.Analyze(ctx, entities, snap.Relationships, txs)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.report(ctx, analysis.Diagnostics)
	res.Diagnostics = append(res.Diagnostics, analysis.Diagnostics...)
	res.EntityUpdates = mergeEntityUpdates(res.EntityUpdates, analysis.EntityRiskUpdates(), index)

	res.Anomalies = anomalies
	res.AnomalyResults = anomaly.TransactionResults(anomalies, txs)
	res.Network = analysis
	res.Patterns = append(typologies, analysis.Patterns()...)
	res.Transactions = txs
	res.Entities = entities

	if err := e.stage(ctx, "alerts", func(ctx context.Context) error {
		created, err := e.alerts.Generate(ctx, alerts.Detections{
			TenantID:     snap.TenantID,
			Transactions: txs,
			Entities:     entities,
			Patterns:     res.Patterns,
			Anomalies:    res.AnomalyResults,
		}, snap.Alerts)
		res.Alerts = created
		return err
	}); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		for _, p := range res.Patterns {
			e.metrics.PatternsTotal.WithLabelValues(p.Name).Inc()
		}
		for _, a := range res.Alerts {
			e.metrics.AlertsTotal.WithLabelValues(string(a.Type)).Inc()
		}
	}
	return res, nil
}

// stage runs fn in its own span and records its duration.
func (e *Engine) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine."+name)
	defer span.End()

	err := fn(ctx)
	if e.metrics != nil {
		e.metrics.ObserveStage(name, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// ReleaseClaims gives back the dedup claims of alerts that could not be
// stored.
func (e *Engine) ReleaseClaims(ctx context.Context, tenantID string, alerts []domain.Alert) {
	e.alerts.Release(ctx, tenantID, alerts)
}

func (e *Engine) report(ctx context.Context, diags []domain.Diagnostic) {
	for _, d := range diags {
		e.logger.WarnContext(ctx, "record skipped",
			"stage", d.Stage,
			"record_id", d.RecordID,
			"error", d.Err,
		)
		if e.metrics != nil {
			e.metrics.SkippedRecords.WithLabelValues(d.Stage).Inc()
		}
	}
}

// scoreTransactions scores every transaction in place, in parallel.
func (e *Engine) scoreTransactions(ctx context.Context, txs []domain.Transaction, index map[string]*domain.Entity, now time.Time) ([]domain.TransactionRiskUpdate, error) {
	first := firstBetweenPairs(txs)
	updates := make([]domain.TransactionRiskUpdate, len(txs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i := range txs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			tx := &txs[i]
			score, factors := e.scorer.ScoreTransaction(tx, risk.TransactionContext{
				Now:              now,
				Source:           index[tx.SourceID],
				Destination:      index[tx.DestinationID],
				FirstBetweenPair: first[tx.ID],
			})
			tx.RiskScore = score
			tx.RiskLevel = e.scorer.Level(score)
			updates[i] = domain.TransactionRiskUpdate{
				TransactionID: tx.ID,
				RiskScore:     score,
				RiskLevel:     tx.RiskLevel,
				Factors:       factors,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return updates, nil
}

// scoreEntities scores every entity in place against its scored transactions.
func (e *Engine) scoreEntities(ctx context.Context, entities []domain.Entity, txs []domain.Transaction, now time.Time) ([]domain.EntityRiskUpdate, error) {
	related := make(map[string][]domain.Transaction)
	for _, tx := range txs {
		related[tx.SourceID] = append(related[tx.SourceID], tx)
		related[tx.DestinationID] = append(related[tx.DestinationID], tx)
	}

	updates := make([]domain.EntityRiskUpdate, len(entities))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i := range entities {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ent := &entities[i]
			score, factors := e.scorer.ScoreEntity(ent, related[ent.ID], risk.EntityContext{Now: now})
			ent.RiskScore = score
			ent.RiskLevel = e.scorer.Level(score)
			updates[i] = domain.EntityRiskUpdate{
				EntityID:  ent.ID,
				RiskScore: score,
				RiskLevel: ent.RiskLevel,
				Factors:   factors,
				Source:    domain.MethodEntityRiskScoring,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return updates, nil
}

// firstBetweenPairs marks the earliest transaction for each unordered pair
// of entities.
func firstBetweenPairs(txs []domain.Transaction) map[string]bool {
	order := make([]int, len(txs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ta, tb := &txs[order[a]], &txs[order[b]]
		if !ta.Timestamp.Equal(tb.Timestamp) {
			return ta.Timestamp.Before(tb.Timestamp)
		}
		return ta.ID < tb.ID
	})

	seen := make(map[[2]string]bool)
	first := make(map[string]bool)
	for _, i := range order {
		tx := &txs[i]
		key := [2]string{tx.SourceID, tx.DestinationID}
		if key[0] > key[1] {
			key[0], key[1] = key[1], key[0]
		}
		if !seen[key] {
			seen[key] = true
			first[tx.ID] = true
		}
	}
	return first
}

// mergeEntityUpdates applies network raises on top of scorer output. The
// higher score wins and the entity record is updated to match.
func mergeEntityUpdates(scored, raised []domain.EntityRiskUpdate, index map[string]*domain.Entity) []domain.EntityRiskUpdate {
	pos := make(map[string]int, len(scored))
	for i, u := range scored {
		pos[u.EntityID] = i
	}
	for _, r := range raised {
		i, ok := pos[r.EntityID]
		if !ok {
			continue
		}
		if r.RiskScore <= scored[i].RiskScore {
			continue
		}
		r.Factors = append(append([]domain.RiskFactor(nil), r.Factors...), scored[i].Factors...)
		scored[i] = r
		if e, ok := index[r.EntityID]; ok {
			e.RiskScore = r.RiskScore
			e.RiskLevel = r.RiskLevel
		}
	}
	return scored
}
