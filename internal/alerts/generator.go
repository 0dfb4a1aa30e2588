// Package alerts turns detection output into deduplicated investigator alerts.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Detections bundles the outputs of one engine run.
type Detections struct {
	TenantID     string
	Transactions []domain.Transaction
	Entities     []domain.Entity
	Patterns     []domain.DetectedPattern
	Anomalies    []domain.AnomalyResult
}

// Claimer reserves an alert key for a tenant across processes. Claim returns
// false when another holder already owns the key; a non-positive ttl asks for
// the claimer's default lifetime. Release gives a key back.
type Claimer interface {
	Claim(ctx context.Context, tenantID, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, tenantID, key string) error
}

// Option configures a Generator.
type Option func(*Generator)

// WithClaimer adds a cross-process dedup guard.
func WithClaimer(c Claimer) Option {
	return func(g *Generator) { g.claimer = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithClock overrides the alert timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// Generator applies the four emission rules. Check-and-create is serialized
// per (entity, key) so concurrent rules never emit the same alert twice.
type Generator struct {
	cfg     domain.DetectionConfig
	claimer Claimer
	locks   *keyLock
	logger  *slog.Logger
	now     func() time.Time
}

// NewGenerator creates an alert generator.
func NewGenerator(cfg domain.DetectionConfig, opts ...Option) *Generator {
	g := &Generator{
		cfg:    cfg,
		locks:  newKeyLock(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// run is the per-call state shared by the emission rules.
type run struct {
	g        *Generator
	tenantID string
	now      time.Time
	index    *index

	mu      sync.Mutex
	created []domain.Alert
	skipped int
}

// Generate emits new alerts for the detections, skipping any already covered
// by existing or by an alert created earlier in the same call.
func (g *Generator) Generate(ctx context.Context, det Detections, existing []domain.Alert) ([]domain.Alert, error) {
	r := &run{
		g:        g,
		tenantID: det.TenantID,
		now:      g.now(),
		index:    newIndex(existing),
	}

	// Transaction alerts go first so a pattern alert referencing the same
	// transaction can never pre-empt them.
	if err := r.transactions(ctx, det.Transactions); err != nil {
		return nil, err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return r.entities(ctx, det.Entities) })
	eg.Go(func() error { return r.patterns(ctx, det.Patterns) })
	eg.Go(func() error { return r.anomalies(ctx, det.Anomalies, det.Transactions) })
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := r.created
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.TransactionRef() < b.TransactionRef()
	})

	g.logger.Info("alerts generated",
		"tenant_id", det.TenantID,
		"created", len(out),
		"duplicates_skipped", r.skipped,
	)
	return out, nil
}

// emit runs check-and-create under the per-key lock. ttl is the claim
// lifetime; zero leaves it to the claimer.
func (r *run) emit(ctx context.Context, key string, ttl time.Duration, exists func() bool, build func() domain.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := r.g.locks.Lock(key)
	defer unlock()

	if exists() {
		r.skip()
		return nil
	}

	var claimed string
	if r.g.claimer != nil {
		ok, err := r.g.claimer.Claim(ctx, r.tenantID, key, ttl)
		switch {
		case err != nil:
			r.g.logger.Warn("alert claim failed, emitting without cross-process guard",
				"key", key,
				"error", err,
			)
		case !ok:
			r.skip()
			return nil
		default:
			claimed = key
		}
	}

	alert := build()
	alert.ClaimKey = claimed
	alert.ID = uuid.NewString()
	alert.TenantID = r.tenantID
	alert.Timestamp = r.now
	alert.Status = domain.AlertStatusPending
	if alert.RiskLevel == "" {
		alert.RiskLevel = r.g.cfg.Bands.Level(alert.RiskScore)
	}

	r.index.insert(&alert)
	r.mu.Lock()
	r.created = append(r.created, alert)
	r.mu.Unlock()
	return nil
}

func (r *run) skip() {
	r.mu.Lock()
	r.skipped++
	r.mu.Unlock()
}

func (r *run) transactions(ctx context.Context, txs []domain.Transaction) error {
	for i := range txs {
		tx := &txs[i]
		if tx.RiskScore < r.g.cfg.TransactionAlertScore {
			continue
		}
		key := fmt.Sprintf("%s|%s|%s", domain.AlertTransactionPattern, tx.SourceID, tx.ID)
		err := r.emit(ctx, key, 0,
			func() bool { return r.index.hasTransactionAlert(domain.AlertTransactionPattern, tx.ID) },
			func() domain.Alert {
				return domain.Alert{
					EntityID:      tx.SourceID,
					TransactionID: domain.StringPtr(tx.ID),
					Type:          domain.AlertTransactionPattern,
					Title:         "High-risk transaction " + tx.ID,
					Description: fmt.Sprintf("%.2f %s from %s to %s scored %.0f",
						tx.Amount, tx.Currency, tx.SourceID, tx.DestinationID, tx.RiskScore),
					RiskScore:       tx.RiskScore,
					RiskLevel:       r.g.cfg.Bands.Level(tx.RiskScore),
					DetectionMethod: domain.MethodRiskScoring,
				}
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *run) entities(ctx context.Context, entities []domain.Entity) error {
	since := r.now.Add(-r.g.cfg.EntityAlertWindow)
	for i := range entities {
		e := &entities[i]
		level := r.g.cfg.Bands.Level(e.RiskScore)
		if e.RiskScore < r.g.cfg.EntityAlertScore || level == domain.RiskLow {
			continue
		}
		key := fmt.Sprintf("%s|%s", domain.AlertEntityRisk, e.ID)
		err := r.emit(ctx, key, r.g.cfg.EntityAlertWindow,
			func() bool { return r.index.hasRecentEntityAlert(e.ID, since) },
			func() domain.Alert {
				name := e.Name
				if name == "" {
					name = e.ID
				}
				return domain.Alert{
					EntityID:        e.ID,
					Type:            domain.AlertEntityRisk,
					Title:           "High-risk entity " + name,
					Description:     fmt.Sprintf("entity %s scored %.0f (%s)", e.ID, e.RiskScore, level),
					RiskScore:       e.RiskScore,
					RiskLevel:       level,
					DetectionMethod: domain.MethodEntityRiskScoring,
				}
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *run) patterns(ctx context.Context, patterns []domain.DetectedPattern) error {
	for i := range patterns {
		p := &patterns[i]
		if len(p.EntityIDs) == 0 {
			continue
		}

		typ, method := domain.AlertTransactionPattern, domain.MethodPatternDetection
		if domain.IsNetworkPattern(p.Name) {
			typ, method = domain.AlertNetworkActivity, domain.MethodNetworkAnalysis
		}

		key := fmt.Sprintf("%s|%s|%s", p.Name, p.EntityIDs[0], p.Fingerprint())
		err := r.emit(ctx, key, 0,
			func() bool { return r.index.hasPatternAlert(p) },
			func() domain.Alert {
				var txID *string
				if len(p.TransactionIDs) > 0 {
					txID = domain.StringPtr(p.TransactionIDs[0])
				}
				score := PatternScore(p.Confidence, p.RiskLevel)
				return domain.Alert{
					EntityID:        p.EntityIDs[0],
					TransactionID:   txID,
					Type:            typ,
					Title:           fmt.Sprintf("%s: %d entities, %d transactions", p.Name, len(p.EntityIDs), len(p.TransactionIDs)),
					Description:     p.Description,
					RiskScore:       score,
					RiskLevel:       r.g.cfg.Bands.Level(score),
					DetectionMethod: method,
				}
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *run) anomalies(ctx context.Context, results []domain.AnomalyResult, txs []domain.Transaction) error {
	byID := make(map[string]*domain.Transaction, len(txs))
	for i := range txs {
		byID[txs[i].ID] = &txs[i]
	}

	for _, res := range results {
		if !res.IsAnomaly {
			continue
		}
		tx, ok := byID[res.TransactionID]
		if !ok {
			continue
		}
		score := domain.ClampScore(res.Score)
		key := fmt.Sprintf("%s|%s|%s", domain.AlertAnomalyDetection, tx.SourceID, tx.ID)
		err := r.emit(ctx, key, 0,
			func() bool { return r.index.hasTransactionAlert(domain.AlertAnomalyDetection, tx.ID) },
			func() domain.Alert {
				return domain.Alert{
					EntityID:        tx.SourceID,
					TransactionID:   domain.StringPtr(tx.ID),
					Type:            domain.AlertAnomalyDetection,
					Title:           "Anomalous transaction " + tx.ID,
					Description:     fmt.Sprintf("%.2f %s from %s to %s has anomaly score %.0f", tx.Amount, tx.Currency, tx.SourceID, tx.DestinationID, score),
					RiskScore:       score,
					DetectionMethod: domain.MethodAnomalyDetection,
				}
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// Release gives back the claims held by alerts that were never stored, so a
// later run can emit them again. Release errors are logged.
func (g *Generator) Release(ctx context.Context, tenantID string, alerts []domain.Alert) {
	if g.claimer == nil {
		return
	}
	for i := range alerts {
		key := alerts[i].ClaimKey
		if key == "" {
			continue
		}
		if err := g.claimer.Release(ctx, tenantID, key); err != nil {
			g.logger.Warn("failed to release alert claim",
				"tenant_id", tenantID,
				"key", key,
				"error", err,
			)
		}
	}
}

// PatternScore rescales pattern confidence into an alert risk score by the
// pattern's risk level.
func PatternScore(confidence float64, level domain.RiskLevel) float64 {
	score := confidence * 100
	switch level {
	case domain.RiskCritical:
		score = math.Min(score*1.3, 95)
	case domain.RiskHigh:
		score = math.Min(score*1.2, 85)
	case domain.RiskMedium:
		score = math.Min(score, 70)
	default:
		score = math.Min(score, 50)
	}
	return domain.ClampScore(score)
}
