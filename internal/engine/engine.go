// Package engine runs the detection pipeline over one tenant snapshot:
// validation, risk scoring, anomaly, pattern and network analysis, and alert
// generation.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/harrier/internal/alerts"
	"github.com/opensource-finance/harrier/internal/anomaly"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/network"
	"github.com/opensource-finance/harrier/internal/patterns"
	"github.com/opensource-finance/harrier/internal/risk"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	claimer alerts.Claimer
	now     func() time.Time
}

// WithLogger sets the logger shared by every stage.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records run, stage, alert and pattern metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClaimer adds cross-process alert dedup.
func WithClaimer(c alerts.Claimer) Option {
	return func(o *options) { o.claimer = c }
}

// WithClock fixes the evaluation instant, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Engine is a stateless batch pipeline. One Engine may serve concurrent runs.
type Engine struct {
	cfg       domain.DetectionConfig
	scorer    *risk.Scorer
	anomalies *anomaly.Detector
	patterns  *patterns.Detector
	network   *network.Analyzer
	alerts    *alerts.Generator
	validate  *validator.Validate
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Result is everything one run produces. Transactions and Entities carry
// refreshed risk scores; the update lists are what the record store should
// write back.
type Result struct {
	TenantID           string
	Transactions       []domain.Transaction
	TransactionUpdates []domain.TransactionRiskUpdate
	Entities           []domain.Entity
	EntityUpdates      []domain.EntityRiskUpdate
	Patterns           []domain.DetectedPattern
	Anomalies          []domain.EntityAnomalyResult
	AnomalyResults     []domain.AnomalyResult
	Network            *network.Analysis
	Alerts             []domain.Alert
	Diagnostics        []domain.Diagnostic
	Duration           time.Duration
}

// New validates the configuration and builds every stage. Malformed
// configuration, including custom rules that do not compile, fails here.
func New(cfg domain.DetectionConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}

	scorer, err := risk.NewScorer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build risk scorer: %w", err)
	}

	alertOpts := []alerts.Option{alerts.WithLogger(o.logger), alerts.WithClock(o.now)}
	if o.claimer != nil {
		alertOpts = append(alertOpts, alerts.WithClaimer(o.claimer))
	}

	return &Engine{
		cfg:       cfg,
		scorer:    scorer,
		anomalies: anomaly.NewDetector(cfg, o.logger),
		patterns:  patterns.NewDetector(cfg, o.logger).WithClock(o.now),
		network:   network.NewAnalyzer(cfg, o.logger).WithClock(o.now),
		alerts:    alerts.NewGenerator(cfg, alertOpts...),
		validate:  newValidator(),
		metrics:   o.metrics,
		logger:    o.logger,
		tracer:    telemetry.Tracer("harrier/engine"),
		now:       o.now,
	}, nil
}
