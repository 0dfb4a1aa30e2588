// Package worker runs detection for tenants on request and on a schedule.
// Requests arrive on the event bus; each run loads a snapshot from the
// repository, runs the engine, writes scores and alerts back and publishes
// the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/engine"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// GlobalTenant is the pseudo-tenant a worker subscribes on when no tenants
// are configured. Requests on it name their tenant in the payload.
const GlobalTenant = "_global"

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithMetrics records the last successful run per tenant.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithClock overrides the clock used for lookback windows.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// Worker subscribes to run requests and executes detection runs.
// Runs for the same tenant are serialized.
type Worker struct {
	bus     domain.EventBus
	repo    domain.Repository
	engine  *engine.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	tenantMu sync.Mutex
	tenants  map[string]*sync.Mutex

	subscriptions []domain.Subscription
	channels      map[string]bool
	lookback      int
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// New creates a worker.
func New(bus domain.EventBus, repo domain.Repository, eng *engine.Engine, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		bus:     bus,
		repo:    repo,
		engine:  eng,
		logger:  slog.Default(),
		tracer:  telemetry.Tracer("harrier/worker"),
		now:     func() time.Time { return time.Now().UTC() },
		tenants: make(map[string]*sync.Mutex),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start subscribes to run requests for the configured tenants (or the global
// channel), starts the scheduler when an interval is set and optionally
// requests one run per tenant immediately.
func (w *Worker) Start(cfg domain.WorkerConfig) error {
	tenants := cfg.Tenants
	if len(tenants) == 0 {
		tenants = []string{GlobalTenant}
	}

	w.channels = make(map[string]bool, len(tenants))
	w.lookback = cfg.LookbackHours
	for _, tenantID := range tenants {
		w.channels[tenantID] = true
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicRunRequested, w.handleRunRequest)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", tenantID, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
		w.logger.Info("worker subscribed",
			"tenant_id", tenantID,
			"topic", domain.TopicRunRequested,
		)
	}

	if len(cfg.Tenants) == 0 {
		return nil
	}

	req := domain.RunRequest{LookbackHours: cfg.LookbackHours}
	if cfg.RunOnStart {
		w.requestRuns(cfg.Tenants, req)
	}
	if cfg.Interval > 0 {
		w.wg.Add(1)
		go w.schedule(cfg.Interval, cfg.Tenants, req)
	}
	return nil
}

// schedule publishes a run request per tenant on every tick until Stop.
func (w *Worker) schedule(interval time.Duration, tenants []string, req domain.RunRequest) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("scheduler started", "interval", interval.String(), "tenants", len(tenants))
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.requestRuns(tenants, req)
		}
	}
}

// RequestRun publishes a run request for tenantID on the channel this worker
// listens on. Tenants outside the configured set are rejected.
func (w *Worker) RequestRun(ctx context.Context, tenantID, traceID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", domain.ErrInvalidInput)
	}

	channel := tenantID
	switch {
	case w.channels[tenantID]:
	case w.channels[GlobalTenant]:
		channel = GlobalTenant
	default:
		return fmt.Errorf("%w: tenant %s is not served by this worker", domain.ErrInvalidInput, tenantID)
	}

	payload, err := json.Marshal(domain.RunRequest{
		TenantID:      tenantID,
		TraceID:       traceID,
		LookbackHours: w.lookback,
	})
	if err != nil {
		return fmt.Errorf("marshal run request: %w", err)
	}
	return w.bus.Publish(ctx, channel, domain.TopicRunRequested, payload)
}

func (w *Worker) requestRuns(tenants []string, req domain.RunRequest) {
	for _, tenantID := range tenants {
		req.TenantID = tenantID
		payload, _ := json.Marshal(req)
		if err := w.bus.Publish(w.ctx, tenantID, domain.TopicRunRequested, payload); err != nil {
			w.logger.Error("failed to request run",
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}
}

func (w *Worker) handleRunRequest(ctx context.Context, msg *domain.Message) error {
	var req domain.RunRequest
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			w.logger.Error("failed to parse run request",
				"message_id", msg.ID,
				"error", err,
			)
			return err
		}
	}
	if req.TenantID == "" {
		req.TenantID = msg.TenantID
	}
	if req.TenantID == "" || req.TenantID == GlobalTenant {
		return fmt.Errorf("%w: run request %s names no tenant", domain.ErrInvalidInput, msg.ID)
	}
	if req.TraceID == "" {
		req.TraceID = msg.ID
	}

	_, err := w.Run(ctx, req)
	return err
}

// Run executes one detection run for a tenant and persists its outcome.
func (w *Worker) Run(ctx context.Context, req domain.RunRequest) (*domain.RunSummary, error) {
	lock := w.tenantLock(req.TenantID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := w.tracer.Start(ctx, "worker.run", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
	))
	defer span.End()

	summary, err := w.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.ErrorContext(ctx, "run failed",
			"tenant_id", req.TenantID,
			"trace_id", req.TraceID,
			"error", err,
		)
		return nil, err
	}
	return summary, nil
}

func (w *Worker) run(ctx context.Context, req domain.RunRequest) (*domain.RunSummary, error) {
	var since time.Time
	if req.LookbackHours > 0 {
		since = w.now().Add(-time.Duration(req.LookbackHours) * time.Hour)
	}

	snap, err := domain.LoadSnapshot(ctx, w.repo, req.TenantID, since)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	res, err := w.engine.Run(ctx, snap)
	if err != nil {
		return nil, err
	}

	if err := w.persist(ctx, req.TenantID, res); err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}
	w.publishResults(ctx, req.TenantID, res)

	summary := &domain.RunSummary{
		TenantID:     req.TenantID,
		TraceID:      req.TraceID,
		Transactions: len(res.Transactions),
		Patterns:     len(res.Patterns),
		Alerts:       len(res.Alerts),
		Skipped:      len(res.Diagnostics),
		DurationMs:   res.Duration.Milliseconds(),
	}
	w.publish(ctx, req.TenantID, domain.TopicRunCompleted, summary)

	if w.metrics != nil {
		w.metrics.LastRun.WithLabelValues(req.TenantID).Set(float64(w.now().Unix()))
	}

	w.logger.InfoContext(ctx, "run completed",
		"tenant_id", req.TenantID,
		"trace_id", req.TraceID,
		"transactions", summary.Transactions,
		"patterns", summary.Patterns,
		"alerts", summary.Alerts,
		"skipped", summary.Skipped,
		"duration_ms", summary.DurationMs,
	)
	return summary, nil
}

// persist writes risk scores back and stores new alerts. Alerts another
// writer already stored are skipped. Alerts left unstored by a failure give
// their claims back so the next run can emit them.
func (w *Worker) persist(ctx context.Context, tenantID string, res *engine.Result) error {
	for _, u := range res.TransactionUpdates {
		if err := w.repo.UpdateTransactionRisk(ctx, tenantID, u); err != nil {
			w.engine.ReleaseClaims(ctx, tenantID, res.Alerts)
			return fmt.Errorf("transaction %s: %w", u.TransactionID, err)
		}
	}
	for _, u := range res.EntityUpdates {
		if err := w.repo.UpdateEntityRisk(ctx, tenantID, u); err != nil {
			w.engine.ReleaseClaims(ctx, tenantID, res.Alerts)
			return fmt.Errorf("entity %s: %w", u.EntityID, err)
		}
	}
	for i := range res.Alerts {
		err := w.repo.SaveAlert(ctx, tenantID, &res.Alerts[i])
		if errors.Is(err, domain.ErrDuplicateAlert) {
			w.logger.WarnContext(ctx, "alert already stored", "alert_id", res.Alerts[i].ID)
			continue
		}
		if err != nil {
			w.engine.ReleaseClaims(ctx, tenantID, res.Alerts[i:])
			return fmt.Errorf("alert %s: %w", res.Alerts[i].ID, err)
		}
	}
	return nil
}

func (w *Worker) publishResults(ctx context.Context, tenantID string, res *engine.Result) {
	for i := range res.Alerts {
		w.publish(ctx, tenantID, domain.TopicAlertCreated, &res.Alerts[i])
	}
	for i := range res.Patterns {
		w.publish(ctx, tenantID, domain.TopicPatternDetected, &res.Patterns[i])
	}
}

func (w *Worker) publish(ctx context.Context, tenantID, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to marshal event", "topic", topic, "error", err)
		return
	}
	if err := w.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		w.logger.ErrorContext(ctx, "failed to publish event",
			"tenant_id", tenantID,
			"topic", topic,
			"error", err,
		)
	}
}

func (w *Worker) tenantLock(tenantID string) *sync.Mutex {
	w.tenantMu.Lock()
	defer w.tenantMu.Unlock()
	l, ok := w.tenants[tenantID]
	if !ok {
		l = &sync.Mutex{}
		w.tenants[tenantID] = l
	}
	return l
}

// Stop cancels the scheduler and subscriptions and waits for them to exit.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	w.logger.Info("worker stopped")
	return nil
}

// Stats describes the worker's subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
