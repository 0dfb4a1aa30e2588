package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Memory is a process-local domain.Repository. It is used by the community
// tier and by tests; records are copied in and out.
type Memory struct {
	mu            sync.RWMutex
	entities      map[string]map[string]domain.Entity
	transactions  map[string]map[string]domain.Transaction
	relationships map[string]map[string]domain.EntityRelationship
	alerts        map[string]map[string]domain.Alert
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		entities:      make(map[string]map[string]domain.Entity),
		transactions:  make(map[string]map[string]domain.Transaction),
		relationships: make(map[string]map[string]domain.EntityRelationship),
		alerts:        make(map[string]map[string]domain.Alert),
	}
}

func bucket[T any](m map[string]map[string]T, tenantID string) map[string]T {
	b, ok := m[tenantID]
	if !ok {
		b = make(map[string]T)
		m[tenantID] = b
	}
	return b
}

func values[T any](m map[string]T, less func(a, b T) bool) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (m *Memory) SaveEntity(_ context.Context, tenantID string, e *domain.Entity) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *e
	rec.TenantID = tenantID
	rec.RiskLevel = domain.RiskLevel(levelOrLow(e.RiskLevel))
	bucket(m.entities, tenantID)[e.ID] = rec
	return nil
}

func (m *Memory) GetEntity(_ context.Context, tenantID string, entityID string) (*domain.Entity, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[tenantID][entityID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &e, nil
}

func (m *Memory) ListEntities(_ context.Context, tenantID string) ([]domain.Entity, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return values(m.entities[tenantID], func(a, b domain.Entity) bool { return a.ID < b.ID }), nil
}

func (m *Memory) UpdateEntityRisk(_ context.Context, tenantID string, update domain.EntityRiskUpdate) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[tenantID][update.EntityID]
	if !ok {
		return domain.ErrNotFound
	}
	e.RiskScore = update.RiskScore
	e.RiskLevel = update.RiskLevel
	m.entities[tenantID][update.EntityID] = e
	return nil
}

func (m *Memory) SaveTransaction(_ context.Context, tenantID string, tx *domain.Transaction) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *tx
	rec.TenantID = tenantID
	rec.RiskLevel = domain.RiskLevel(levelOrLow(tx.RiskLevel))
	if tx.Description != nil {
		rec.Description = domain.StringPtr(*tx.Description)
	}
	bucket(m.transactions, tenantID)[tx.ID] = rec
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[tenantID][txID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &tx, nil
}

func (m *Memory) ListTransactions(_ context.Context, tenantID string, since time.Time) ([]domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := values(m.transactions[tenantID], func(a, b domain.Transaction) bool {
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
	out := all[:0]
	for _, tx := range all {
		if !tx.Timestamp.Before(since) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *Memory) UpdateTransactionRisk(_ context.Context, tenantID string, update domain.TransactionRiskUpdate) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[tenantID][update.TransactionID]
	if !ok {
		return domain.ErrNotFound
	}
	tx.RiskScore = update.RiskScore
	tx.RiskLevel = update.RiskLevel
	m.transactions[tenantID][update.TransactionID] = tx
	return nil
}

func (m *Memory) SaveRelationship(_ context.Context, tenantID string, rel *domain.EntityRelationship) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *rel
	rec.TenantID = tenantID
	if rel.EndAt != nil {
		end := *rel.EndAt
		rec.EndAt = &end
	}
	bucket(m.relationships, tenantID)[rel.ID] = rec
	return nil
}

func (m *Memory) ListRelationships(_ context.Context, tenantID string) ([]domain.EntityRelationship, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return values(m.relationships[tenantID], func(a, b domain.EntityRelationship) bool { return a.ID < b.ID }), nil
}

func (m *Memory) SaveAlert(_ context.Context, tenantID string, a *domain.Alert) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := bucket(m.alerts, tenantID)
	if _, ok := b[a.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateAlert, a.ID)
	}
	rec := *a
	rec.TenantID = tenantID
	b[a.ID] = rec
	return nil
}

func (m *Memory) ListAlerts(_ context.Context, tenantID string) ([]domain.Alert, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return values(m.alerts[tenantID], func(a, b domain.Alert) bool {
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	}), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
