// Package repository provides the record store the worker loads snapshots
// from and writes risk scores and alerts back to.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a repository for the configured driver.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", domain.ErrInvalidConfig, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	return nil
}

// SaveEntity inserts or replaces an entity.
func (r *SQLRepository) SaveEntity(ctx context.Context, tenantID string, e *domain.Entity) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `
		INSERT INTO entities (
			id, tenant_id, name, category, jurisdiction, registered_at,
			risk_score, risk_level, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			jurisdiction = excluded.jurisdiction,
			registered_at = excluded.registered_at,
			risk_score = excluded.risk_score,
			risk_level = excluded.risk_level,
			status = excluded.status
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, tenantID, e.Name, string(e.Category), e.Jurisdiction, nullTime(e.RegisteredAt),
		e.RiskScore, levelOrLow(e.RiskLevel), e.Status,
	)
	return err
}

const entityColumns = `id, tenant_id, name, category, jurisdiction, registered_at, risk_score, risk_level, status`

func scanEntity(row interface{ Scan(...any) error }) (*domain.Entity, error) {
	var e domain.Entity
	var registered sql.NullTime
	if err := row.Scan(
		&e.ID, &e.TenantID, &e.Name, &e.Category, &e.Jurisdiction, &registered,
		&e.RiskScore, &e.RiskLevel, &e.Status,
	); err != nil {
		return nil, err
	}
	if registered.Valid {
		e.RegisteredAt = registered.Time.UTC()
	}
	return &e, nil
}

// GetEntity retrieves an entity by ID with tenant isolation.
func (r *SQLRepository) GetEntity(ctx context.Context, tenantID string, entityID string) (*domain.Entity, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + entityColumns + ` FROM entities WHERE tenant_id = ? AND id = ?`
	e, err := scanEntity(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return e, err
}

// ListEntities returns every entity of a tenant ordered by id.
func (r *SQLRepository) ListEntities(ctx context.Context, tenantID string) ([]domain.Entity, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + entityColumns + ` FROM entities WHERE tenant_id = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

// UpdateEntityRisk writes back a computed entity score.
func (r *SQLRepository) UpdateEntityRisk(ctx context.Context, tenantID string, update domain.EntityRiskUpdate) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `UPDATE entities SET risk_score = ?, risk_level = ? WHERE tenant_id = ? AND id = ?`
	res, err := r.db.ExecContext(ctx, r.rebind(query),
		update.RiskScore, string(update.RiskLevel), tenantID, update.EntityID)
	return affected(res, err)
}

// SaveTransaction inserts or replaces a transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `
		INSERT INTO transactions (
			id, tenant_id, source_id, destination_id, amount, currency,
			timestamp, description, type, category, risk_score, risk_level
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			source_id = excluded.source_id,
			destination_id = excluded.destination_id,
			amount = excluded.amount,
			currency = excluded.currency,
			timestamp = excluded.timestamp,
			description = excluded.description,
			type = excluded.type,
			category = excluded.category,
			risk_score = excluded.risk_score,
			risk_level = excluded.risk_level
	`

	var desc sql.NullString
	if tx.Description != nil {
		desc = sql.NullString{String: *tx.Description, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.SourceID, tx.DestinationID, tx.Amount, tx.Currency,
		tx.Timestamp.UTC(), desc, string(tx.Type), string(tx.Category),
		tx.RiskScore, levelOrLow(tx.RiskLevel),
	)
	return err
}

const transactionColumns = `id, tenant_id, source_id, destination_id, amount, currency,
	timestamp, description, type, category, risk_score, risk_level`

func scanTransaction(row interface{ Scan(...any) error }) (*domain.Transaction, error) {
	var tx domain.Transaction
	var desc sql.NullString
	if err := row.Scan(
		&tx.ID, &tx.TenantID, &tx.SourceID, &tx.DestinationID, &tx.Amount, &tx.Currency,
		&tx.Timestamp, &desc, &tx.Type, &tx.Category, &tx.RiskScore, &tx.RiskLevel,
	); err != nil {
		return nil, err
	}
	tx.Timestamp = tx.Timestamp.UTC()
	if desc.Valid {
		tx.Description = domain.StringPtr(desc.String)
	}
	return &tx, nil
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tenant_id = ? AND id = ?`
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return tx, err
}

// ListTransactions returns a tenant's transactions at or after since, oldest
// first.
func (r *SQLRepository) ListTransactions(ctx context.Context, tenantID string, since time.Time) ([]domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE tenant_id = ? AND timestamp >= ?
		ORDER BY timestamp, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

// UpdateTransactionRisk writes back a computed transaction score.
func (r *SQLRepository) UpdateTransactionRisk(ctx context.Context, tenantID string, update domain.TransactionRiskUpdate) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `UPDATE transactions SET risk_score = ?, risk_level = ? WHERE tenant_id = ? AND id = ?`
	res, err := r.db.ExecContext(ctx, r.rebind(query),
		update.RiskScore, string(update.RiskLevel), tenantID, update.TransactionID)
	return affected(res, err)
}

// SaveRelationship inserts or replaces a relationship.
func (r *SQLRepository) SaveRelationship(ctx context.Context, tenantID string, rel *domain.EntityRelationship) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `
		INSERT INTO relationships (
			id, tenant_id, source_id, target_id, type, strength, start_at, end_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			source_id = excluded.source_id,
			target_id = excluded.target_id,
			type = excluded.type,
			strength = excluded.strength,
			start_at = excluded.start_at,
			end_at = excluded.end_at
	`

	var end sql.NullTime
	if rel.EndAt != nil {
		end = sql.NullTime{Time: rel.EndAt.UTC(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rel.ID, tenantID, rel.SourceID, rel.TargetID, string(rel.Type), rel.Strength,
		nullTime(rel.StartAt), end,
	)
	return err
}

// ListRelationships returns every relationship of a tenant ordered by id.
func (r *SQLRepository) ListRelationships(ctx context.Context, tenantID string) ([]domain.EntityRelationship, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, source_id, target_id, type, strength, start_at, end_at
		FROM relationships
		WHERE tenant_id = ?
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []domain.EntityRelationship
	for rows.Next() {
		var rel domain.EntityRelationship
		var start, end sql.NullTime
		if err := rows.Scan(
			&rel.ID, &rel.TenantID, &rel.SourceID, &rel.TargetID, &rel.Type, &rel.Strength,
			&start, &end,
		); err != nil {
			return nil, err
		}
		if start.Valid {
			rel.StartAt = start.Time.UTC()
		}
		if end.Valid {
			t := end.Time.UTC()
			rel.EndAt = &t
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// SaveAlert stores an alert. A second save with the same id returns
// domain.ErrDuplicateAlert.
func (r *SQLRepository) SaveAlert(ctx context.Context, tenantID string, a *domain.Alert) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	existing := `SELECT COUNT(*) FROM alerts WHERE tenant_id = ? AND id = ?`
	var n int
	if err := r.db.QueryRowContext(ctx, r.rebind(existing), tenantID, a.ID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateAlert, a.ID)
	}

	query := `
		INSERT INTO alerts (
			id, tenant_id, entity_id, transaction_id, timestamp, type, title,
			description, risk_score, risk_level, status, detection_method
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var txID sql.NullString
	if a.TransactionID != nil {
		txID = sql.NullString{String: *a.TransactionID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.EntityID, txID, a.Timestamp.UTC(), string(a.Type), a.Title,
		a.Description, a.RiskScore, string(a.RiskLevel), a.Status, a.DetectionMethod,
	)
	return err
}

// ListAlerts returns every alert of a tenant, oldest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string) ([]domain.Alert, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, entity_id, transaction_id, timestamp, type, title,
			description, risk_score, risk_level, status, detection_method
		FROM alerts
		WHERE tenant_id = ?
		ORDER BY timestamp, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var txID sql.NullString
		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.EntityID, &txID, &a.Timestamp, &a.Type, &a.Title,
			&a.Description, &a.RiskScore, &a.RiskLevel, &a.Status, &a.DetectionMethod,
		); err != nil {
			return nil, err
		}
		a.Timestamp = a.Timestamp.UTC()
		if txID.Valid {
			a.TransactionID = domain.StringPtr(txID.String)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind numbers ? placeholders as $n for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, c := range query {
		if c != '?' {
			b.WriteRune(c)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func levelOrLow(l domain.RiskLevel) string {
	if l == "" {
		return string(domain.RiskLow)
	}
	return string(l)
}
